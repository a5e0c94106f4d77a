//go:build !windows

package storagelink

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loykin/storagelink/internal/detector"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	"github.com/loykin/storagelink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeMongod = `#!/bin/sh
pidfile=""
port=""
while [ $# -gt 0 ]; do
  case "$1" in
    --pidfilepath) pidfile="$2"; shift ;;
    --port) port="$2"; shift ;;
  esac
  shift
done
echo $$ > "$pidfile"
echo "[initandlisten] waiting for connections on port $port"
trap 'exit 0' TERM
while :; do sleep 0.05; done
`

// procTable lists the fake backends as the OS process table would.
type procTable struct {
	mu    sync.Mutex
	procs []detector.ProcInfo
}

func (p *procTable) add(pid, port int) {
	p.mu.Lock()
	p.procs = append(p.procs, detector.ProcInfo{PID: pid, Name: "mongod", Cmdline: []string{"mongod", "--port", strconv.Itoa(port)}})
	p.mu.Unlock()
}

func (p *procTable) Processes(context.Context) ([]detector.ProcInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]detector.ProcInfo(nil), p.procs...), nil
}

func fakeBackendConfig(t *testing.T) Config {
	t.Helper()
	exe := filepath.Join(t.TempDir(), "mongod")
	require.NoError(t, os.WriteFile(exe, []byte(fakeMongod), 0o755)) // #nosec G306
	c := testConfig(t)
	c.Backend.Executable = exe
	c.Backend.Fork = false
	c.Store.Enabled = true
	c.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "store.db")
	return c
}

func TestLoadDatabaseThenDiscoverFromAnotherLinker(t *testing.T) {
	c := fakeBackendConfig(t)
	table := &procTable{}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := New(ctx, c, WithLogger(quietLogger()), WithProcessLister(table))
	require.NoError(t, err)
	e, err := first.LoadDatabase(ctx, "127.0.0.1", 27982)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.NoError(t, e.Record.Verify())
	t.Cleanup(func() { _ = first.Stop(context.Background(), e.HostPort()) })

	rec, err := first.store.GetByHostPort(ctx, "127.0.0.1:27982")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, rec.LastStatus)
	assert.Equal(t, e.Record.PID, rec.PID)

	var server *registry.ServerEntry
	ok := false
	for _, s := range first.Registry().Servers() {
		if s.Key() == record.HostPort(c.Linker.Host, c.Linker.Port) {
			server, ok = s, true
			break
		}
	}
	require.True(t, ok)
	require.Len(t, server.Storages(), 1)
	assert.Equal(t, "LinkedCollection-"+e.Record.Hash, server.Storages()[0].Name)
	require.NoError(t, first.Close(ctx))

	table.add(e.Record.PID, 27982)
	c.Store.Enabled = false
	second, err := New(ctx, c, WithLogger(quietLogger()), WithProcessLister(table))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	alive, dead, err := second.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
	require.Len(t, alive, 1)
	assert.Equal(t, e.Record, alive[0])

	again, err := second.Ensure(ctx, "127.0.0.1", 27982, BackendConfig{})
	require.NoError(t, err)
	assert.Equal(t, e.Record.PID, again.Record.PID)
}
