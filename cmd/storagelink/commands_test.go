package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/storagelink"
	"github.com/loykin/storagelink/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCommand() (command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return command{out: out, opts: []storagelink.Option{storagelink.WithLogger(quiet)}}, out
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "storagelink.toml")
	content := `
[linker]
listen = "127.0.0.1:0"

[backend]
root = "` + filepath.Join(dir, "db") + `"
probe = false
`
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestBuildRootHasCommands(t *testing.T) {
	c, _ := testCommand()
	root := buildRoot(c)
	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "discover", "ensure", "load-database", "stop", "link", "session", "authorize"} {
		assert.Contains(t, names, want)
	}
	ensure, _, err := root.Find([]string{"ensure"})
	require.NoError(t, err)
	assert.NotNil(t, ensure.Flags().Lookup("name"))
	stop, _, err := root.Find([]string{"stop"})
	require.NoError(t, err)
	assert.Nil(t, stop.Flags().Lookup("name"))
}

func TestDiscoverEmptyRoot(t *testing.T) {
	c, out := testCommand()
	require.NoError(t, c.Discover(context.Background(), BackendFlags{ConfigPath: writeConfig(t)}))

	var res discoverResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Empty(t, res.Alive)
	assert.Empty(t, res.Dead)
}

func TestDiscoverThroughCobra(t *testing.T) {
	c, out := testCommand()
	root := buildRoot(c)
	root.SetArgs([]string{"--config", writeConfig(t), "discover"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"alive": []`)
}

func TestEnsureRejectsInvalidPort(t *testing.T) {
	c, _ := testCommand()
	err := c.Ensure(context.Background(), BackendFlags{ConfigPath: writeConfig(t), Port: -1})
	assert.ErrorIs(t, err, backend.ErrInvalidTarget)
}

func TestStopWithoutBackend(t *testing.T) {
	c, _ := testCommand()
	err := c.Stop(context.Background(), BackendFlags{ConfigPath: writeConfig(t), Port: 27990})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running backend")
}

func TestMissingConfigFile(t *testing.T) {
	c, _ := testCommand()
	err := c.Discover(context.Background(), BackendFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}

func TestLinkAndSessionAgainstLinker(t *testing.T) {
	cfg, err := storagelink.LoadConfig(writeConfig(t))
	require.NoError(t, err)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := storagelink.New(context.Background(), *cfg, storagelink.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	srv := httptest.NewServer(l.Handler())
	t.Cleanup(srv.Close)

	c, out := testCommand()
	ctx := context.Background()
	require.NoError(t, c.Link(ctx, LinkFlags{APIFlags: APIFlags{APIUrl: srv.URL}, ID: "cli-link"}))
	var linked map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &linked))
	assert.Equal(t, "cli-link", linked["linker"])

	out.Reset()
	require.NoError(t, c.Session(ctx, SessionFlags{APIFlags: APIFlags{APIUrl: srv.URL}, LinkID: "cli-link"}))
	var s storagelink.Session
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, "cli-link", s.LinkID)

	err = c.Session(ctx, SessionFlags{APIFlags: APIFlags{APIUrl: srv.URL}, LinkID: "other"})
	require.Error(t, err)
}

func TestSessionRequiresLinkID(t *testing.T) {
	c, _ := testCommand()
	assert.Error(t, c.Session(context.Background(), SessionFlags{}))
}

func TestAPIClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	c, _ := testCommand()
	_, err := c.apiClient(context.Background(), APIFlags{APIUrl: url})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}
