package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/storagelink/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "storagelink.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1", c.Linker.Host)
	assert.Equal(t, 90, c.Linker.Port)
	assert.Equal(t, "127.0.0.1", c.Backend.Host)
	assert.Equal(t, 91, c.Backend.Port)
	assert.Equal(t, backend.DefaultRoot, c.Backend.Root)
	assert.Equal(t, backend.DefaultExecutable, c.Backend.Executable)
	assert.Equal(t, 100*time.Millisecond, c.Pipeline.Window)
	assert.Equal(t, time.Second, c.Pipeline.Poll().Interval)
	assert.Equal(t, 30*time.Second, c.Pipeline.Poll().MaxWait)
	assert.Equal(t, backend.DefaultFlags(), c.Backend.Flags())
	assert.Equal(t, time.Minute, c.Backend.ReconcileInterval)
	assert.False(t, c.Linker.TLS.Enabled)
	assert.Nil(t, c.Backend.Environment())
	assert.False(t, c.Store.Enabled)
	assert.False(t, c.History.Enabled)
}

func TestLoadFull(t *testing.T) {
	p := writeTOML(t, `
[linker]
host = "links.local"
port = 8080
listen = ":8080"
base_path = "/api"
callback_url = "https://client.example/cb"
session_ttl = "1h"

[linker.tls]
enabled = true
dir = "/etc/storagelink/tls"
auto_generate = true

[backend]
port = 27017
root = "/var/lib/linkdb"
ready_timeout = "10s"
probe = false
fork = false
journal = false
env = ["MONGO_MARK=1"]

[pipeline]
window = "250ms"
poll_interval = "200ms"
poll_max_wait = "5s"

[app]
key = "k"
secret = "s"
scopes = ["files.content.write"]

[log.slog]
level = "debug"
format = "json"

[store]
enabled = true
dsn = "sqlite:///tmp/links.db"

[history]
enabled = true
dsns = ["sqlite:///tmp/history.db", "clickhouse://localhost:9000?table=h"]

[metrics]
enabled = true
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "links.local", c.Linker.Host)
	assert.Equal(t, 8080, c.Linker.Port)
	assert.Equal(t, "/api", c.Linker.BasePath)
	assert.True(t, c.Linker.TLS.AutoGenerate)
	assert.Equal(t, "/etc/storagelink/tls", c.Linker.TLS.Dir)
	assert.Equal(t, time.Hour, c.Linker.SessionTTL)
	assert.Equal(t, 27017, c.Backend.Port)
	assert.Equal(t, "127.0.0.1", c.Backend.Host)
	assert.Equal(t, "/var/lib/linkdb", c.Backend.Root)
	assert.Equal(t, 10*time.Second, c.Backend.ReadyTimeout)
	assert.False(t, c.Backend.Probe)
	assert.Equal(t, backend.Flags{DirectoryPerDB: true, LogAppend: true}, c.Backend.Flags())
	assert.Equal(t, 250*time.Millisecond, c.Pipeline.Window)
	assert.Equal(t, 5*time.Second, c.Pipeline.Poll().MaxWait)
	assert.Equal(t, "k", c.App.Key)
	assert.Equal(t, []string{"files.content.write"}, c.App.Scopes)
	assert.Equal(t, "debug", c.Log.Slog.Level)
	assert.Equal(t, "json", c.Log.Slog.Format)
	assert.True(t, c.Store.Enabled)
	assert.Len(t, c.History.DSNs, 2)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, c.Metrics.SampleInterval)

	e := c.Backend.Environment()
	require.NotNil(t, e)
	vars, err := e.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"MONGO_MARK=1"}, vars)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORAGELINK_LINKER_PORT", "9090")
	t.Setenv("STORAGELINK_APP_SECRET", "from-env")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Linker.Port)
	assert.Equal(t, "from-env", c.App.Secret)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/definitely/not/exist.toml")
	assert.Error(t, err)

	cases := map[string]string{
		"port out of range": "[backend]\nport = 70000\n",
		"empty host":        "[linker]\nhost = \"\"\n",
		"empty root":        "[backend]\nroot = \"\"\n",
		"store without dsn": "[store]\nenabled = true\ndsn = \"\"\n",
		"history no dsns":   "[history]\nenabled = true\n",
		"negative window":   "[pipeline]\nwindow = \"-1s\"\n",
		"tls without cert":  "[linker.tls]\nenabled = true\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTOML(t, data))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
