package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds random-ish linker and backend fields into a tiny TOML
// and ensures the loader does not panic and rejects out-of-range ports.
func FuzzLoadTOML(f *testing.F) {
	f.Add("127.0.0.1", 90, "./linkdb", "100ms")
	f.Add("", 0, "", "")
	f.Add("db.local", 70000, "/tmp/x", "-5s")

	f.Fuzz(func(t *testing.T, host string, port int, root string, window string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		b := strings.Builder{}
		b.WriteString("[backend]\n")
		b.WriteString("host = \"" + clean(host) + "\"\n")
		b.WriteString("port = " + strconv.Itoa(port) + "\n")
		b.WriteString("root = \"" + clean(root) + "\"\n")
		if window != "" {
			b.WriteString("[pipeline]\nwindow = \"" + clean(window) + "\"\n")
		}
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		c, err := Load(tmp)
		if err == nil && (c.Backend.Port <= 0 || c.Backend.Port > 65535) {
			t.Fatalf("accepted port %d", c.Backend.Port)
		}
	})
}
