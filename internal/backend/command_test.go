package backend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandFlags(t *testing.T) {
	cases := []struct {
		name  string
		flags Flags
		want  []string
	}{
		{
			name:  "defaults with paths",
			flags: DefaultFlags().withPaths("/db/b1"),
			want: []string{"--dbpath", "/db/b1", "--port", "91", "--bind_ip", "127.0.0.1",
				"--fork", "--pidfilepath", filepath.Join("/db/b1", "pid"), "--directoryperdb",
				"--logpath", filepath.Join("/db/b1", "log"), "--logappend", "--journal"},
		},
		{
			name:  "bare",
			flags: Flags{},
			want:  []string{"--dbpath", "/db/b1", "--port", "91", "--bind_ip", "127.0.0.1", "--nojournal"},
		},
		{
			name:  "logappend needs logpath",
			flags: Flags{LogAppend: true, Journal: true},
			want:  []string{"--dbpath", "/db/b1", "--port", "91", "--bind_ip", "127.0.0.1", "--journal"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Command("/db/b1", "127.0.0.1", 91, tc.flags))
		})
	}
}

func TestWithPathsKeepsExplicitPaths(t *testing.T) {
	f := Flags{LogPath: "/var/log/b", PIDFilePath: "/run/b.pid"}.withPaths("/db/b")
	assert.Equal(t, "/var/log/b", f.LogPath)
	assert.Equal(t, "/run/b.pid", f.PIDFilePath)
}
