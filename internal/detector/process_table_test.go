package detector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLister(procs ...ProcInfo) Lister {
	return ListerFunc(func(context.Context) ([]ProcInfo, error) { return procs, nil })
}

func TestProcessTableMatches(t *testing.T) {
	table := staticLister(
		ProcInfo{PID: 10, Name: "bash", Cmdline: []string{"bash"}},
		ProcInfo{PID: 20, Name: "mongod", Cmdline: []string{"mongod", "--dbpath", "/x", "--port", "91"}},
		ProcInfo{PID: 30, Name: "mongod.exe", Cmdline: []string{"mongod.exe", "--port=92"}},
		ProcInfo{PID: 40, Name: "mongod", Cmdline: []string{"mongod", "--config", "/etc/mongod.conf"}},
	)
	cases := []struct {
		name string
		d    ProcessTable
		want bool
	}{
		{"alive", ProcessTable{Executable: "mongod", PID: 20, Port: 91, Lister: table}, true},
		{"any port", ProcessTable{Executable: "mongod", PID: 20, Lister: table}, true},
		{"windows image name", ProcessTable{Executable: "mongod", PID: 30, Port: 92, Lister: table}, true},
		{"port mismatch", ProcessTable{Executable: "mongod", PID: 20, Port: 99, Lister: table}, false},
		{"no port flag", ProcessTable{Executable: "mongod", PID: 40, Lister: table}, false},
		{"other executable", ProcessTable{Executable: "mongod", PID: 10, Lister: table}, false},
		{"missing pid", ProcessTable{Executable: "mongod", PID: 50, Lister: table}, false},
		{"zero pid", ProcessTable{Executable: "mongod", PID: 0, Lister: table}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.d.Alive()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProcessTableStartTimeRejectsReusedPID(t *testing.T) {
	table := staticLister(ProcInfo{PID: 20, Name: "mongod", Cmdline: []string{"--port", "91"}, StartUnix: 1000})
	alive, err := ProcessTable{Executable: "mongod", PID: 20, StartUnix: 1000, Lister: table}.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	alive, err = ProcessTable{Executable: "mongod", PID: 20, StartUnix: 2000, Lister: table}.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestProcessTableListerErrorIsPropagated(t *testing.T) {
	boom := errors.New("ps failed")
	d := ProcessTable{Executable: "mongod", PID: 1, Lister: ListerFunc(func(context.Context) ([]ProcInfo, error) {
		return nil, boom
	})}
	alive, err := d.Alive()
	assert.False(t, alive)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "proctable:mongod:1", d.Describe())
}

func TestParseTasklist(t *testing.T) {
	out := []byte("\r\nImage Name                     PID Session Name        Session#    Mem Usage\r\n" +
		"========================= ======== ================ =========== ============\r\n" +
		"mongod.exe                    4242 Services                   0     52,000 K\r\n")
	assert.True(t, parseTasklist(out, 4242, "mongod"))
	assert.False(t, parseTasklist(out, 4243, "mongod"))
	assert.False(t, parseTasklist(out, 4242, "postgres"))
	assert.False(t, parseTasklist([]byte("INFO: No tasks are running which match the specified criteria.\r\n"), 4242, "mongod"))
}

func TestGopsutilListerSeesCurrentProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("gopsutil lister is the POSIX default")
	}
	procs, err := GopsutilLister{}.Processes(context.Background())
	require.NoError(t, err)
	found := false
	for _, p := range procs {
		if p.PID == os.Getpid() {
			found = true
			break
		}
	}
	assert.True(t, found, "current process should be listed")
}

func TestStartUnixForCurrentProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("covered by the windows build")
	}
	assert.Equal(t, int64(0), StartUnix(0))
	if st := StartUnix(os.Getpid()); st != 0 {
		assert.Greater(t, st, int64(1_000_000_000))
	}
}

func TestDetectorsSatisfyInterface(t *testing.T) {
	table := staticLister(ProcInfo{PID: 7, Name: "mongod", Cmdline: []string{"mongod", "--port", "91"}})
	for _, d := range []Detector{
		ProcessTable{Executable: "mongod", PID: 7, Lister: table},
		RecordFileDetector{Path: filepath.Join(t.TempDir(), "pid"), Lister: table},
	} {
		_, err := d.AliveContext(context.Background())
		assert.NoError(t, err, d.Describe())
	}
}
