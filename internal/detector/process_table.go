package detector

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessTable verifies that a recorded PID still belongs to a running
// backend process by looking it up in the OS process table.
type ProcessTable struct {
	Executable string // backend executable name, e.g. "mongod"
	PID        int
	Port       int   // when > 0 the command line must carry this port
	StartUnix  int64 // when > 0 a different start time means the PID was reused
	Lister     Lister
}

func (d ProcessTable) Alive() (bool, error) { return d.AliveContext(context.Background()) }

// AliveContext is Alive bounded by ctx.
func (d ProcessTable) AliveContext(ctx context.Context) (bool, error) {
	if d.PID <= 0 {
		return false, nil
	}
	if d.Lister == nil {
		return platformAlive(ctx, d)
	}
	procs, err := d.Lister.Processes(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	return d.match(procs), nil
}

func (d ProcessTable) Describe() string {
	return fmt.Sprintf("proctable:%s:%d", d.Executable, d.PID)
}

func (d ProcessTable) match(procs []ProcInfo) bool {
	for _, p := range procs {
		if p.PID != d.PID {
			continue
		}
		if !sameExecutable(p.Name, d.Executable) || !hasPortFlag(p.Cmdline, d.Port) {
			return false
		}
		if d.StartUnix > 0 {
			start := p.StartUnix
			if start == 0 {
				start = getProcStartUnix(p.PID)
			}
			if start > 0 && start != d.StartUnix {
				return false
			}
		}
		return true
	}
	return false
}

func sameExecutable(name, want string) bool {
	if want == "" {
		return true
	}
	trim := func(s string) string {
		s = filepath.Base(strings.TrimSpace(s))
		return strings.TrimSuffix(strings.ToLower(s), ".exe")
	}
	return trim(name) == trim(want)
}

// hasPortFlag reports whether the command line carries a --port flag and,
// when port > 0, whether it names that port.
func hasPortFlag(args []string, port int) bool {
	want := strconv.Itoa(port)
	for i, a := range args {
		switch {
		case a == "--port":
			if port <= 0 {
				return true
			}
			if i+1 < len(args) && args[i+1] == want {
				return true
			}
		case strings.HasPrefix(a, "--port="):
			if port <= 0 || strings.TrimPrefix(a, "--port=") == want {
				return true
			}
		}
	}
	return false
}

// parseTasklist extracts the first data row of `tasklist /v /fi "pid eq N"`
// output and matches its image name and PID columns.
func parseTasklist(out []byte, pid int, executable string) bool {
	lines := strings.FieldsFunc(string(out), func(r rune) bool { return r == '\n' || r == '\r' })
	for i, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "===") {
			continue
		}
		if i+1 >= len(lines) {
			return false
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) < 2 {
			return false
		}
		return fields[1] == strconv.Itoa(pid) && sameExecutable(fields[0], executable)
	}
	return false
}
