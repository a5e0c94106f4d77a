package backend

import (
	"path/filepath"
	"strconv"

	"github.com/loykin/storagelink/internal/record"
)

// Flags are the optional backend invocation flags.
type Flags struct {
	Fork           bool
	DirectoryPerDB bool
	Journal        bool // --journal when true, --nojournal otherwise
	LogAppend      bool
	LogPath        string // default <folder>/log
	PIDFilePath    string // default <folder>/pid
}

// DefaultFlags forks, isolates databases per directory, journals and
// appends to the log.
func DefaultFlags() Flags {
	return Flags{Fork: true, DirectoryPerDB: true, Journal: true, LogAppend: true}
}

// withPaths fills the folder-relative defaults.
func (f Flags) withPaths(folder string) Flags {
	if f.LogPath == "" {
		f.LogPath = filepath.Join(folder, "log")
	}
	if f.PIDFilePath == "" {
		f.PIDFilePath = filepath.Join(folder, record.FileName)
	}
	return f
}

// Command returns the backend argument list for a data directory served on
// host:port.
func Command(dbPath, host string, port int, f Flags) []string {
	args := []string{"--dbpath", dbPath, "--port", strconv.Itoa(port), "--bind_ip", host}
	if f.Fork {
		args = append(args, "--fork")
	}
	if f.PIDFilePath != "" {
		args = append(args, "--pidfilepath", f.PIDFilePath)
	}
	if f.DirectoryPerDB {
		args = append(args, "--directoryperdb")
	}
	if f.LogPath != "" {
		args = append(args, "--logpath", f.LogPath)
		if f.LogAppend {
			args = append(args, "--logappend")
		}
	}
	if f.Journal {
		args = append(args, "--journal")
	} else {
		args = append(args, "--nojournal")
	}
	return args
}
