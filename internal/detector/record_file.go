package detector

import (
	"context"
	"errors"
	"os"

	"github.com/loykin/storagelink/internal/record"
)

// FileState classifies a backend record file.
type FileState int

const (
	FileMissing  FileState = iota // no file, or nothing written yet
	FileUnsealed                  // PID written but the record is incomplete or malformed
	FileTampered                  // sealed but the hash does not verify
	FileDead                      // sealed, but the process is gone
	FileAlive
)

func (s FileState) String() string {
	switch s {
	case FileMissing:
		return "missing"
	case FileUnsealed:
		return "unsealed"
	case FileTampered:
		return "tampered"
	case FileDead:
		return "dead"
	case FileAlive:
		return "alive"
	}
	return "unknown"
}

// RecordFileDetector detects a backend through its record file. Anything
// but a sealed, verified record reads as dead; otherwise the recorded PID is
// looked up in the process table.
type RecordFileDetector struct {
	Path       string
	Executable string
	StartUnix  int64
	Lister     Lister
}

func (d RecordFileDetector) Alive() (bool, error) { return d.AliveContext(context.Background()) }

// AliveContext is Alive bounded by ctx.
func (d RecordFileDetector) AliveContext(ctx context.Context) (bool, error) {
	_, st, err := d.Inspect(ctx)
	return st == FileAlive, err
}

// Inspect reads the record file and classifies it. The returned record holds
// whatever could be parsed, also for unsealed and tampered files. A read
// error other than a missing file is returned as is.
func (d RecordFileDetector) Inspect(ctx context.Context) (record.Record, FileState, error) {
	r, err := record.ReadFile(d.Path)
	switch {
	case err == nil:
	case os.IsNotExist(err), errors.Is(err, record.ErrEmpty):
		return r, FileMissing, nil
	case errors.Is(err, record.ErrIncomplete), errors.Is(err, record.ErrMalformed):
		return r, FileUnsealed, nil
	default:
		return r, FileMissing, err
	}
	if r.Verify() != nil {
		return r, FileTampered, nil
	}
	ok, err := ProcessTable{
		Executable: d.Executable,
		PID:        r.PID,
		Port:       r.Port,
		StartUnix:  d.StartUnix,
		Lister:     d.Lister,
	}.AliveContext(ctx)
	if err != nil {
		return r, FileDead, err
	}
	if !ok {
		return r, FileDead, nil
	}
	return r, FileAlive, nil
}

func (d RecordFileDetector) Describe() string { return "recordfile:" + d.Path }
