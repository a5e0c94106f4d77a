package detector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/storagelink/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFileDetector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, record.FileName)
	table := staticLister(ProcInfo{PID: 55, Name: "mongod", Cmdline: []string{"mongod", "--port", "91"}})
	d := RecordFileDetector{Path: path, Executable: "mongod", Lister: table}

	alive, err := d.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "missing file")

	require.NoError(t, os.WriteFile(path, []byte("55\n"), 0o600))
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "pid only")

	r := record.New(55, "bid", "bid", "127.0.0.1", 91)
	require.NoError(t, os.WriteFile(path, r.Encode(), 0o600))
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	r.Hash = "0000"
	require.NoError(t, os.WriteFile(path, r.Encode(), 0o600))
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "tampered record")

	require.NoError(t, os.WriteFile(path, []byte("nope\n"), 0o600))
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive, "malformed record")
	assert.Equal(t, "recordfile:"+path, d.Describe())
}

func TestRecordFileInspectStates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, record.FileName)
	sealed := record.New(55, "bid", "name", "127.0.0.1", 91)
	tampered := sealed
	tampered.Hash = "0000"
	gone := record.New(56, "bid", "name", "127.0.0.1", 91)

	cases := []struct {
		name string
		data []byte
		want FileState
	}{
		{"empty", []byte(" \n"), FileMissing},
		{"pid only", []byte("55\n"), FileUnsealed},
		{"malformed", []byte("nope\n"), FileUnsealed},
		{"tampered", tampered.Encode(), FileTampered},
		{"process gone", gone.Encode(), FileDead},
		{"alive", sealed.Encode(), FileAlive},
	}
	d := RecordFileDetector{
		Path:       path,
		Executable: "mongod",
		Lister:     staticLister(ProcInfo{PID: 55, Name: "mongod", Cmdline: []string{"mongod", "--port", "91"}}),
	}
	_, st, err := d.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FileMissing, st, "no file")

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, tc.data, 0o600))
			_, st, err := d.Inspect(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, st, st.String())
		})
	}

	require.NoError(t, os.WriteFile(path, sealed.Encode(), 0o600))
	rec, _, err := d.Inspect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sealed, rec)

	boom := errors.New("no process table")
	d.Lister = ListerFunc(func(context.Context) ([]ProcInfo, error) { return nil, boom })
	_, st, err = d.Inspect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FileDead, st)
}
