package record

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTripKeepsIntegrity(t *testing.T) {
	r := New(4242, "b1d2", "primary", "127.0.0.1", 27017)
	r.Databases = []string{"StorageLink-a", "StorageLink-b"}

	got, err := Parse(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.NoError(t, got.Verify())
	assert.Equal(t, got.ExpectedHash(), got.Hash)
}

func TestVerifyDetectsTampering(t *testing.T) {
	r := New(100, "id", "name", "127.0.0.1", 91)
	cases := map[string]func(*Record){
		"pid":  func(r *Record) { r.PID++ },
		"id":   func(r *Record) { r.BackendID = "other" },
		"name": func(r *Record) { r.Name = "other" },
		"port": func(r *Record) { r.Port = 92 },
		"host": func(r *Record) { r.Host = "10.0.0.1" },
		"hash": func(r *Record) { r.Hash = "deadbeef" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			c := r
			mutate(&c)
			err := c.Verify()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntegrity))
		})
	}
}

func TestComputeHashIsStable(t *testing.T) {
	a := ComputeHash(1, "x", "y", 2, "h")
	b := ComputeHash(1, "x", "y", 2, "h")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, ComputeHash(2, "x", "y", 2, "h"))
}

func TestParseEmptyAndIncomplete(t *testing.T) {
	for _, in := range []string{"", "\n\n", "  \t \r\n"} {
		_, err := Parse([]byte(in))
		assert.ErrorIs(t, err, ErrEmpty, "input %q", in)
	}

	r, err := Parse([]byte("1234\n"))
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1234, r.PID)

	_, err = Parse([]byte("abc\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte("12\nid\nname\nhost\nnotaport\nhash\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseAppendedTailAfterBackendPID(t *testing.T) {
	// The backend writes "<pid>\n"; the supervisor appends the tail.
	r := New(777, "bid", "bid", "127.0.0.1", 91)
	data := append([]byte("777\n"), r.Tail()...)
	got, err := Parse(data)
	require.NoError(t, err)
	assert.NoError(t, got.Verify())
	assert.Equal(t, "127.0.0.1:91", got.HostPort())
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, FileName)

	_, err := ReadFile(p)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(p, []byte("  \n"), 0o600))
	_, err = ReadFile(p)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, os.WriteFile(p, []byte("31337\n"), 0o600))
	got, err := ReadFile(p)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 31337, got.PID)

	r := New(31337, "bid", "name", "localhost", 91)
	require.NoError(t, os.WriteFile(p, r.Encode(), 0o600))
	got, err = ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestHostPortIPv6(t *testing.T) {
	assert.Equal(t, "[::1]:91", HostPort("::1", 91))
}

// FuzzParse ensures Parse never panics on arbitrary content.
func FuzzParse(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add(New(1, "a", "b", "c", 2).Encode())
	f.Add([]byte("\n\n"))
	f.Add([]byte("x"))
	f.Fuzz(func(t *testing.T, data []byte) {
		r, err := Parse(data)
		if err == nil {
			_ = r.Verify()
		}
	})
}
