package record

import (
	"bytes"
	"crypto/md5" // #nosec G501 -- integrity check, not a security boundary
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// FileName is the name of the record file inside a backend folder.
const FileName = "pid"

var (
	// ErrEmpty is returned for record files without any digit or word
	// content. The backend has not written its PID yet.
	ErrEmpty = errors.New("record file is empty")
	// ErrIncomplete is returned when the file holds a PID but the identity
	// lines have not been appended.
	ErrIncomplete = errors.New("record file is incomplete")
	// ErrMalformed is returned when a field cannot be parsed.
	ErrMalformed = errors.New("record file is malformed")
	// ErrIntegrity is returned by Verify when the stored hash does not match.
	ErrIntegrity = errors.New("record integrity hash mismatch")
)

var wordRe = regexp.MustCompile(`\w`)

// Record is the persisted identity of one backend process.
//
// On disk the file holds, one per line: PID (written by the backend itself),
// BackendID, Name, Host, Port, Hash, and then any database names.
type Record struct {
	PID       int      `json:"pid"`
	BackendID string   `json:"id"`
	Name      string   `json:"name"`
	Port      int      `json:"port"`
	Host      string   `json:"host"`
	Hash      string   `json:"hash"`
	Databases []string `json:"databases,omitempty"`
}

// hashInput fixes the JSON field order the digest is computed over.
type hashInput struct {
	PID  int    `json:"pid"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Port int    `json:"port"`
	Host string `json:"host"`
}

// ComputeHash returns the hex MD5 digest over the identity fields.
func ComputeHash(pid int, backendID, name string, port int, host string) string {
	b, _ := json.Marshal(hashInput{PID: pid, ID: backendID, Name: name, Port: port, Host: host})
	sum := md5.Sum(b) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// New builds a record for a freshly started backend and seals it.
func New(pid int, backendID, name, host string, port int) Record {
	r := Record{PID: pid, BackendID: backendID, Name: name, Host: host, Port: port}
	r.Hash = r.ExpectedHash()
	return r
}

// ExpectedHash recomputes the digest from the record's own fields.
func (r Record) ExpectedHash() string {
	return ComputeHash(r.PID, r.BackendID, r.Name, r.Port, r.Host)
}

// Verify checks the stored hash against the recomputed one.
func (r Record) Verify() error {
	if r.Hash == "" || r.Hash != r.ExpectedHash() {
		return fmt.Errorf("%w: backend %q pid %d", ErrIntegrity, r.BackendID, r.PID)
	}
	return nil
}

// HostPort returns the host:port key of the backend.
func (r Record) HostPort() string { return HostPort(r.Host, r.Port) }

// HostPort joins host and port the way every registry key is built.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Tail encodes the identity lines appended after the PID line.
func (r Record) Tail() []byte {
	var b bytes.Buffer
	b.WriteString(r.BackendID)
	b.WriteByte('\n')
	b.WriteString(r.Name)
	b.WriteByte('\n')
	b.WriteString(r.Host)
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(r.Port))
	b.WriteByte('\n')
	b.WriteString(r.Hash)
	b.WriteByte('\n')
	for _, db := range r.Databases {
		b.WriteString(db)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Encode returns the full file content, PID line included.
func (r Record) Encode() []byte {
	out := []byte(strconv.Itoa(r.PID) + "\n")
	return append(out, r.Tail()...)
}

// Parse decodes a record file. Blank lines are ignored.
// A file with only a PID yields the PID and ErrIncomplete.
func Parse(data []byte) (Record, error) {
	if !wordRe.Match(data) {
		return Record{}, ErrEmpty
	}
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil || pid <= 0 {
		return Record{}, fmt.Errorf("%w: invalid pid %q", ErrMalformed, lines[0])
	}
	r := Record{PID: pid}
	if len(lines) < 6 {
		return r, fmt.Errorf("%w: pid %d has %d identity lines", ErrIncomplete, pid, len(lines)-1)
	}
	r.BackendID = lines[1]
	r.Name = lines[2]
	r.Host = lines[3]
	port, err := strconv.Atoi(lines[4])
	if err != nil {
		return r, fmt.Errorf("%w: invalid port %q", ErrMalformed, lines[4])
	}
	r.Port = port
	r.Hash = lines[5]
	if len(lines) > 6 {
		r.Databases = append([]string(nil), lines[6:]...)
	}
	return r, nil
}

// ReadFile reads and parses the record file at path.
func ReadFile(path string) (Record, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- path built by the supervisor
	if err != nil {
		return Record{}, err
	}
	return Parse(b)
}
