// Package env composes the environment a backend process is started with.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env layers variables over an optional copy of the linker's own environment.
type Env struct {
	base  map[string]string
	vars  map[string]string
	files []string
}

// New returns an empty environment. A backend started with it inherits
// nothing unless FromOS is called.
func New() *Env { return &Env{vars: make(map[string]string)} }

// FromOS uses the current process environment as the base layer.
func (e *Env) FromOS() *Env {
	e.base = parsePairs(os.Environ())
	return e
}

// WithFiles appends .env files applied after the base and before Set.
func (e *Env) WithFiles(paths ...string) *Env {
	e.files = append(e.files, paths...)
	return e
}

// Set overrides K with V after every other layer.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// SetPairs applies "K=V" entries as Set.
func (e *Env) SetPairs(pairs []string) *Env {
	for k, v := range parsePairs(pairs) {
		e.Set(k, v)
	}
	return e
}

// Empty reports whether no layer was configured; callers then leave
// exec.Cmd.Env nil and the child inherits the parent environment.
func (e *Env) Empty() bool {
	return e.base == nil && len(e.files) == 0 && len(e.vars) == 0
}

// Build merges base, files and overrides in that order and expands ${VAR}
// references against the merged map. The result is sorted by key.
func (e *Env) Build() ([]string, error) {
	m := make(map[string]string, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for _, p := range e.files {
		pairs, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out, nil
}

// LoadFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are skipped; there is no quoting or export syntax.
func LoadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

func parsePairs(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${VAR} once; unknown references are left as is.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
