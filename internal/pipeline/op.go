package pipeline

import (
	"context"
	"net/http"
)

// Op names a link command.
type Op int

const (
	OpLoadDatabase Op = iota + 1
	OpAuthorize
	OpAdd
	OpRemove
	OpCheck
	OpLink
	OpGet
)

var opNames = map[Op]string{
	OpLoadDatabase: "load-database",
	OpAuthorize:    "authorize",
	OpAdd:          "add",
	OpRemove:       "remove",
	OpCheck:        "check",
	OpLink:         "link",
	OpGet:          "get",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "unknown"
}

// ParseOp maps a command name (as used in request paths) to its Op.
func ParseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// Result is what a step completes with. A non-nil Err short-circuits the
// generation.
type Result struct {
	Value any
	Err   error
}

// Hook is a completion callback.
type Hook func(Result)

// Config is the argument of one command invocation.
type Config struct {
	Context  context.Context
	Request  *http.Request
	Response http.ResponseWriter
	Redirect func(url string)
	Params   map[string]string
	// Done runs when the step completes, before the next step starts.
	Done Hook
}

// Param returns a parameter, falling back to the request query.
func (c *Config) Param(key string) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	if c.Request != nil {
		return c.Request.URL.Query().Get(key)
	}
	return ""
}

func (c *Config) ctx() context.Context {
	if c != nil && c.Context != nil {
		return c.Context
	}
	return context.Background()
}

// Handler executes one command. in carries the previous step's value.
type Handler func(ctx context.Context, in Result, cfg *Config) Result

// Entry binds a handler to whether it takes part in debounced chains.
type Entry struct {
	Handler  Handler
	Linkable bool
}

// Table maps every Op a composer accepts to its Entry.
type Table map[Op]Entry
