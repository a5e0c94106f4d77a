package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trace records the order in which handlers and hooks run.
type trace struct {
	mu  sync.Mutex
	ops []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.ops = append(tr.ops, s)
	tr.mu.Unlock()
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.ops...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func returning(tr *trace, name string, res Result) Handler {
	return func(_ context.Context, _ Result, _ *Config) Result {
		tr.add(name)
		return res
	}
}

func awaitFinal(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("final callback not called")
		return Result{}
	}
}

func TestChainShortCircuitsOnError(t *testing.T) {
	tr := &trace{}
	boom := errors.New("authorize failed")
	c := New(Table{
		OpLoadDatabase: {Handler: returning(tr, "A", Result{Value: 1}), Linkable: true},
		OpAuthorize:    {Handler: returning(tr, "B", Result{Err: boom}), Linkable: true},
		OpLink:         {Handler: returning(tr, "C", Result{Value: 3}), Linkable: true},
	}, Options{Window: 20 * time.Millisecond, Logger: quietLogger()})

	final := make(chan Result, 1)
	hook := func(name string) Hook { return func(Result) { tr.add("hook:" + name) } }
	c.Invoke(OpLoadDatabase, &Config{Done: hook("A")}).
		Invoke(OpAuthorize, &Config{Done: hook("B")}).
		Invoke(OpLink, &Config{Done: hook("C")}).
		Finally(func(r Result) { final <- r })

	r := awaitFinal(t, final)
	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, []string{"A", "hook:A", "B", "hook:B"}, tr.get())

	last, ok := c.LastResult()
	require.True(t, ok)
	assert.ErrorIs(t, last.Err, boom)
}

func TestChainThreadsResultsAndRecordsLastResult(t *testing.T) {
	var (
		seenLast Result
		seenIn   Result
	)
	var c *Composer
	c = New(Table{
		OpLoadDatabase: {Handler: func(context.Context, Result, *Config) Result {
			return Result{Value: "entry"}
		}, Linkable: true},
		OpAuthorize: {Handler: func(_ context.Context, in Result, _ *Config) Result {
			seenIn = in
			seenLast, _ = c.LastResult()
			return Result{Value: "link-id"}
		}, Linkable: true},
	}, Options{Window: 20 * time.Millisecond, Logger: quietLogger()})

	final := make(chan Result, 1)
	c.Invoke(OpLoadDatabase, nil).Invoke(OpAuthorize, nil).Finally(func(r Result) { final <- r })

	r := awaitFinal(t, final)
	require.NoError(t, r.Err)
	assert.Equal(t, "link-id", r.Value)
	assert.Equal(t, Result{Value: "entry"}, seenLast)
	assert.Equal(t, Result{Value: "entry"}, seenIn)
}

func TestAppendResetsDebounceWindow(t *testing.T) {
	tr := &trace{}
	c := New(Table{
		OpLoadDatabase: {Handler: returning(tr, "A", Result{Value: 1}), Linkable: true},
		OpLink:         {Handler: returning(tr, "B", Result{Value: 2}), Linkable: true},
	}, Options{Window: 80 * time.Millisecond, Logger: quietLogger()})

	final := make(chan Result, 1)
	c.Invoke(OpLoadDatabase, nil).Finally(func(r Result) { final <- r })
	time.Sleep(50 * time.Millisecond)
	c.Invoke(OpLink, nil)
	time.Sleep(50 * time.Millisecond)
	// 100ms after the first command, but only 50ms after the second.
	assert.Empty(t, tr.get())
	assert.Equal(t, StateAccumulating, c.State())

	r := awaitFinal(t, final)
	assert.Equal(t, 2, r.Value)
	assert.Equal(t, []string{"A", "B"}, tr.get())
	assert.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestSupersededTimerDoesNotCommit(t *testing.T) {
	tr := &trace{}
	c := New(Table{
		OpLoadDatabase: {Handler: returning(tr, "A", Result{Value: 1}), Linkable: true},
		OpLink:         {Handler: returning(tr, "B", Result{Value: 2}), Linkable: true},
	}, Options{Window: time.Hour, Logger: quietLogger()})

	final := make(chan Result, 1)
	c.Invoke(OpLoadDatabase, nil).Finally(func(r Result) { final <- r })
	c.mu.Lock()
	g := c.current
	first := g.seq
	c.mu.Unlock()
	require.NotNil(t, g)

	c.Invoke(OpLink, nil)
	// A timer from the first schedule that fired while the append held the
	// lock still reaches commit; it must not run the generation.
	c.commit(g, first)
	assert.Empty(t, tr.get())
	assert.Equal(t, StateAccumulating, c.State())

	c.mu.Lock()
	latest := g.seq
	c.mu.Unlock()
	require.Greater(t, latest, first)
	g.timer.Stop()
	c.commit(g, latest)

	r := awaitFinal(t, final)
	assert.Equal(t, 2, r.Value)
	assert.Equal(t, []string{"A", "B"}, tr.get())
	assert.Equal(t, StateIdle, c.State())
}

func TestGenerationsDoNotShareSteps(t *testing.T) {
	tr := &trace{}
	release := make(chan struct{})
	started := make(chan struct{})
	c := New(Table{
		OpLoadDatabase: {Handler: func(context.Context, Result, *Config) Result {
			tr.add("slow")
			close(started)
			<-release
			return Result{Value: "first"}
		}, Linkable: true},
		OpLink: {Handler: returning(tr, "second", Result{Value: "second"}), Linkable: true},
	}, Options{Window: 10 * time.Millisecond, Logger: quietLogger()})

	first := make(chan Result, 1)
	second := make(chan Result, 1)
	c.Invoke(OpLoadDatabase, nil).Finally(func(r Result) { first <- r })
	<-started
	assert.Equal(t, StateCommitting, c.State())

	c.Invoke(OpLink, nil).Finally(func(r Result) { second <- r })
	assert.Equal(t, StateAccumulating, c.State())

	assert.Equal(t, "second", awaitFinal(t, second).Value)
	close(release)
	assert.Equal(t, "first", awaitFinal(t, first).Value)
	assert.ElementsMatch(t, []string{"slow", "second"}, tr.get())
}

func TestNonLinkableRunsDirectly(t *testing.T) {
	tr := &trace{}
	c := New(Table{
		OpGet: {Handler: returning(tr, "get", Result{Value: "session"})},
	}, Options{Logger: quietLogger()})

	var got Result
	c.Invoke(OpGet, &Config{Done: func(r Result) { got = r }})
	assert.Equal(t, "session", got.Value)
	assert.Equal(t, []string{"get"}, tr.get())
	assert.Equal(t, StateIdle, c.State())
}

func TestUnknownOpIsAMismatch(t *testing.T) {
	c := New(Table{}, Options{Logger: quietLogger()})
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrPipelineMismatch)
	}()
	c.Invoke(OpAdd, nil)
}

func TestConfigParamFallsBackToQuery(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/link?id=abc&host=h", nil)
	require.NoError(t, err)
	cfg := &Config{Request: req, Params: map[string]string{"host": "override"}}
	assert.Equal(t, "abc", cfg.Param("id"))
	assert.Equal(t, "override", cfg.Param("host"))
	assert.Equal(t, "", cfg.Param("missing"))
	assert.Equal(t, "", (*Config)(nil).Param("id"))
}

func TestParseOp(t *testing.T) {
	for op, name := range opNames {
		got, ok := ParseOp(name)
		require.True(t, ok)
		assert.Equal(t, op, got)
		assert.Equal(t, name, op.String())
	}
	_, ok := ParseOp("upload")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Op(99).String())
}
