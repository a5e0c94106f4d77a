package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/loykin/storagelink/internal/metrics"
)

// DefaultWindow is the quiet period after which a generation commits.
const DefaultWindow = 100 * time.Millisecond

// ErrPipelineMismatch marks a step whose op has no table entry. It is raised
// as a panic: the composer's own accounting is broken.
var ErrPipelineMismatch = errors.New("pipeline step accounting mismatch")

// State is the lifecycle state reported by a composer.
type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateCommitting   State = "committing"
)

const (
	eventAppend = "append"
	eventCommit = "commit"
	eventFinish = "finish"
)

type step struct {
	op  Op
	cfg Config
}

// generation is one debounce cycle. It is detached from the composer before
// it runs so later invocations start a fresh one.
type generation struct {
	steps  []step
	finals []func(Result)
	timer  *time.Timer
	seq    uint64 // bumped on every reschedule; only the latest timer commits
	fsm    *fsm.FSM
}

func newGeneration() *generation {
	return &generation{
		fsm: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: eventAppend, Src: []string{string(StateIdle), string(StateAccumulating)}, Dst: string(StateAccumulating)},
				{Name: eventCommit, Src: []string{string(StateAccumulating)}, Dst: string(StateCommitting)},
				{Name: eventFinish, Src: []string{string(StateCommitting)}, Dst: string(StateIdle)},
			},
			fsm.Callbacks{},
		),
	}
}

func (g *generation) transition(event string) {
	err := g.fsm.Event(context.Background(), event)
	var noop fsm.NoTransitionError
	if err != nil && !errors.As(err, &noop) {
		panic(fmt.Errorf("%w: %s in state %s: %v", ErrPipelineMismatch, event, g.fsm.Current(), err))
	}
}

// Options configure a Composer.
type Options struct {
	Window time.Duration
	Logger *slog.Logger
}

// Composer accumulates linkable commands into generations and runs each
// generation as one ordered chain once no command arrived for Window.
type Composer struct {
	table  Table
	window time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	current   *generation
	inflight  int
	last      Result
	hasResult bool
}

// New returns a Composer dispatching through table.
func New(table Table, opts Options) *Composer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Composer{table: table, window: opts.Window, log: log.With("component", "pipeline")}
}

// Invoke runs op directly when it is not linkable. Linkable ops are appended
// to the pending generation and the debounce window restarts.
func (c *Composer) Invoke(op Op, cfg *Config) *Composer {
	entry, ok := c.table[op]
	if !ok {
		panic(fmt.Errorf("%w: no handler for %s", ErrPipelineMismatch, op))
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if !entry.Linkable {
		res := entry.Handler(cfg.ctx(), Result{}, cfg)
		metrics.IncStep(op.String())
		if cfg.Done != nil {
			cfg.Done(res)
		}
		return c
	}

	c.mu.Lock()
	g := c.pending()
	g.steps = append(g.steps, step{op: op, cfg: *cfg})
	c.mu.Unlock()
	c.log.Debug("command queued", "op", op.String())
	return c
}

// Finally adds a callback receiving the pending generation's outcome: the
// last step's result or the first error.
func (c *Composer) Finally(fn func(Result)) *Composer {
	if fn == nil {
		return c
	}
	c.mu.Lock()
	g := c.pending()
	g.finals = append(g.finals, fn)
	c.mu.Unlock()
	return c
}

// pending returns the current generation, creating it, and restarts the
// debounce timer. c.mu must be held.
func (c *Composer) pending() *generation {
	g := c.current
	if g == nil {
		g = newGeneration()
		c.current = g
	}
	g.transition(eventAppend)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.seq++
	seq := g.seq
	g.timer = time.AfterFunc(c.window, func() { c.commit(g, seq) })
	return g
}

// State reports the pending generation's state, or committing while a
// detached generation is still running.
func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return State(c.current.fsm.Current())
	}
	if c.inflight > 0 {
		return StateCommitting
	}
	return StateIdle
}

// LastResult returns the raw result of the most recently completed step.
func (c *Composer) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasResult
}

// commit runs g if seq is still its latest schedule. A timer that fired
// while an append held c.mu carries an older seq and is dropped.
func (c *Composer) commit(g *generation, seq uint64) {
	c.mu.Lock()
	if c.current != g || g.seq != seq {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.inflight++
	g.transition(eventCommit)
	c.mu.Unlock()

	res := c.run(g)

	for _, fn := range g.finals {
		fn(res)
	}
	metrics.IncCommit(res.Err == nil)
	c.mu.Lock()
	g.transition(eventFinish)
	c.inflight--
	c.mu.Unlock()
}

// run executes the steps in order, threading each value into the next step.
func (c *Composer) run(g *generation) Result {
	in := Result{}
	for i := range g.steps {
		st := &g.steps[i]
		entry, ok := c.table[st.op]
		if !ok {
			panic(fmt.Errorf("%w: step %d (%s) has no handler", ErrPipelineMismatch, i, st.op))
		}
		var (
			next    Result
			stopErr error
		)
		orig := st.cfg.Done
		st.cfg.Done = func(r Result) {
			c.record(r)
			metrics.IncStep(st.op.String())
			if orig != nil {
				orig(r)
			}
			if r.Err != nil {
				stopErr = r.Err
				return
			}
			next = Result{Value: r.Value}
		}
		st.cfg.Done(entry.Handler(st.cfg.ctx(), in, &st.cfg))
		if stopErr != nil {
			c.log.Info("pipeline short-circuited", "op", st.op.String(), "step", i, "error", stopErr)
			return Result{Err: stopErr}
		}
		in = next
	}
	return in
}

func (c *Composer) record(r Result) {
	c.mu.Lock()
	c.last, c.hasResult = r, true
	c.mu.Unlock()
}
