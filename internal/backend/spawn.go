package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loykin/storagelink/internal/detector"
	"github.com/loykin/storagelink/internal/history"
	"github.com/loykin/storagelink/internal/metrics"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	"github.com/loykin/storagelink/internal/store"
)

type spawnSpec struct {
	id      string
	name    string
	host    string
	port    int
	folder  string
	flags   Flags
	onClose CloseHandler
}

type outcome struct {
	entry registry.BackendEntry
	err   error
}

// attempt is one spawn of one backend. Readiness and failure settle it
// exactly once; whichever comes first wins.
type attempt struct {
	s       *Supervisor
	spec    spawnSpec
	cmd     *exec.Cmd
	ctx     context.Context // detached from the caller, used for store/history
	started time.Time
	key     string
	pending registry.BackendEntry // replaced by the sealed entry on readiness

	settle sync.Once
	ready  atomic.Bool
	exited atomic.Bool
	result chan outcome
}

func (s *Supervisor) spawn(ctx context.Context, sp spawnSpec) (registry.BackendEntry, error) {
	if err := os.MkdirAll(sp.folder, 0o750); err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: create folder %s: %w", ErrSpawn, sp.folder, err)
	}
	// A leftover record belongs to a dead process; it is never merged.
	if err := os.Remove(sp.flags.PIDFilePath); err != nil && !os.IsNotExist(err) {
		return registry.BackendEntry{}, fmt.Errorf("%w: remove stale record: %w", ErrSpawn, err)
	}

	cmd := exec.Command(s.opts.Executable, Command(sp.folder, sp.host, sp.port, sp.flags)...) // #nosec G204
	configureSysProcAttr(cmd)
	if s.opts.Env != nil && !s.opts.Env.Empty() {
		vars, err := s.opts.Env.Build()
		if err != nil {
			return registry.BackendEntry{}, fmt.Errorf("%w: environment: %w", ErrSpawn, err)
		}
		cmd.Env = vars
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
	}
	outLog, errLog, err := s.opts.Log.Writers(sp.name)
	if err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	pending := registry.BackendEntry{
		Record: record.Record{BackendID: sp.id, Name: sp.name, Host: sp.host, Port: sp.port},
		Folder: sp.folder,
	}
	detached := context.WithoutCancel(ctx)
	if err := cmd.Start(); err != nil {
		closeAll(outLog, errLog)
		metrics.IncFailure(sp.id, "start")
		s.emit(detached, history.EventFailure, pending, 0, err)
		return registry.BackendEntry{}, fmt.Errorf("%w: start %s: %w", ErrSpawn, s.opts.Executable, err)
	}
	pending.Cmd = cmd
	pending.Record.PID = cmd.Process.Pid
	s.log.Info("backend spawned", "backend", pending.HostPort(), "id", sp.id, "name", sp.name, "pid", cmd.Process.Pid)
	metrics.IncSpawn(sp.id)
	s.persist(detached, pending, store.StatusStarting)
	s.emit(detached, history.EventSpawn, pending, 0, nil)

	a := &attempt{
		s:       s,
		spec:    sp,
		cmd:     cmd,
		ctx:     detached,
		started: time.Now(),
		key:     pending.HostPort(),
		pending: pending,
		result:  make(chan outcome, 1),
	}
	a.watch(stdout, stderr, outLog, errLog)

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	if s.opts.Probe != nil {
		go a.probe(readyCtx)
	}

	select {
	case o := <-a.result:
		return o.entry, o.err
	case <-readyCtx.Done():
		err := fmt.Errorf("%w: %w: %s after %s", ErrSpawn, ErrReadyTimeout, pending.HostPort(), s.opts.ReadyTimeout)
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		// A readiness that raced the deadline may have settled the attempt
		// first; either way exactly one outcome is waiting.
		a.fail(err)
		o := <-a.result
		return o.entry, o.err
	}
}

// watch starts the stdout scanner, the stderr guard and the exit waiter.
func (a *attempt) watch(stdout, stderr io.Reader, outLog, errLog io.WriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scanStdout(io.TeeReader(stdout, writerOrDiscard(outLog)))
	}()
	go func() {
		defer wg.Done()
		a.guardStderr(io.TeeReader(stderr, writerOrDiscard(errLog)))
	}()
	go func() {
		// Pipes must be drained before Wait.
		wg.Wait()
		waitErr := a.cmd.Wait()
		closeAll(outLog, errLog)
		code := -1
		if a.cmd.ProcessState != nil {
			code = a.cmd.ProcessState.ExitCode()
		}
		a.exited.Store(true)
		a.onExit(code, waitErr)
	}()
}

func (a *attempt) scanStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		a.s.log.Debug("backend stdout", "backend", a.key, "line", line)
		if strings.Contains(line, a.s.opts.ReadyPhrase) {
			a.markReady()
		}
	}
	if err := sc.Err(); err != nil {
		a.s.log.Warn("backend stdout scan", "backend", a.key, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (a *attempt) guardStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			msg := strings.TrimSpace(string(buf[:n]))
			a.s.log.Warn("backend stderr", "backend", a.key, "output", msg)
			a.fail(fmt.Errorf("%w: %w: %s", ErrSpawn, ErrStderr, msg))
		}
		if err != nil {
			return
		}
	}
}

func (a *attempt) probe(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		if a.exited.Load() {
			return backoff.Permanent(ErrExited)
		}
		return a.s.opts.Probe(ctx, a.spec.host, a.spec.port)
	}, backoff.WithContext(b, ctx))
	if err == nil {
		a.markReady()
	}
}

// onExit runs once the backend process has been reaped. A forking backend's
// launcher exits 0 once the daemon is up, which counts as readiness and not
// as a close.
func (a *attempt) onExit(code int, waitErr error) {
	s := a.s
	key := a.key
	if code == 0 && a.spec.flags.Fork {
		a.markReady()
	} else {
		a.fail(fmt.Errorf("%w: %w: %s exit code %d", ErrSpawn, ErrExited, key, code))
	}
	if a.spec.flags.Fork && code == 0 && a.ready.Load() {
		s.log.Debug("backend launcher exited", "backend", key)
		return
	}
	if a.spec.onClose != nil {
		a.spec.onClose(key, code)
	}
	s.log.Info("backend exited", "backend", key, "code", code, "error", waitErr)
	metrics.IncExit(a.spec.id)
	s.persist(a.ctx, a.pending, store.StatusExited)
	s.emit(a.ctx, history.EventExit, a.pending, code, waitErr)
}

func (a *attempt) markReady() {
	a.settle.Do(func() {
		entry, err := a.seal()
		if err != nil {
			a.reportFailure(err)
			return
		}
		a.ready.Store(true)
		a.pending = entry
		a.s.reg.PutBackend(entry)
		elapsed := time.Since(a.started)
		a.s.log.Info("backend ready", "backend", entry.HostPort(), "pid", entry.Record.PID, "elapsed", elapsed)
		metrics.IncReady(a.spec.id, elapsed.Seconds())
		a.s.persist(a.ctx, entry, store.StatusReady)
		a.s.emit(a.ctx, history.EventReady, entry, 0, nil)
		a.result <- outcome{entry: entry}
	})
}

func (a *attempt) fail(err error) {
	a.settle.Do(func() { a.reportFailure(err) })
}

func (a *attempt) reportFailure(err error) {
	if !a.exited.Load() {
		if terr := terminate(a.cmd.Process.Pid); terr != nil {
			a.s.log.Debug("terminate failed backend", "backend", a.key, "error", terr)
		}
	}
	a.s.log.Error("backend failed", "backend", a.key, "error", err)
	metrics.IncFailure(a.spec.id, failureReason(err))
	a.s.persist(a.ctx, a.pending, store.StatusFailed)
	a.s.emit(a.ctx, history.EventFailure, a.pending, 0, err)
	a.result <- outcome{err: err}
}

// seal reads the PID the backend wrote, appends the identity lines and
// returns the registry row for the new process.
func (a *attempt) seal() (registry.BackendEntry, error) {
	path := a.spec.flags.PIDFilePath
	data, err := backoff.RetryWithData(func() ([]byte, error) {
		b, err := os.ReadFile(path) // #nosec G304
		if err != nil {
			if os.IsNotExist(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if _, perr := record.Parse(b); errors.Is(perr, record.ErrEmpty) {
			return nil, perr
		}
		return b, nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 20))
	if err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: read record %s: %w", ErrSpawn, path, err)
	}

	cur, err := record.Parse(data)
	switch {
	case err == nil:
		return registry.BackendEntry{}, fmt.Errorf("%w: %w: %s", ErrSpawn, ErrRecordExists, path)
	case !errors.Is(err, record.ErrIncomplete):
		return registry.BackendEntry{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	rec := record.New(cur.PID, a.spec.id, a.spec.name, a.spec.host, a.spec.port)
	tail := rec.Tail()
	if !bytes.HasSuffix(data, []byte("\n")) {
		tail = append([]byte("\n"), tail...)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0) // #nosec G304
	if err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: open record: %w", ErrSpawn, err)
	}
	if _, err := f.Write(tail); err != nil {
		_ = f.Close()
		return registry.BackendEntry{}, fmt.Errorf("%w: write record: %w", ErrSpawn, err)
	}
	if err := f.Close(); err != nil {
		return registry.BackendEntry{}, fmt.Errorf("%w: close record: %w", ErrSpawn, err)
	}

	return registry.BackendEntry{
		Record:         rec,
		Folder:         a.spec.folder,
		Cmd:            a.cmd,
		StartUnix:      detector.StartUnix(rec.PID),
		LastCheckAlive: time.Now(),
	}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrStderr):
		return "stderr"
	case errors.Is(err, ErrExited):
		return "exited"
	case errors.Is(err, ErrReadyTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "record"
	}
}

func writerOrDiscard(w io.WriteCloser) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func closeAll(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}
