package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/loykin/storagelink/internal/detector"
	"github.com/loykin/storagelink/internal/env"
	"github.com/loykin/storagelink/internal/history"
	"github.com/loykin/storagelink/internal/ident"
	"github.com/loykin/storagelink/internal/logger"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	"github.com/loykin/storagelink/internal/store"
)

const (
	DefaultExecutable   = "mongod"
	DefaultRoot         = "./linkdb"
	DefaultReadyPhrase  = "waiting for connections"
	DefaultReadyTimeout = 60 * time.Second
)

var (
	// ErrSpawn wraps failures to start a backend or to get it ready.
	ErrSpawn = errors.New("backend spawn failed")
	// ErrBusy is returned when another Ensure holds the host:port lock.
	ErrBusy = errors.New("backend is being ensured by another caller")
	// ErrReadyTimeout is returned when no readiness signal arrived in time.
	ErrReadyTimeout = errors.New("backend did not become ready")
	// ErrStderr is returned when the backend wrote to standard error.
	ErrStderr = errors.New("backend wrote to stderr")
	// ErrExited is returned when the backend exited before it was ready.
	ErrExited = errors.New("backend exited before ready")
	// ErrRecordExists is returned when a record file already carries an
	// identity for the freshly spawned PID.
	ErrRecordExists = errors.New("record file already sealed")
	// ErrInvalidTarget is returned for an empty host or a non-positive port.
	ErrInvalidTarget = errors.New("invalid backend host or port")
)

// CloseHandler is called with the backend host:port and its exit code when a
// process this run spawned exits. A forking launcher that exits 0 after the
// daemon is up does not count; the detached daemon is not watched.
type CloseHandler func(hostPort string, code int)

// Probe reports nil once the backend at host:port accepts clients.
type Probe func(ctx context.Context, host string, port int) error

// Config selects the identity and invocation of one backend.
type Config struct {
	ID      string
	Name    string
	Root    string // overrides Options.Root
	Flags   *Flags // nil means Options.Flags
	OnClose CloseHandler
}

// Options configure a Supervisor. Zero values fall back to the defaults.
type Options struct {
	Executable   string
	Root         string
	ReadyPhrase  string
	ReadyTimeout time.Duration
	Probe        Probe
	Flags        *Flags          // default invocation flags; nil means DefaultFlags
	Lister       detector.Lister // nil uses the OS process table
	OnClose      CloseHandler
	Logger       *slog.Logger
	Log          logger.FileConfig // backend output rotation
	Env          *env.Env          // nil inherits the linker environment
	Store        store.Store
	History      history.Sink
	// Locks overrides the per host:port lock. Tests use a short retry budget.
	Locks *mapmutex.Mutex
}

// Supervisor spawns, records and re-attaches backend processes.
type Supervisor struct {
	reg   *registry.Registry
	opts  Options
	log   *slog.Logger
	locks *mapmutex.Mutex
}

// New returns a Supervisor writing its process list into reg.
func New(reg *registry.Registry, opts Options) *Supervisor {
	if opts.Executable == "" {
		opts.Executable = DefaultExecutable
	}
	if opts.Root == "" {
		opts.Root = DefaultRoot
	}
	if opts.ReadyPhrase == "" {
		opts.ReadyPhrase = DefaultReadyPhrase
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	locks := opts.Locks
	if locks == nil {
		locks = mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2)
	}
	return &Supervisor{reg: reg, opts: opts, log: log.With("component", "backend"), locks: locks}
}

// Registry returns the registry the supervisor writes into.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Ensure returns the live backend serving host:port, spawning one when the
// registered process is missing, dead or fails record verification.
func (s *Supervisor) Ensure(ctx context.Context, host string, port int, cfg Config) (*registry.BackendEntry, error) {
	if host == "" || port <= 0 {
		return nil, fmt.Errorf("%w: %q:%d", ErrInvalidTarget, host, port)
	}
	key := record.HostPort(host, port)
	if !s.locks.TryLock(key) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	defer s.locks.Unlock(key)

	existing, found := s.reg.Backend(key)
	if found {
		alive, err := s.alive(ctx, existing)
		if err != nil {
			return nil, fmt.Errorf("verify backend %s: %w", key, err)
		}
		if alive {
			existing.LastCheckAlive = time.Now()
			s.reg.PutBackend(existing)
			return &existing, nil
		}
		s.log.Info("registered backend is not alive, recreating", "backend", key, "pid", existing.Record.PID)
	}

	id := firstNonEmpty(cfg.ID, existing.Record.BackendID)
	if id == "" {
		id = ident.New()
	}
	name := firstNonEmpty(cfg.Name, existing.Record.Name, id)
	flags := DefaultFlags()
	if s.opts.Flags != nil {
		flags = *s.opts.Flags
	}
	if cfg.Flags != nil {
		flags = *cfg.Flags
	}
	folder := filepath.Join(firstNonEmpty(cfg.Root, s.opts.Root), name)
	onClose := cfg.OnClose
	if onClose == nil {
		onClose = s.opts.OnClose
	}

	entry, err := s.spawn(ctx, spawnSpec{
		id:      id,
		name:    name,
		host:    host,
		port:    port,
		folder:  folder,
		flags:   flags.withPaths(folder),
		onClose: onClose,
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Alive reports whether the registered backend for hostPort is running.
func (s *Supervisor) Alive(ctx context.Context, hostPort string) (bool, error) {
	e, ok := s.reg.Backend(hostPort)
	if !ok {
		return false, nil
	}
	return s.alive(ctx, e)
}

func (s *Supervisor) alive(ctx context.Context, e registry.BackendEntry) (bool, error) {
	if err := e.Record.Verify(); err != nil {
		s.log.Warn("backend record failed verification", "backend", e.HostPort(), "error", err)
		return false, nil
	}
	d := s.detector(e.Record, e.StartUnix)
	ok, err := d.AliveContext(ctx)
	s.log.Debug("backend liveness", "backend", e.HostPort(), "detector", d.Describe(), "alive", ok)
	return ok, err
}

func (s *Supervisor) detector(r record.Record, startUnix int64) detector.Detector {
	return detector.ProcessTable{
		Executable: s.opts.Executable,
		PID:        r.PID,
		Port:       r.Port,
		StartUnix:  startUnix,
		Lister:     s.opts.Lister,
	}
}

func (s *Supervisor) recordDetector(folder string) detector.RecordFileDetector {
	return detector.RecordFileDetector{
		Path:       filepath.Join(folder, record.FileName),
		Executable: s.opts.Executable,
		Lister:     s.opts.Lister,
	}
}

// Stop terminates the backend registered for hostPort and drops it from the
// process list. Unknown keys are a no-op.
func (s *Supervisor) Stop(ctx context.Context, hostPort string) error {
	e, ok := s.reg.Backend(hostPort)
	if !ok {
		return nil
	}
	// The recorded PID is the serving process whether or not the backend forked.
	if err := terminate(e.Record.PID); err != nil {
		return fmt.Errorf("terminate backend %s: %w", hostPort, err)
	}
	s.reg.RemoveBackend(hostPort)
	s.persist(ctx, e, store.StatusExited)
	return nil
}

// persist is best-effort; the record file stays the source of truth.
func (s *Supervisor) persist(ctx context.Context, e registry.BackendEntry, status string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.Record(ctx, storeRecord(e, status)); err != nil {
		s.log.Warn("store backend state", "backend", e.HostPort(), "status", status, "error", err)
	}
}

func (s *Supervisor) emit(ctx context.Context, typ history.EventType, e registry.BackendEntry, code int, err error) {
	ev := history.Event{Type: typ, Record: storeRecord(e, string(typ)), ExitCode: code}
	if err != nil {
		ev.Error = err.Error()
	}
	history.Emit(ctx, s.opts.History, s.log, ev)
}

func storeRecord(e registry.BackendEntry, status string) store.Record {
	return store.Record{
		HostPort:   e.HostPort(),
		BackendID:  e.Record.BackendID,
		Name:       e.Record.Name,
		Folder:     e.Folder,
		PID:        e.Record.PID,
		Hash:       e.Record.Hash,
		LastStatus: status,
		UpdatedAt:  time.Now().UTC(),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
