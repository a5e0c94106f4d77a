// Package storagelink links client applications to a locally supervised
// document database and a cloud-sync service.
//
// A Linker owns one process-wide registry, the backend supervisor, the link
// commands and the HTTP router that exposes them.
package storagelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/loykin/storagelink/internal/backend"
	"github.com/loykin/storagelink/internal/cloudsync"
	cfg "github.com/loykin/storagelink/internal/config"
	"github.com/loykin/storagelink/internal/cron"
	"github.com/loykin/storagelink/internal/detector"
	"github.com/loykin/storagelink/internal/history"
	histfactory "github.com/loykin/storagelink/internal/history/factory"
	"github.com/loykin/storagelink/internal/link"
	"github.com/loykin/storagelink/internal/metrics"
	"github.com/loykin/storagelink/internal/pipeline"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/internal/registry"
	iapi "github.com/loykin/storagelink/internal/server"
	"github.com/loykin/storagelink/internal/storage"
	"github.com/loykin/storagelink/internal/store"
	storefactory "github.com/loykin/storagelink/internal/store/factory"
	ltls "github.com/loykin/storagelink/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type BackendConfig = backend.Config

type BackendFlags = backend.Flags

type BackendEntry = registry.BackendEntry

type Record = record.Record

type Session = link.Session

type Op = pipeline.Op

type Result = pipeline.Result

type CommandConfig = pipeline.Config

// Command ops, in the order a client typically chains them.
const (
	OpLoadDatabase = pipeline.OpLoadDatabase
	OpAuthorize    = pipeline.OpAuthorize
	OpLink         = pipeline.OpLink
	OpAdd          = pipeline.OpAdd
	OpRemove       = pipeline.OpRemove
	OpCheck        = pipeline.OpCheck
	OpGet          = pipeline.OpGet
)

// Sentinel errors callers match with errors.Is.
var (
	ErrInvalidParams  = link.ErrInvalidParams
	ErrNotImplemented = link.ErrNotImplemented
	ErrSpawn          = backend.ErrSpawn
	ErrBusy           = backend.ErrBusy
	ErrNoStorage      = registry.ErrNoStorage
	ErrStorageTimeout = registry.ErrStorageTimeout
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() Config { return cfg.Default() }

type options struct {
	logger     *slog.Logger
	lister     detector.Lister
	sync       cloudsync.Factory
	registerer prometheus.Registerer
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithProcessLister replaces the OS process table used for liveness.
func WithProcessLister(l detector.Lister) Option { return func(o *options) { o.lister = l } }

// WithSyncFactory replaces the OAuth cloud-sync client.
func WithSyncFactory(f cloudsync.Factory) Option { return func(o *options) { o.sync = f } }

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// Linker wires the supervisor, commands and router around one registry.
type Linker struct {
	cfg     Config
	log     *slog.Logger
	reg     *registry.Registry
	storage *storage.Client
	sup     *backend.Supervisor
	cmds    *link.Commands
	router  *iapi.Router
	store   store.Store
	history history.Fanout
	cron    *cron.Scheduler
	sampler *metrics.ResourceSampler
}

// New builds a Linker. Store and history sinks are opened here; the
// backend is not spawned until a command or Ensure needs it.
func New(ctx context.Context, c Config, opts ...Option) (*Linker, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = c.Log.NewSlogger()
	}
	l := &Linker{cfg: c, log: log, reg: registry.New()}

	if c.Metrics.Enabled {
		r := o.registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if c.Store.Enabled {
		s, err := storefactory.Open(ctx, c.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		l.store = s
	}
	if c.History.Enabled {
		fan, err := histfactory.NewFanout(c.History.DSNs)
		if err != nil {
			_ = l.closeStores()
			return nil, err
		}
		l.history = fan
		for _, s := range fan {
			if t, ok := s.(interface{ EnsureTable(context.Context) error }); ok {
				if err := t.EnsureTable(ctx); err != nil {
					_ = l.closeStores()
					return nil, fmt.Errorf("history table: %w", err)
				}
			}
		}
	}

	l.storage = storage.New(storage.Options{ConnectTimeout: c.Backend.ConnectTimeout, Logger: log})
	var probe backend.Probe
	if c.Backend.Probe {
		probe = l.storage.Ping
	}
	flags := c.Backend.Flags()
	bopts := backend.Options{
		Executable:   c.Backend.Executable,
		Root:         c.Backend.Root,
		ReadyPhrase:  c.Backend.ReadyPhrase,
		ReadyTimeout: c.Backend.ReadyTimeout,
		Probe:        probe,
		Flags:        &flags,
		Lister:       o.lister,
		OnClose: func(hostPort string, code int) {
			log.Info("backend closed", "backend", hostPort, "code", code)
		},
		Logger: log,
		Log:    c.Log.File,
		Env:    c.Backend.Environment(),
		Store:  l.store,
	}
	if l.history != nil {
		bopts.History = l.history
	}
	l.sup = backend.New(l.reg, bopts)

	syncFactory := o.sync
	if syncFactory == nil {
		app := cloudsync.App{RedirectURL: c.Linker.CallbackURL, Scopes: c.App.Scopes}
		if c.App.AuthURL != "" && c.App.TokenURL != "" {
			app.Endpoint = oauth2.Endpoint{AuthURL: c.App.AuthURL, TokenURL: c.App.TokenURL}
		}
		syncFactory = cloudsync.OAuthFactory(app)
	}
	l.cmds = link.New(link.Deps{
		Supervisor: l.sup,
		Registry:   l.reg,
		Storage:    l.storage,
		Sync:       syncFactory,
		Logger:     log,
		Window:     c.Pipeline.Window,
	}, link.Defaults{
		LinkHost:    c.Linker.Host,
		LinkPort:    c.Linker.Port,
		DBHost:      c.Backend.Host,
		DBPort:      c.Backend.Port,
		CallbackURL: c.Linker.CallbackURL,
		AppKey:      c.App.Key,
		AppSecret:   c.App.Secret,
		Poll:        c.Pipeline.Poll(),
	})
	l.router = iapi.NewRouter(l.cmds, iapi.Options{
		BasePath: c.Linker.BasePath,
		Timeout:  c.Linker.CommandTimeout,
		Registry: l.reg,
		Alive:    l.sup.Alive,
		Logger:   log,
	})
	return l, nil
}

// Registry exposes the process-wide registry.
func (l *Linker) Registry() *registry.Registry { return l.reg }

// Ensure returns the live backend for host:port, spawning it if needed.
func (l *Linker) Ensure(ctx context.Context, host string, port int, bc BackendConfig) (*BackendEntry, error) {
	return l.sup.Ensure(ctx, host, port, bc)
}

// Discover scans the configured root and re-attaches live backends.
func (l *Linker) Discover(ctx context.Context) (alive, dead []Record, err error) {
	return l.sup.Discover(ctx, l.cfg.Backend.Root)
}

// Stop terminates the backend registered for hostPort.
func (l *Linker) Stop(ctx context.Context, hostPort string) error { return l.sup.Stop(ctx, hostPort) }

// Composer returns the command composer bound to linkID, or a fresh one.
func (l *Linker) Composer(linkID string) *pipeline.Composer { return l.cmds.Composer(linkID) }

// Session returns the session bound to linkID.
func (l *Linker) Session(linkID string) (Session, bool) { return l.cmds.Sessions().Get(linkID) }

// LoadDatabase runs the load-database command for host:port on a fresh
// composer and waits for it.
func (l *Linker) LoadDatabase(ctx context.Context, host string, port int) (*BackendEntry, error) {
	comp := l.cmds.Composer("")
	done := make(chan Result, 1)
	comp.Invoke(OpLoadDatabase, &CommandConfig{
		Context: ctx,
		Params:  map[string]string{"host": host, "port": strconv.Itoa(port)},
	}).Finally(func(r Result) { done <- r })
	select {
	case r := <-done:
		if r.Err != nil {
			return nil, r.Err
		}
		e, _ := r.Value.(*BackendEntry)
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler returns the HTTP handler serving the link commands.
func (l *Linker) Handler() http.Handler { return l.router.Handler() }

// MountEcho serves the link commands under prefix of an echo instance.
func (l *Linker) MountEcho(e *echo.Echo, prefix string) { l.router.MountEcho(e, prefix) }

// Start runs discovery once and launches the maintenance jobs and resource
// sampler. Stop them with Close.
func (l *Linker) Start(ctx context.Context) error {
	alive, dead, err := l.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover backends: %w", err)
	}
	l.log.Info("backends discovered", "alive", len(alive), "dead", len(dead))

	l.cron = cron.NewScheduler(l.log)
	if ttl := l.cfg.Linker.SessionTTL; ttl > 0 {
		if err := l.cron.Add(&cron.Job{Name: "prune-sessions", Schedule: cron.Every(pruneEvery(ttl)), Run: func(context.Context) error {
			if n := l.cmds.Sessions().Prune(time.Now().Add(-ttl)); n > 0 {
				l.log.Debug("pruned link sessions", "count", n)
			}
			return nil
		}}); err != nil {
			return err
		}
	}
	if every := l.cfg.Backend.ReconcileInterval; every > 0 {
		if err := l.cron.Add(&cron.Job{Name: "reconcile-backends", Schedule: cron.Every(every), Run: func(ctx context.Context) error {
			_, _, err := l.Discover(ctx)
			return err
		}}); err != nil {
			return err
		}
	}
	if err := l.cron.Start(ctx); err != nil {
		return err
	}
	if l.cfg.Metrics.Enabled {
		l.sampler = metrics.NewResourceSampler(l.cfg.Metrics.SampleInterval, l.backendPIDs)
		l.sampler.Start(ctx)
	}
	return nil
}

func pruneEvery(ttl time.Duration) time.Duration {
	d := ttl / 4
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (l *Linker) backendPIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, e := range l.reg.Backends() {
		if e.Record.PID > 0 && e.Record.PID <= 1<<31-1 {
			out[e.Record.Name] = int32(e.Record.PID) // #nosec G115 bounded above
		}
	}
	return out
}

// Serve starts the maintenance loops and the HTTP(S) listener, blocks
// until ctx is done and then shuts everything down.
func (l *Linker) Serve(ctx context.Context) error {
	tlsCfg, err := ltls.Setup(l.cfg.Linker.TLS)
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}
	srv, err := iapi.NewServer(l.cfg.Linker.Listen, l.router, tlsCfg)
	if err != nil {
		_ = l.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("listen %s: %w", l.cfg.Linker.Listen, err)
	}
	l.log.Info("linker listening", "addr", l.cfg.Linker.Listen, "tls", tlsCfg != nil)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), l.Close(shutdownCtx))
}

// Close stops the maintenance loops and releases storage clients and sinks.
// Backend processes keep running; their record files let the next Start
// re-attach them.
func (l *Linker) Close(ctx context.Context) error {
	if l.cron != nil {
		l.cron.Stop()
	}
	if l.sampler != nil {
		l.sampler.Stop()
	}
	return errors.Join(l.storage.Close(ctx), l.closeStores())
}

func (l *Linker) closeStores() error {
	var errs []error
	if l.store != nil {
		errs = append(errs, l.store.Close())
	}
	for _, s := range l.history {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
