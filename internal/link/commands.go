// Package link implements the commands a linker exposes: loading the backend
// database, authorizing an app against the sync service and binding links.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/storagelink/internal/backend"
	"github.com/loykin/storagelink/internal/cloudsync"
	"github.com/loykin/storagelink/internal/ident"
	"github.com/loykin/storagelink/internal/pipeline"
	"github.com/loykin/storagelink/internal/registry"
)

var (
	// ErrInvalidParams is returned when host, port or callback are missing
	// or malformed.
	ErrInvalidParams = errors.New("invalid parameter values")
	// ErrNotImplemented is returned by the file chunk commands.
	ErrNotImplemented = errors.New("command not implemented")
	// ErrUnknownLink is returned by get for an unbound link ID.
	ErrUnknownLink = errors.New("unknown link")
	// ErrAuthorize is returned when the sync service refused a request token.
	ErrAuthorize = errors.New("authorization request failed")
)

// Supervisor ensures the backend database process.
type Supervisor interface {
	Ensure(ctx context.Context, host string, port int, cfg backend.Config) (*registry.BackendEntry, error)
}

// StorageOpener opens the linked collection of a backend.
type StorageOpener interface {
	OpenCollection(host string, port int, hash string) (*registry.StorageInfo, error)
}

// Defaults are the fallbacks for parameters a command did not receive.
type Defaults struct {
	LinkHost    string
	LinkPort    int
	DBHost      string
	DBPort      int
	CallbackURL string
	AppKey      string
	AppSecret   string
	Poll        registry.Poll
}

// Deps are the collaborators commands run against.
type Deps struct {
	Supervisor Supervisor
	Registry   *registry.Registry
	Storage    StorageOpener
	Sync       cloudsync.Factory
	Logger     *slog.Logger
	Window     time.Duration
}

// Commands builds composers whose tables dispatch to the link commands.
type Commands struct {
	deps     Deps
	def      Defaults
	sessions *Sessions
	log      *slog.Logger
}

func New(deps Deps, def Defaults) *Commands {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Commands{deps: deps, def: def, sessions: NewSessions(), log: log.With("component", "link")}
}

func (c *Commands) Sessions() *Sessions { return c.sessions }

// Composer returns the composer bound to linkID, or a fresh one.
func (c *Commands) Composer(linkID string) *pipeline.Composer {
	if comp, ok := c.sessions.Composer(linkID); ok {
		return comp
	}
	comp, _ := c.NewComposer()
	return comp
}

// NewComposer returns a composer with its own command state.
func (c *Commands) NewComposer() (*pipeline.Composer, *State) {
	st := &State{}
	var comp *pipeline.Composer
	table := pipeline.Table{
		pipeline.OpLoadDatabase: {Handler: func(ctx context.Context, in pipeline.Result, cfg *pipeline.Config) pipeline.Result {
			return c.loadDatabase(ctx, st, cfg)
		}, Linkable: true},
		pipeline.OpAuthorize: {Handler: func(ctx context.Context, in pipeline.Result, cfg *pipeline.Config) pipeline.Result {
			return c.authorize(ctx, st, in, cfg)
		}, Linkable: true},
		pipeline.OpLink: {Handler: func(ctx context.Context, in pipeline.Result, cfg *pipeline.Config) pipeline.Result {
			return c.link(st, comp, cfg)
		}, Linkable: true},
		pipeline.OpAdd:    {Handler: notImplemented, Linkable: true},
		pipeline.OpRemove: {Handler: notImplemented, Linkable: true},
		pipeline.OpCheck:  {Handler: notImplemented, Linkable: true},
		pipeline.OpGet: {Handler: func(ctx context.Context, in pipeline.Result, cfg *pipeline.Config) pipeline.Result {
			return c.get(cfg)
		}},
	}
	comp = pipeline.New(table, pipeline.Options{Window: c.deps.Window, Logger: c.log})
	return comp, st
}

func notImplemented(context.Context, pipeline.Result, *pipeline.Config) pipeline.Result {
	return pipeline.Result{Err: ErrNotImplemented}
}

func (c *Commands) target(cfg *pipeline.Config, hostKey, portKey, defHost string, defPort int) (string, int, error) {
	host := cfg.Param(hostKey)
	if host == "" {
		host = defHost
	}
	port := defPort
	if p := cfg.Param(portKey); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %s=%q", ErrInvalidParams, portKey, p)
		}
		port = n
	}
	if host == "" || port <= 0 {
		return "", 0, fmt.Errorf("%w: %s:%d", ErrInvalidParams, host, port)
	}
	return host, port, nil
}

// loadDatabase ensures the backend and caches its linked collection on the
// link server.
func (c *Commands) loadDatabase(ctx context.Context, st *State, cfg *pipeline.Config) pipeline.Result {
	host, port, err := c.target(cfg, "host", "port", c.def.DBHost, c.def.DBPort)
	if err != nil {
		return pipeline.Result{Err: err}
	}
	server := c.deps.Registry.ResolveServer(c.def.LinkHost, c.def.LinkPort)
	entry, err := c.ensureStorage(ctx, st, server, host, port, backend.Config{ID: cfg.Param("id"), Name: cfg.Param("name")})
	if err != nil {
		return pipeline.Result{Err: err}
	}
	return pipeline.Result{Value: entry}
}

// ensureStorage starts or reattaches the backend at host:port, selects it on
// st and caches its linked collection on server.
func (c *Commands) ensureStorage(ctx context.Context, st *State, server *registry.ServerEntry, host string, port int, bc backend.Config) (*registry.BackendEntry, error) {
	entry, err := c.deps.Supervisor.Ensure(ctx, host, port, bc)
	if err != nil {
		return nil, fmt.Errorf("load database %s:%d: %w", host, port, err)
	}
	st.selectDB(entry)

	info, err := c.deps.Storage.OpenCollection(host, port, entry.Record.Hash)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	info = c.deps.Registry.AddStorage(server, entry.Record.BackendID, info)
	c.log.Info("database loaded", "backend", entry.HostPort(), "storage", info.Name)
	return entry, nil
}

// authorize waits for the storage, requests a token for the selected app and
// redirects the client to the consent page.
func (c *Commands) authorize(ctx context.Context, st *State, in pipeline.Result, cfg *pipeline.Config) pipeline.Result {
	callback := cfg.Param("callback")
	if callback == "" {
		callback = c.def.CallbackURL
	}
	if callback == "" {
		return pipeline.Result{Err: fmt.Errorf("%w: callback", ErrInvalidParams)}
	}
	host, port, err := c.target(cfg, "server_host", "server_port", c.def.LinkHost, c.def.LinkPort)
	if err != nil {
		return pipeline.Result{Err: err}
	}
	server := c.deps.Registry.ResolveServer(host, port)

	app := st.SelectedApp()
	if app == nil {
		key, secret := cfg.Params["app_key"], cfg.Params["app_secret"]
		if key == "" || secret == "" {
			key, secret = st.defaultApp()
		}
		if key == "" || secret == "" {
			key, secret = c.def.AppKey, c.def.AppSecret
		}
		app = c.deps.Registry.RegisterApp(server, cfg.Param("app_id"), key, secret)
		st.selectApp(app)
	}

	desc := registry.CollectionDescriptor{StorageName: cfg.Param("storage"), StorageID: cfg.Param("storage_id")}
	explicit := desc.StorageName != "" || desc.StorageID != ""
	if !explicit {
		if e, ok := in.Value.(*registry.BackendEntry); ok && e != nil {
			desc.StorageID = e.Record.Hash
		} else if db := st.SelectedDB(); db != nil {
			desc.StorageID = db.Record.Hash
		}
	}
	if _, err := c.deps.Registry.ResolveStorage(server, desc); errors.Is(err, registry.ErrNoStorage) {
		// No storage yet: bring up the backend, then wait on its collection.
		dbHost, dbPort := c.def.DBHost, c.def.DBPort
		if db := st.SelectedDB(); db != nil {
			dbHost, dbPort = db.Record.Host, db.Record.Port
		}
		entry, err := c.ensureStorage(ctx, st, server, dbHost, dbPort, backend.Config{})
		if err != nil {
			return pipeline.Result{Err: err}
		}
		if !explicit {
			desc.StorageID = entry.Record.Hash
		}
	}
	if _, err := c.deps.Registry.AwaitStorage(ctx, server, desc, c.def.Poll); err != nil {
		return pipeline.Result{Err: err}
	}

	status, tok, err := c.deps.Sync(cloudsync.App{Key: app.Key, Secret: app.Secret}).RequestToken(ctx)
	if err != nil {
		return pipeline.Result{Err: fmt.Errorf("%w: %w", ErrAuthorize, err)}
	}
	if status != http.StatusOK {
		return pipeline.Result{Err: fmt.Errorf("%w: status %d", ErrAuthorize, status)}
	}
	linkID := ident.New()
	location := tok.AuthorizeURL + "&oauth_callback=" + callback + "?linkID=" + linkID
	switch {
	case cfg.Redirect != nil:
		cfg.Redirect(location)
	case cfg.Response != nil:
		cfg.Response.Header().Set("Location", location)
		cfg.Response.WriteHeader(http.StatusFound)
	}
	c.log.Info("authorization requested", "app", app.ID, "link", linkID)
	return pipeline.Result{Value: linkID}
}

// link binds a link ID to this composer's session.
func (c *Commands) link(st *State, comp *pipeline.Composer, cfg *pipeline.Config) pipeline.Result {
	if key, secret := cfg.Params["default_app_key"], cfg.Params["default_app_secret"]; key != "" && secret != "" {
		st.setDefaultApp(key, secret)
	}
	if appID := cfg.Params["app_id"]; appID != "" {
		if app, _, ok := c.deps.Registry.LookupApp(appID); ok {
			st.selectApp(app)
		}
	}

	id := cfg.Params["link_id"]
	if cfg.Request != nil {
		if q := cfg.Request.URL.Query().Get("id"); q != "" {
			id = q
		}
	}
	if id == "" {
		id = ident.New()
	}
	st.mu.Lock()
	st.linkID = id
	st.mu.Unlock()

	var u *url.URL
	if cfg.Request != nil {
		u = cfg.Request.URL
	}
	c.sessions.bind(id, u, st, comp)

	if cfg.Response != nil {
		writeJSON(cfg.Response, http.StatusOK, map[string]string{"linker": id})
	}
	return pipeline.Result{Value: id}
}

func (c *Commands) get(cfg *pipeline.Config) pipeline.Result {
	id := cfg.Param("linkID")
	s, ok := c.sessions.Get(id)
	if !ok {
		return pipeline.Result{Err: fmt.Errorf("%w: %q", ErrUnknownLink, id)}
	}
	return pipeline.Result{Value: s}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
