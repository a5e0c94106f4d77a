package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/storagelink/internal/backend"
	"github.com/loykin/storagelink/internal/link"
	"github.com/loykin/storagelink/internal/metrics"
	"github.com/loykin/storagelink/internal/pipeline"
	"github.com/loykin/storagelink/internal/registry"
)

// DefaultCommandTimeout bounds how long a request waits for its chain.
const DefaultCommandTimeout = 2 * time.Minute

// routed are the commands dispatched from request paths.
var routed = map[pipeline.Op]bool{
	pipeline.OpLink:      true,
	pipeline.OpAuthorize: true,
	pipeline.OpAdd:       true,
	pipeline.OpRemove:    true,
	pipeline.OpCheck:     true,
	pipeline.OpGet:       true,
}

// AliveFunc reports whether the backend registered for hostPort is running.
type AliveFunc func(ctx context.Context, hostPort string) (bool, error)

// Router provides embeddable HTTP handlers for the link commands.
// Endpoints:
//
//	ANY {basePath}/link          query: id=... (optional)
//	ANY {basePath}/authorize     query: callback=..., storage=... (optional)
//	ANY {basePath}/add|remove|check
//	GET {basePath}/get           query: linkID=...
//	GET {basePath}/metrics
//	GET {basePath}/debug/backends
//	GET {basePath}/debug/servers
//
// load-database is not routed; it runs through the Go API and the CLI.
// Any other path gets a 200 JSON "invalid request" body.
type Router struct {
	cmds     *link.Commands
	reg      *registry.Registry
	alive    AliveFunc
	basePath string
	timeout  time.Duration
	log      *slog.Logger
}

// Options configure a Router.
type Options struct {
	BasePath string
	Timeout  time.Duration
	Registry *registry.Registry // enables /debug/backends and /debug/servers
	Alive    AliveFunc          // adds a live check to /debug/backends
	Logger   *slog.Logger
}

func NewRouter(cmds *link.Commands, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cmds:     cmds,
		reg:      opts.Registry,
		alive:    opts.Alive,
		basePath: sanitizeBase(opts.BasePath),
		timeout:  opts.Timeout,
		log:      log.With("component", "server"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.Any("/:op", r.dispatch)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	if r.reg != nil {
		group.GET("/debug/backends", r.handleDebugBackends)
		group.GET("/debug/servers", r.handleDebugServers)
	}
	g.NoRoute(handleInvalid)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// A non-nil tlsCfg serves HTTPS.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      r.timeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date,omitempty"`
}

type resultResp struct {
	Result any `json:"result"`
}

func handleInvalid(c *gin.Context) {
	writeJSON(c, http.StatusOK, errorResp{
		Error:       "invalid request",
		Description: "Your request is not supported.",
		Date:        time.Now().Format(time.RFC1123),
	})
}

// dispatch runs the command named by the last path segment.
func (r *Router) dispatch(c *gin.Context) {
	op, ok := pipeline.ParseOp(c.Param("op"))
	if !ok || !routed[op] {
		handleInvalid(c)
		return
	}
	r.handleCommand(op)(c)
}

func (r *Router) handleCommand(op pipeline.Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, key := range []string{"id", "name"} {
			if v := c.Query(key); v != "" && !isSafeName(v) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + key + ": allowed [A-Za-z0-9._-] and no '..'"})
				return
			}
		}
		linkID := c.Query("linkID")
		if linkID == "" {
			linkID = c.Query("id")
		}
		comp := r.cmds.Composer(linkID)

		w := newGuardedWriter(c.Writer)
		defer w.close()
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
		defer cancel()

		own := make(chan pipeline.Result, 1)
		final := make(chan pipeline.Result, 1)
		cfg := &pipeline.Config{
			Context:  ctx,
			Request:  c.Request,
			Response: w,
			Params:   formParams(c),
			Done:     func(res pipeline.Result) { own <- res },
		}
		if op == pipeline.OpGet {
			comp.Invoke(op, cfg)
			final <- <-own
		} else {
			comp.Invoke(op, cfg).Finally(func(res pipeline.Result) { final <- res })
		}

		var res pipeline.Result
		select {
		case res = <-final:
		case <-ctx.Done():
			res = pipeline.Result{Err: ctx.Err()}
		}
		if res.Err == nil {
			select {
			case o := <-own:
				res = o
			default:
			}
		}
		if w.written() {
			return
		}
		if res.Err != nil {
			r.log.Debug("command failed", "op", op.String(), "error", res.Err)
			writeJSON(c, statusFor(res.Err), errorResp{Error: res.Err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, resultResp{Result: res.Value})
	}
}

// Debug endpoints for troubleshooting

type debugBackendInfo struct {
	HostPort       string    `json:"host_port"`
	BackendID      string    `json:"id"`
	Name           string    `json:"name"`
	PID            int       `json:"pid"`
	Folder         string    `json:"folder"`
	Spawned        bool      `json:"spawned"`
	LastCheckAlive time.Time `json:"last_check_alive"`
	Integrity      string    `json:"integrity"`
	Alive          *bool     `json:"alive,omitempty"`
	AliveError     string    `json:"alive_error,omitempty"`
}

func (r *Router) handleDebugBackends(c *gin.Context) {
	entries := r.reg.Backends()
	out := make([]debugBackendInfo, len(entries))
	for i, e := range entries {
		out[i] = debugBackendInfo{
			HostPort:       e.HostPort(),
			BackendID:      e.Record.BackendID,
			Name:           e.Record.Name,
			PID:            e.Record.PID,
			Folder:         e.Folder,
			Spawned:        e.Cmd != nil,
			LastCheckAlive: e.LastCheckAlive,
			Integrity:      integrityStatus(e),
		}
		if r.alive == nil {
			continue
		}
		ok, err := r.alive(c.Request.Context(), e.HostPort())
		if err != nil {
			out[i].AliveError = err.Error()
			continue
		}
		out[i].Alive = &ok
	}
	writeJSON(c, http.StatusOK, out)
}

type debugServerInfo struct {
	Key      string   `json:"key"`
	URL      string   `json:"url"`
	Apps     []string `json:"apps"`
	Storages []string `json:"storages"`
}

func (r *Router) handleDebugServers(c *gin.Context) {
	servers := r.reg.Servers()
	out := make([]debugServerInfo, len(servers))
	for i, s := range servers {
		info := debugServerInfo{Key: s.Key(), URL: s.URL, Apps: []string{}, Storages: []string{}}
		for _, a := range s.Apps() {
			info.Apps = append(info.Apps, a.ID)
		}
		for _, st := range s.Storages() {
			info.Storages = append(info.Storages, st.Name)
		}
		out[i] = info
	}
	writeJSON(c, http.StatusOK, out)
}

func integrityStatus(e registry.BackendEntry) string {
	if e.Record.PID == 0 {
		return "no_pid"
	}
	if e.Record.Verify() != nil {
		return "tampered"
	}
	return "ok"
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrUnknownLink):
		return http.StatusNotFound
	case errors.Is(err, link.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, backend.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, link.ErrAuthorize):
		return http.StatusBadGateway
	case errors.Is(err, registry.ErrStorageTimeout), errors.Is(err, backend.ErrReadyTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
