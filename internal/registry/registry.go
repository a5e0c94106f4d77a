package registry

import (
	"net"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/storagelink/internal/ident"
	"github.com/loykin/storagelink/internal/record"
)

// DefaultHTTPPort is omitted from server URLs.
const DefaultHTTPPort = 80

// Handle is the live client handle of a storage collection.
// *mongo.Collection satisfies it.
type Handle interface {
	Name() string
}

// StorageInfo is a resolved storage collection. It is shared by pointer and
// must not be modified after it has been added to a server.
type StorageInfo struct {
	ID       string
	Name     string
	LinkName string // database name
	Handle   Handle
}

// AppInfo holds an application's cloud-service credentials.
type AppInfo struct {
	ID     string
	Key    string
	Secret string
}

// ServerEntry is the canonical metadata bundle for one host:port.
type ServerEntry struct {
	Host string
	Port int
	URL  string

	mu       sync.RWMutex
	storages map[string]*StorageInfo // by StorageKey
	byName   map[string]*StorageInfo
	apps     []*AppInfo
}

// Key returns the host:port key of the server.
func (s *ServerEntry) Key() string { return record.HostPort(s.Host, s.Port) }

// Apps returns the apps registered on this server in registration order.
func (s *ServerEntry) Apps() []*AppInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AppInfo(nil), s.apps...)
}

// Storages returns the storages cached on this server ordered by key.
func (s *ServerEntry) Storages() []*StorageInfo {
	s.mu.RLock()
	keys := make([]string, 0, len(s.storages))
	for k := range s.storages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*StorageInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.storages[k])
	}
	s.mu.RUnlock()
	return out
}

// BackendEntry is one row of the registry-backed backend process list.
type BackendEntry struct {
	Record         record.Record
	Folder         string
	Cmd            *exec.Cmd // set when spawned by this run
	StartUnix      int64
	LastCheckAlive time.Time
}

// HostPort returns the registry key of the backend.
func (e BackendEntry) HostPort() string { return e.Record.HostPort() }

type appRef struct {
	app    *AppInfo
	server *ServerEntry
}

// Registry is the process-wide owner of server, app and backend metadata.
// Construct one at startup and pass it to every component that needs it.
type Registry struct {
	mu       sync.Mutex
	servers  map[string]*ServerEntry
	apps     map[string]appRef
	backends map[string]BackendEntry
}

func New() *Registry {
	return &Registry{
		servers:  make(map[string]*ServerEntry),
		apps:     make(map[string]appRef),
		backends: make(map[string]BackendEntry),
	}
}

// ServerURL builds the canonical URL for host and port.
func ServerURL(host string, port int) string {
	if port == DefaultHTTPPort {
		return "http://" + host
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// StorageKey derives the per-server storage key.
func StorageKey(collectionName, backendID string) string {
	return collectionName + "@" + backendID
}

// ResolveServer returns the canonical entry for host:port, creating it if
// absent. Concurrent callers for the same key get the same pointer.
func (r *Registry) ResolveServer(host string, port int) *ServerEntry {
	key := record.HostPort(host, port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[key]; ok {
		return s
	}
	s := &ServerEntry{
		Host:     host,
		Port:     port,
		URL:      ServerURL(host, port),
		storages: make(map[string]*StorageInfo),
		byName:   make(map[string]*StorageInfo),
	}
	r.servers[key] = s
	return s
}

// Servers returns all server entries ordered by key.
func (r *Registry) Servers() []*ServerEntry {
	r.mu.Lock()
	out := make([]*ServerEntry, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// RegisterApp returns the app known under appID anywhere in the registry, or
// creates one owned by server. An empty appID always creates a new app with a
// generated ID.
func (r *Registry) RegisterApp(server *ServerEntry, appID, key, secret string) *AppInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appID != "" {
		if ref, ok := r.apps[appID]; ok {
			return ref.app
		}
	} else {
		appID = ident.New()
	}
	app := &AppInfo{ID: appID, Key: key, Secret: secret}
	server.mu.Lock()
	server.apps = append(server.apps, app)
	server.mu.Unlock()
	r.apps[appID] = appRef{app: app, server: server}
	return app
}

// LookupApp finds an app and its owning server by ID.
func (r *Registry) LookupApp(appID string) (*AppInfo, *ServerEntry, bool) {
	if appID == "" {
		return nil, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.apps[appID]
	if !ok {
		return nil, nil, false
	}
	return ref.app, ref.server, true
}

// Backend returns the process list row for hostPort.
func (r *Registry) Backend(hostPort string) (BackendEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[hostPort]
	return e, ok
}

// PutBackend inserts or replaces the process list row keyed by the record's host:port.
func (r *Registry) PutBackend(e BackendEntry) {
	r.mu.Lock()
	r.backends[e.HostPort()] = e
	r.mu.Unlock()
}

// RemoveBackend drops the process list row for hostPort.
func (r *Registry) RemoveBackend(hostPort string) {
	r.mu.Lock()
	delete(r.backends, hostPort)
	r.mu.Unlock()
}

// Backends returns a snapshot of the process list ordered by host:port.
func (r *Registry) Backends() []BackendEntry {
	r.mu.Lock()
	out := make([]BackendEntry, 0, len(r.backends))
	for _, e := range r.backends {
		out = append(out, e)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort() < out[j].HostPort() })
	return out
}
