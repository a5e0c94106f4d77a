package link

import (
	"net/url"
	"sync"
	"time"

	"github.com/loykin/storagelink/internal/pipeline"
	"github.com/loykin/storagelink/internal/registry"
)

// State is what one composer's commands have selected so far.
type State struct {
	mu          sync.Mutex
	linkID      string
	selectedDB  *registry.BackendEntry
	selectedApp *registry.AppInfo
	defaultKey  string
	defaultSec  string
}

func (s *State) LinkID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkID
}

// SelectedDB returns the backend chosen by the last load-database.
func (s *State) SelectedDB() *registry.BackendEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedDB
}

// SelectedApp returns the app chosen by link or authorize.
func (s *State) SelectedApp() *registry.AppInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedApp
}

func (s *State) selectDB(e *registry.BackendEntry) {
	s.mu.Lock()
	s.selectedDB = e
	s.mu.Unlock()
}

func (s *State) selectApp(a *registry.AppInfo) {
	s.mu.Lock()
	s.selectedApp = a
	s.mu.Unlock()
}

func (s *State) setDefaultApp(key, secret string) {
	s.mu.Lock()
	s.defaultKey, s.defaultSec = key, secret
	s.mu.Unlock()
}

func (s *State) defaultApp() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultKey, s.defaultSec
}

// Session is the public view of a bound link.
type Session struct {
	LinkID          string    `json:"linkID"`
	DateEstablished time.Time `json:"dateEstablished"`
	URL             string    `json:"url,omitempty"`
	AppID           string    `json:"appID,omitempty"`
	BackendID       string    `json:"backendID,omitempty"`
}

type sessionEntry struct {
	established time.Time
	url         string
	state       *State
	composer    *pipeline.Composer
}

// Sessions maps link IDs to their composer and state.
type Sessions struct {
	mu   sync.Mutex
	byID map[string]*sessionEntry
}

func NewSessions() *Sessions { return &Sessions{byID: make(map[string]*sessionEntry)} }

// bind (re)establishes linkID for the given composer.
func (s *Sessions) bind(linkID string, u *url.URL, st *State, comp *pipeline.Composer) {
	e := &sessionEntry{established: time.Now().UTC(), state: st, composer: comp}
	if u != nil {
		e.url = u.String()
	}
	s.mu.Lock()
	s.byID[linkID] = e
	s.mu.Unlock()
}

// Get returns a snapshot of the session bound to linkID.
func (s *Sessions) Get(linkID string) (Session, bool) {
	s.mu.Lock()
	e, ok := s.byID[linkID]
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	out := Session{LinkID: linkID, DateEstablished: e.established, URL: e.url}
	if app := e.state.SelectedApp(); app != nil {
		out.AppID = app.ID
	}
	if db := e.state.SelectedDB(); db != nil {
		out.BackendID = db.Record.BackendID
	}
	return out, true
}

// Composer returns the composer bound to linkID.
func (s *Sessions) Composer(linkID string) (*pipeline.Composer, bool) {
	if linkID == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[linkID]
	if !ok {
		return nil, false
	}
	return e.composer, true
}

// Prune drops sessions established before the cutoff and returns how many
// were removed.
func (s *Sessions) Prune(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.byID {
		if e.established.Before(olderThan) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
