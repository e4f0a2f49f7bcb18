package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown session ids or keys.
var ErrNotFound = errors.New("session not found")

// Entry is one line of a session's append log.
type Entry struct {
	Type      string          `json:"type"` // "user", "thought", "tool", "result", "error"
	Content   string          `json:"content,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Output    string          `json:"output,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Session stores conversation state for one agent+channel-session pair.
type Session struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"` // agent:{agentId}:session:{channelSessionId}
	AgentID   string    `json:"agentId"`
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId"`
	Entries   []Entry   `json:"entries"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	AgentID    string    `json:"agentId"`
	ChannelID  string    `json:"channelId"`
	EntryCount int       `json:"entryCount"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// List page size bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Manager handles session lifecycle, lookup, and JSONL persistence. Each
// session's log lives at <storage>/<sessionId>.jsonl, one entry per line.
type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byKey    map[string]*Session
	fileMu   map[string]*sync.Mutex // per-session lock ordering file writes
	storage  string
	keepLast int
}

// NewManager opens the store, loading any persisted session logs.
func NewManager(storage string, keepLast int) *Manager {
	if keepLast <= 0 {
		keepLast = 50
	}
	m := &Manager{
		byID:     make(map[string]*Session),
		byKey:    make(map[string]*Session),
		fileMu:   make(map[string]*sync.Mutex),
		storage:  storage,
		keepLast: keepLast,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// Create mints a session for the (agent, channelSessionId) pair. The
// composite key must be unique across live sessions.
func (m *Manager) Create(agentID, userID, channelID, channelSessionID string) (*Session, error) {
	if channelSessionID == "" {
		channelSessionID = channelID
	}
	key := BuildSessionKey(agentID, channelSessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[key]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		AgentID:   agentID,
		UserID:    userID,
		ChannelID: channelID,
		Entries:   []Entry{},
		Created:   now,
		Updated:   now,
	}
	m.byID[s.ID] = s
	m.byKey[key] = s
	return s, nil
}

// Get returns a snapshot of a session by opaque id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return snapshot(s), nil
}

// GetBySessionKey is the primary lookup during routing.
func (m *Manager) GetBySessionKey(key string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byKey[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	return snapshot(s), nil
}

// GetOrCreate resolves by key, minting the session on first use.
func (m *Manager) GetOrCreate(agentID, userID, channelID, channelSessionID string) (*Session, error) {
	return m.Create(agentID, userID, channelID, channelSessionID)
}

// AppendEntry appends one entry to the session log and its JSONL file.
// Timestamps are forced monotonic within the session.
func (m *Manager) AppendEntry(id string, e Entry) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if n := len(s.Entries); n > 0 && e.Timestamp.Before(s.Entries[n-1].Timestamp) {
		e.Timestamp = s.Entries[n-1].Timestamp
	}
	s.Entries = append(s.Entries, e)
	s.Updated = time.Now().UTC()
	sid := s.ID
	fl := m.fileLock(sid)
	fl.Lock()
	m.mu.Unlock()
	defer fl.Unlock()

	return m.appendLine(sid, e)
}

// fileLock returns the per-session file mutex, minting it on first use.
// Callers hold m.mu and acquire the file mutex before releasing it, so file
// writes land in the same order as the in-memory log.
func (m *Manager) fileLock(id string) *sync.Mutex {
	l, ok := m.fileMu[id]
	if !ok {
		l = &sync.Mutex{}
		m.fileMu[id] = l
	}
	return l
}

// Entries returns a copy of the session log.
func (m *Manager) Entries(id string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Entry, len(s.Entries))
	copy(out, s.Entries)
	return out, nil
}

// Compact retains only the last keepLast entries and rewrites the JSONL
// file atomically. Relative order of retained entries is preserved.
func (m *Manager) Compact(id string) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if len(s.Entries) > m.keepLast {
		kept := make([]Entry, m.keepLast)
		copy(kept, s.Entries[len(s.Entries)-m.keepLast:])
		s.Entries = kept
		s.Updated = time.Now().UTC()
	}
	entries := make([]Entry, len(s.Entries))
	copy(entries, s.Entries)
	sid := s.ID
	fl := m.fileLock(sid)
	fl.Lock()
	m.mu.Unlock()
	defer fl.Unlock()

	return m.rewrite(sid, entries)
}

// CompactAll compacts every session over the retention bound. Used by the
// maintenance schedule.
func (m *Manager) CompactAll() {
	m.mu.RLock()
	var ids []string
	for id, s := range m.byID {
		if len(s.Entries) > m.keepLast {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Compact(id)
	}
}

// Patch is a partial update of the session record. Nil fields are left
// unchanged; the meta sidecar is rewritten when storage is configured.
type Patch struct {
	UserID    *string `json:"userId,omitempty"`
	ChannelID *string `json:"channelId,omitempty"`
}

// ApplyPatch updates mutable session fields.
func (m *Manager) ApplyPatch(id string, p Patch) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.UserID != nil {
		s.UserID = *p.UserID
	}
	if p.ChannelID != nil {
		s.ChannelID = *p.ChannelID
	}
	s.Updated = time.Now().UTC()
	m.mu.Unlock()
	return m.SaveMeta(id)
}

// Reset clears a session's log and truncates its file.
func (m *Manager) Reset(id string) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.Entries = []Entry{}
	s.Updated = time.Now().UTC()
	sid := s.ID
	fl := m.fileLock(sid)
	fl.Lock()
	m.mu.Unlock()
	defer fl.Unlock()

	return m.rewrite(sid, nil)
}

// Delete evicts a session and removes its file.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.byID, id)
	delete(m.byKey, s.Key)
	fl := m.fileLock(id)
	delete(m.fileMu, id)
	fl.Lock()
	m.mu.Unlock()
	defer fl.Unlock()

	if m.storage != "" {
		path := filepath.Join(m.storage, s.ID+".jsonl")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns session descriptors sorted by last update, newest first,
// optionally filtered by agent id. Pagination is mandatory: limit defaults
// to 50 and is clamped to 500.
func (m *Manager) List(agentID string, limit, offset int) []Info {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	m.mu.RLock()
	var all []Info
	prefix := ""
	if agentID != "" {
		prefix = "agent:" + agentID + ":"
	}
	for _, s := range m.byID {
		if prefix != "" && !strings.HasPrefix(s.Key, prefix) {
			continue
		}
		all = append(all, Info{
			ID:         s.ID,
			Key:        s.Key,
			AgentID:    s.AgentID,
			ChannelID:  s.ChannelID,
			EntryCount: len(s.Entries),
			Created:    s.Created,
			Updated:    s.Updated,
		})
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Updated.After(all[j].Updated) })
	if offset >= len(all) {
		return []Info{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func snapshot(s *Session) Session {
	cp := *s
	cp.Entries = make([]Entry, len(s.Entries))
	copy(cp.Entries, s.Entries)
	return cp
}

// appendLine writes one JSONL record. The caller holds the session's file
// lock.
func (m *Manager) appendLine(sessionID string, e Entry) error {
	if m.storage == "" {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	path := filepath.Join(m.storage, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// rewrite replaces the session file with the given entries atomically.
func (m *Manager) rewrite(sessionID string, entries []Entry) error {
	if m.storage == "" {
		return nil
	}
	var sb strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	path := filepath.Join(m.storage, sessionID+".jsonl")
	tmp, err := os.CreateTemp(m.storage, ".session-*.jsonl")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// loadAll restores sessions from the storage directory. The session record
// (id, key, identifiers) is reconstructed from a meta sidecar when present;
// otherwise only the log is recovered under a synthetic key.
func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(f.Name(), ".jsonl")
		entries, err := readJSONL(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		meta, metaErr := m.readMeta(id)
		if metaErr != nil {
			meta = Session{
				ID:      id,
				Key:     BuildSessionKey("default", id),
				AgentID: "default",
				Created: time.Now().UTC(),
			}
		}
		meta.Entries = entries
		if meta.Updated.IsZero() {
			meta.Updated = meta.Created
		}
		s := meta
		m.byID[s.ID] = &s
		m.byKey[s.Key] = &s
	}
}

// SaveMeta persists the session record (without entries) as a sidecar so
// identity survives restarts. Called by the owner after Create.
func (m *Manager) SaveMeta(id string) error {
	if m.storage == "" {
		return nil
	}
	m.mu.RLock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.RUnlock()
		return ErrNotFound
	}
	meta := *s
	meta.Entries = nil
	m.mu.RUnlock()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	name := sanitizeFilename(meta.ID)
	if name == "." || !filepath.IsLocal(name) {
		return os.ErrInvalid
	}
	return os.WriteFile(filepath.Join(m.storage, name+".meta.json"), data, 0600)
}

func (m *Manager) readMeta(id string) (Session, error) {
	data, err := os.ReadFile(filepath.Join(m.storage, id+".meta.json"))
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, err
	}
	if s.ID == "" || s.Key == "" {
		return Session{}, fmt.Errorf("invalid session meta %s", id)
	}
	return s, nil
}

func readJSONL(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
