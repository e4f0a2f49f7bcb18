package approvals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Durable state files kept under the data directory.
const (
	PendingFile    = "pending-approvals.json"
	ExecLedgerFile = "exec-approvals.json"
)

// Status of an approval request. Transitions are monotonic: pending moves to
// exactly one of the other three and never back.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is a pending gate for a dangerous tool invocation.
type Request struct {
	ID           string          `json:"id"`
	InvocationID string          `json:"invocationId"`
	ToolID       string          `json:"toolId"`
	SessionID    string          `json:"sessionId"`
	Input        json.RawMessage `json:"input,omitempty"`
	Status       Status          `json:"status"`
	UserID       string          `json:"userId"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	RespondedBy  string          `json:"respondedBy,omitempty"`
	RespondedAt  *time.Time      `json:"respondedAt,omitempty"`
}

// Store keeps approval requests in memory with a durable JSON mirror.
// Every mutation rewrites the file atomically (write to temp, rename) so a
// crash loses at most the in-flight change.
type Store struct {
	mu       sync.Mutex
	path     string
	requests map[string]*Request
}

type storeFile struct {
	Requests []*Request `json:"requests"`
}

// NewStore opens the store at path, loading any persisted requests.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, requests: make(map[string]*Request)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read approvals: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse approvals: %w", err)
	}
	for _, r := range f.Requests {
		s.requests[r.ID] = r
	}
	return s, nil
}

// Add persists a new request.
func (s *Store) Add(r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("approval %s already exists", r.ID)
	}
	s.requests[r.ID] = r
	return s.flushLocked()
}

// Get returns a copy of the request, or false.
func (s *Store) Get(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// GetByInvocation returns the request bound to an invocation id, or false.
func (s *Store) GetByInvocation(invocationID string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.InvocationID == invocationID {
			return *r, true
		}
	}
	return Request{}, false
}

// Remove deletes the request and flushes.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return nil
	}
	delete(s.requests, id)
	return s.flushLocked()
}

// ErrAlreadyResolved is returned when a request is no longer pending.
var ErrAlreadyResolved = fmt.Errorf("approval already resolved")

// ErrNotFound is returned for unknown request ids.
var ErrNotFound = fmt.Errorf("approval not found")

// UpdateStatus flips a pending request to a terminal status. Non-pending
// requests reject further updates.
func (s *Store) UpdateStatus(id string, status Status, respondedBy string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return *r, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	r.Status = status
	r.RespondedBy = respondedBy
	r.RespondedAt = &now
	if err := s.flushLocked(); err != nil {
		return *r, err
	}
	return *r, nil
}

// ListPending returns pending requests sorted by creation time.
func (s *Store) ListPending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpirePending flips every pending request with expiresAt <= now to
// expired and returns the affected ids.
func (s *Store) ExpirePending(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	ts := now.UTC()
	for _, r := range s.requests {
		if r.Status == StatusPending && !r.ExpiresAt.After(now) {
			r.Status = StatusExpired
			r.RespondedAt = &ts
			ids = append(ids, r.ID)
		}
	}
	if len(ids) > 0 {
		if err := s.flushLocked(); err != nil {
			return ids
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) flushLocked() error {
	f := storeFile{Requests: make([]*Request, 0, len(s.requests))}
	for _, r := range s.requests {
		f.Requests = append(f.Requests, r)
	}
	sort.Slice(f.Requests, func(i, j int) bool { return f.Requests[i].CreatedAt.Before(f.Requests[j].CreatedAt) })

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".approvals-*.json")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
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
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
