package approvals

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = 30 * time.Second

// Resolution is the outcome signaled to the invocation blocked on a request.
type Resolution struct {
	Status      Status
	RespondedBy string
}

// Handler is a fire-and-forget notifier for a surface (Discord embed, CLI
// prompt, gateway broadcast). Handlers must not block the manager; delivery
// runs on its own goroutine.
type Handler func(Request)

// Manager drives the approval flow: it persists requests, notifies surface
// handlers, signals waiting invocations on resolution, and expires stale
// requests on a periodic sweep.
type Manager struct {
	store   *Store
	events  bus.EventPublisher
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	waiters  map[string]chan Resolution // request id -> signal, buffered 1
	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager wires the flow manager to a store and the event bus.
// timeout is the pending-request TTL.
func NewManager(store *Store, events bus.EventPublisher, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	m := &Manager{
		store:    store,
		events:   events,
		timeout:  timeout,
		handlers: make(map[string]Handler),
		waiters:  make(map[string]chan Resolution),
		stop:     make(chan struct{}),
	}
	// Requests persisted before a restart have no live waiter; expire them
	// on the first sweep as usual.
	return m
}

// RegisterHandler adds a surface notifier. Re-registering a surface name
// replaces the previous handler.
func (m *Manager) RegisterHandler(surface string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[surface] = h
}

// RequestApproval persists a pending request for the invocation and notifies
// every handler. Returns the request id; the caller blocks on Wait.
func (m *Manager) RequestApproval(invocationID, toolID, sessionID, userID string, input json.RawMessage) (string, error) {
	now := time.Now().UTC()
	req := &Request{
		ID:           "approval-" + uuid.NewString(),
		InvocationID: invocationID,
		ToolID:       toolID,
		SessionID:    sessionID,
		Input:        input,
		Status:       StatusPending,
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.timeout),
	}
	if err := m.store.Add(req); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.waiters[req.ID] = make(chan Resolution, 1)
	m.mu.Unlock()

	m.notify(*req)
	m.events.Broadcast(bus.Event{Name: protocol.EventApprovalRequested, Payload: *req})
	slog.Info("approval requested", "id", req.ID, "tool", toolID, "invocation", invocationID)
	return req.ID, nil
}

// Wait blocks until the request resolves, the context ends, or the manager
// shuts down. Context cancellation rejects the request as aborted by user.
func (m *Manager) Wait(ctx context.Context, requestID string) (Resolution, error) {
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	m.mu.Unlock()
	if !ok {
		// Already resolved before Wait; read the stored outcome.
		if r, found := m.store.Get(requestID); found && r.Status != StatusPending {
			return Resolution{Status: r.Status, RespondedBy: r.RespondedBy}, nil
		}
		return Resolution{}, ErrNotFound
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		// The invocation was aborted; reject the pending request so no
		// later approval can trigger side effects.
		if res, err := m.HandleResponse(requestID, false, "system:abort"); err == nil {
			return res, nil
		}
		return Resolution{Status: StatusRejected, RespondedBy: "system:abort"}, nil
	case <-m.stop:
		return Resolution{Status: StatusRejected, RespondedBy: "system:shutdown"}, nil
	}
}

// HandleResponse resolves a pending request. The first call wins; any later
// call returns ErrAlreadyResolved without mutating the request.
func (m *Manager) HandleResponse(requestID string, approved bool, byUser string) (Resolution, error) {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	req, err := m.store.UpdateStatus(requestID, status, byUser)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Status: status, RespondedBy: byUser}
	m.signal(requestID, res)
	m.notify(req)
	m.events.Broadcast(bus.Event{Name: protocol.EventApprovalResolved, Payload: map[string]any{
		"requestId": requestID,
		"status":    status,
	}})
	slog.Info("approval resolved", "id", requestID, "status", status, "by", byUser)
	return res, nil
}

// ListPending passes through to the store.
func (m *Manager) ListPending() []Request {
	return m.store.ListPending()
}

// Get passes through to the store.
func (m *Manager) Get(requestID string) (Request, bool) {
	return m.store.Get(requestID)
}

// GetByInvocation passes through to the store.
func (m *Manager) GetByInvocation(invocationID string) (Request, bool) {
	return m.store.GetByInvocation(invocationID)
}

// StartSweep runs the expiry sweep until the context ends.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case now := <-ticker.C:
				m.sweep(now)
			}
		}
	}()
}

func (m *Manager) sweep(now time.Time) {
	for _, id := range m.store.ExpirePending(now) {
		m.signal(id, Resolution{Status: StatusExpired})
		if req, ok := m.store.Get(id); ok {
			m.notify(req)
		}
		m.events.Broadcast(bus.Event{Name: protocol.EventApprovalResolved, Payload: map[string]any{
			"requestId": id,
			"status":    StatusExpired,
		}})
		slog.Info("approval expired", "id", id)
	}
}

// Shutdown rejects every pending request and releases all waiters.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		for _, req := range m.store.ListPending() {
			if _, err := m.store.UpdateStatus(req.ID, StatusRejected, "system:shutdown"); err != nil {
				continue
			}
			m.signal(req.ID, Resolution{Status: StatusRejected, RespondedBy: "system:shutdown"})
		}
		close(m.stop)
	})
}

// signal delivers the resolution to the waiting invocation, once.
func (m *Manager) signal(requestID string, res Resolution) {
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	if ok {
		delete(m.waiters, requestID)
	}
	m.mu.Unlock()
	if ok {
		ch <- res
	}
}

// notify fans the request out to surface handlers without blocking.
func (m *Manager) notify(req Request) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		go h(req)
	}
}
