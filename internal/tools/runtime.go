package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// Invocation statuses.
const (
	InvocationRunning          = "running"
	InvocationAwaitingApproval = "awaiting_approval"
	InvocationCompleted        = "completed"
	InvocationFailed           = "failed"
)

const invocationRetention = 1024

// Meta carries execution metadata alongside a successful outcome.
type Meta struct {
	DurationMs int64 `json:"durationMs"`
	Truncated  bool  `json:"truncated"`
}

// ErrorInfo is the failure half of an outcome.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outcome is the runtime-level result of one tool invocation. Exactly one of
// the three shapes is populated: success (OK+Data+Meta), failure (Error), or
// parked (AwaitingApproval+ApprovalID).
type Outcome struct {
	OK               bool       `json:"ok"`
	Data             string     `json:"data,omitempty"`
	Meta             *Meta      `json:"meta,omitempty"`
	Error            *ErrorInfo `json:"error,omitempty"`
	AwaitingApproval bool       `json:"awaitingApproval,omitempty"`
	ApprovalID       string     `json:"approvalId,omitempty"`
	InvocationID     string     `json:"invocationId"`
}

// Invocation tracks one tool call through its lifecycle, including enough
// state (tool + args) to resume after an approval decision.
type Invocation struct {
	ID         string                 `json:"id"`
	ToolID     string                 `json:"toolId"`
	SessionID  string                 `json:"sessionId"`
	UserID     string                 `json:"userId"`
	Args       map[string]interface{} `json:"args"`
	Status     string                 `json:"status"`
	ApprovalID string                 `json:"approvalId,omitempty"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
	Outcome    *Outcome               `json:"outcome,omitempty"`
}

// RuntimeConfig bounds tool execution.
type RuntimeConfig struct {
	MaxConcurrent     int64
	Timeout           time.Duration
	MaxBytes          int
	ProcessPerUserCap int
}

// Runtime executes tools through a fixed pipeline: lookup, argument
// validation, approval gate, concurrency slot, deadline, truncation.
type Runtime struct {
	registry  *Registry
	approvals *approvals.Manager
	sem       *semaphore.Weighted
	timeout   time.Duration
	maxBytes  int

	mu          sync.Mutex
	invocations map[string]*Invocation

	quotaCap int
	quotaMu  sync.Mutex
	running  map[string]map[string]int // quota group -> user -> running count
}

func NewRuntime(registry *Registry, mgr *approvals.Manager, cfg RuntimeConfig) *Runtime {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.ProcessPerUserCap <= 0 {
		cfg.ProcessPerUserCap = 3
	}
	return &Runtime{
		registry:    registry,
		approvals:   mgr,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxBytes,
		invocations: make(map[string]*Invocation),
		quotaCap:    cfg.ProcessPerUserCap,
		running:     make(map[string]map[string]int),
	}
}

// Invoke runs one tool call end to end. When the tool's gate answers "ask",
// the invocation is parked and the returned outcome carries the approval id;
// the caller resumes it with Resume once the decision lands.
func (rt *Runtime) Invoke(ctx context.Context, toolID string, args map[string]interface{}) *Outcome {
	inv := &Invocation{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		SessionID: SessionIDFromCtx(ctx),
		UserID:    UserIDFromCtx(ctx),
		Args:      args,
		Status:    InvocationRunning,
		StartedAt: time.Now().UTC(),
	}

	tool, ok := rt.registry.Get(toolID)
	if !ok {
		return rt.finish(inv, failure(inv.ID, protocol.CodeToolNotFound, fmt.Sprintf("unknown tool: %s", toolID)))
	}
	if err := rt.registry.Validate(toolID, args); err != nil {
		return rt.finish(inv, failure(inv.ID, protocol.CodeValidationError, fmt.Sprintf("invalid arguments: %v", err)))
	}

	rt.track(inv)

	if gated, ok := tool.(ApprovalGated); ok {
		switch gated.Decide(args) {
		case GateDeny:
			return rt.finish(inv, failure(inv.ID, protocol.CodeCommandBlocked, "blocked by policy"))
		case GateAsk:
			return rt.park(inv)
		}
	}

	return rt.execute(ctx, tool, inv)
}

// Resume continues an invocation that was parked behind an approval. The
// approval decision is read from the store so a resume after rejection or
// expiry fails with the matching code.
func (rt *Runtime) Resume(ctx context.Context, invocationID string) *Outcome {
	rt.mu.Lock()
	inv, ok := rt.invocations[invocationID]
	if !ok {
		rt.mu.Unlock()
		return failure(invocationID, protocol.CodeNotFound, "unknown invocation")
	}
	if inv.Status != InvocationAwaitingApproval {
		out := inv.Outcome
		rt.mu.Unlock()
		if out != nil {
			return out
		}
		return failure(invocationID, protocol.CodeInvalidInput, "invocation is not awaiting approval")
	}
	inv.Status = InvocationRunning
	rt.mu.Unlock()

	req, ok := rt.approvals.GetByInvocation(invocationID)
	if !ok {
		return rt.finish(inv, failure(inv.ID, protocol.CodeNotFound, "no approval bound to invocation"))
	}
	switch req.Status {
	case approvals.StatusApproved:
	case approvals.StatusRejected:
		return rt.finish(inv, failure(inv.ID, protocol.CodeApprovalDenied, "approval was rejected"))
	case approvals.StatusExpired:
		return rt.finish(inv, failure(inv.ID, protocol.CodeApprovalExpired, "approval expired"))
	default:
		rt.mu.Lock()
		inv.Status = InvocationAwaitingApproval
		rt.mu.Unlock()
		return &Outcome{InvocationID: inv.ID, AwaitingApproval: true, ApprovalID: req.ID}
	}

	tool, ok := rt.registry.Get(inv.ToolID)
	if !ok {
		return rt.finish(inv, failure(inv.ID, protocol.CodeToolNotFound, fmt.Sprintf("unknown tool: %s", inv.ToolID)))
	}
	ctx = WithInvoker(ctx, inv.UserID, inv.SessionID, ChannelIDFromCtx(ctx))
	return rt.execute(ctx, tool, inv)
}

// GetInvocation returns a snapshot of one invocation.
func (rt *Runtime) GetInvocation(id string) (Invocation, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	inv, ok := rt.invocations[id]
	if !ok {
		return Invocation{}, false
	}
	return *inv, true
}

// PendingInvocations lists invocations parked behind approvals, oldest first.
func (rt *Runtime) PendingInvocations() []Invocation {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []Invocation
	for _, inv := range rt.invocations {
		if inv.Status == InvocationAwaitingApproval {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Definitions exposes the registry listing.
func (rt *Runtime) Definitions() []Definition {
	return rt.registry.Definitions()
}

func (rt *Runtime) execute(ctx context.Context, tool Tool, inv *Invocation) *Outcome {
	if qt, ok := tool.(interface{ QuotaGroup() string }); ok {
		group := qt.QuotaGroup()
		if !rt.acquireQuota(group, inv.UserID) {
			return rt.finish(inv, failure(inv.ID, protocol.CodeResourceExhausted,
				fmt.Sprintf("per-user limit reached for %s tools", group)))
		}
		defer rt.releaseQuota(group, inv.UserID)
	}

	// The concurrency slot is taken before the deadline starts so queueing
	// behind busy slots does not eat into the tool's own time.
	if err := rt.sem.Acquire(ctx, 1); err != nil {
		return rt.finish(inv, failure(inv.ID, protocol.CodeConcurrencyLimit, "cancelled while waiting for an execution slot"))
	}
	defer rt.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	start := time.Now()
	res := tool.Execute(runCtx, inv.Args)
	elapsed := time.Since(start)

	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	if runCtx.Err() == context.DeadlineExceeded {
		slog.Warn("tool timed out", "tool", inv.ToolID, "invocation", inv.ID, "timeout", rt.timeout)
		return rt.finish(inv, failure(inv.ID, protocol.CodeTimeout,
			fmt.Sprintf("tool exceeded %s deadline", rt.timeout)))
	}
	if res.IsError {
		code := res.ErrCode
		if code == "" {
			code = protocol.CodeUnknown
		}
		return rt.finish(inv, failure(inv.ID, code, res.Content))
	}

	data, truncated := truncateString(res.Content, rt.maxBytes)
	out := &Outcome{
		OK:           true,
		Data:         data,
		InvocationID: inv.ID,
		Meta: &Meta{
			DurationMs: elapsed.Milliseconds(),
			Truncated:  truncated || res.Truncated,
		},
	}
	return rt.finish(inv, out)
}

func (rt *Runtime) park(inv *Invocation) *Outcome {
	argsJSON, _ := json.Marshal(inv.Args)
	approvalID, err := rt.approvals.RequestApproval(inv.ID, inv.ToolID, inv.SessionID, inv.UserID, argsJSON)
	if err != nil {
		return rt.finish(inv, failure(inv.ID, protocol.CodeUnknown, fmt.Sprintf("request approval: %v", err)))
	}
	rt.mu.Lock()
	inv.Status = InvocationAwaitingApproval
	inv.ApprovalID = approvalID
	rt.mu.Unlock()
	slog.Info("tool invocation awaiting approval", "tool", inv.ToolID, "invocation", inv.ID, "approval", approvalID)
	return &Outcome{InvocationID: inv.ID, AwaitingApproval: true, ApprovalID: approvalID}
}

func (rt *Runtime) track(inv *Invocation) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.invocations) >= invocationRetention {
		rt.pruneLocked()
	}
	rt.invocations[inv.ID] = inv
}

// pruneLocked evicts finished invocations, oldest first.
func (rt *Runtime) pruneLocked() {
	type aged struct {
		id string
		at time.Time
	}
	var finished []aged
	for id, inv := range rt.invocations {
		if inv.Status == InvocationCompleted || inv.Status == InvocationFailed {
			finished = append(finished, aged{id, inv.StartedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for i := 0; i < len(finished)/2+1 && i < len(finished); i++ {
		delete(rt.invocations, finished[i].id)
	}
}

func (rt *Runtime) finish(inv *Invocation, out *Outcome) *Outcome {
	now := time.Now().UTC()
	rt.mu.Lock()
	inv.FinishedAt = &now
	inv.Outcome = out
	if out.OK {
		inv.Status = InvocationCompleted
	} else {
		inv.Status = InvocationFailed
	}
	if _, tracked := rt.invocations[inv.ID]; !tracked {
		rt.invocations[inv.ID] = inv
	}
	rt.mu.Unlock()
	return out
}

func (rt *Runtime) acquireQuota(group, userID string) bool {
	rt.quotaMu.Lock()
	defer rt.quotaMu.Unlock()
	users := rt.running[group]
	if users == nil {
		users = make(map[string]int)
		rt.running[group] = users
	}
	if users[userID] >= rt.quotaCap {
		return false
	}
	users[userID]++
	return true
}

func (rt *Runtime) releaseQuota(group, userID string) {
	rt.quotaMu.Lock()
	defer rt.quotaMu.Unlock()
	if users := rt.running[group]; users != nil {
		if users[userID]--; users[userID] <= 0 {
			delete(users, userID)
		}
	}
}

func failure(invocationID, code, message string) *Outcome {
	return &Outcome{
		InvocationID: invocationID,
		Error:        &ErrorInfo{Code: code, Message: message},
	}
}

const truncationMarker = "\n[output truncated]"

// truncateString cuts s at max bytes on a rune boundary and appends a marker.
func truncateString(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + truncationMarker, true
}
