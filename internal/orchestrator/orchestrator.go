// Package orchestrator owns the task lifecycle: admission onto the
// per-channel queue, the plan/execute/recover loop, approval suspension,
// and terminal fan-out on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/internal/queue"
	"github.com/munlucky/moonbot/internal/sessions"
	"github.com/munlucky/moonbot/internal/tools"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// retryBackoff spaces replanner retries.
const retryBackoff = 250 * time.Millisecond

// Options tunes the orchestrator.
type Options struct {
	QueueDepth     int
	Workers        int
	RecoveryWindow time.Duration
	// Alternatives maps a tool id to substitutes the replanner may try.
	Alternatives map[string][]string
}

// Orchestrator is the authoritative owner of tasks.
type Orchestrator struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	dispatcher *queue.Dispatcher
	runtime    *tools.Runtime
	approvals  *approvals.Manager
	sessions   *sessions.Manager
	events     bus.EventPublisher
	planner    Planner
	replanner  *Replanner
	tracer     trace.Tracer

	shutdown bool
}

// New builds the orchestrator and starts its queue workers.
func New(rt *tools.Runtime, mgr *approvals.Manager, sess *sessions.Manager, events bus.EventPublisher, planner Planner, opts Options) *Orchestrator {
	if planner == nil {
		planner = CommandPlanner{}
	}
	rp := NewReplanner()
	if opts.RecoveryWindow > 0 {
		rp.Window = opts.RecoveryWindow
	}
	if opts.Alternatives != nil {
		rp.Alternatives = opts.Alternatives
	}
	o := &Orchestrator{
		tasks:     make(map[string]*Task),
		runtime:   rt,
		approvals: mgr,
		sessions:  sess,
		events:    events,
		planner:   planner,
		replanner: rp,
		tracer:    otel.Tracer("moonbot/orchestrator"),
	}
	o.dispatcher = queue.New(o.runTask, opts.QueueDepth, opts.Workers)
	return o
}

// CreateTask admits a message: the task is registered PENDING and enqueued
// on its channel's FIFO. A full channel rejects admission outright.
func (o *Orchestrator) CreateTask(msg Message) (TaskResponse, error) {
	if msg.ChannelID == "" {
		return TaskResponse{}, fmt.Errorf("channelId is required")
	}
	if msg.AgentID == "" {
		msg.AgentID = "default"
	}
	now := time.Now().UTC()
	task := &Task{
		ID:      uuid.NewString(),
		Message: msg,
		State:   StatePending,
		Created: now,
		Updated: now,
	}

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return TaskResponse{}, fmt.Errorf("shutting down")
	}
	o.tasks[task.ID] = task
	o.mu.Unlock()

	// The job id doubles as the task id so cancel reaches both layers.
	_, err := o.dispatcher.Enqueue(queue.Job{
		ID:        task.ID,
		ChannelID: msg.ChannelID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
	})
	if err != nil {
		o.mu.Lock()
		delete(o.tasks, task.ID)
		o.mu.Unlock()
		return TaskResponse{}, err
	}
	slog.Info("task created", "task", task.ID, "channel", msg.ChannelID, "user", msg.UserID)
	return TaskResponse{TaskID: task.ID, Status: "pending"}, nil
}

// GetTask returns a snapshot of a task.
func (o *Orchestrator) GetTask(id string) (Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// AbortTask cancels a task: dequeued when still pending, cancelled in flight
// when running, and its approval rejected when parked.
func (o *Orchestrator) AbortTask(id string) error {
	o.mu.Lock()
	task, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return ErrTaskNotFound
	}
	if terminal(task.State) {
		o.mu.Unlock()
		return nil
	}
	task.abortRequested = true
	pending := task.State == StatePending
	o.mu.Unlock()

	// Cancel reaches the backlog entry or the running worker's context.
	// Context cancellation also unblocks an approval wait.
	err := o.dispatcher.Cancel(id)
	if pending && err == nil {
		o.finalize(task, StateAborted, "", &TaskError{
			Code:    protocol.CodeAbortedByUser,
			Message: "task aborted before it started",
		})
	}
	return nil
}

// GrantApproval forwards an approval decision to the flow manager.
func (o *Orchestrator) GrantApproval(requestID string, approved bool, byUser string) error {
	_, err := o.approvals.HandleResponse(requestID, approved, byUser)
	return err
}

// PendingApprovals passes through to the flow manager.
func (o *Orchestrator) PendingApprovals() []approvals.Request {
	return o.approvals.ListPending()
}

// Shutdown stops admission, aborts every live task, and drains workers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shutdown = true
	live := make([]*Task, 0)
	for _, t := range o.tasks {
		if !terminal(t.State) {
			live = append(live, t)
		}
	}
	o.mu.Unlock()

	o.approvals.Shutdown()
	o.dispatcher.Stop()

	for _, t := range live {
		o.mu.Lock()
		done := terminal(t.State)
		o.mu.Unlock()
		if !done {
			o.finalize(t, StateAborted, "", &TaskError{
				Code:    protocol.CodeAbortedByShutdown,
				Message: "server is shutting down",
			})
		}
	}
}

// runTask is the queue handler: the agent loop for one task.
func (o *Orchestrator) runTask(ctx context.Context, job queue.Job) {
	o.mu.Lock()
	task, ok := o.tasks[job.ID]
	if !ok || task.State != StatePending {
		o.mu.Unlock()
		return
	}
	task.State = StateRunning
	task.Updated = time.Now().UTC()
	o.mu.Unlock()

	ctx, span := o.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("channel.id", task.Message.ChannelID),
	))
	defer span.End()

	o.emitTaskEvent(protocol.TaskEventStarted, task, nil)

	session, err := o.sessions.GetOrCreate(task.Message.AgentID, task.Message.UserID, task.Message.ChannelID, task.Message.SessionID)
	if err != nil {
		o.finalize(task, StateFailed, "", &TaskError{
			Code: protocol.CodeUnknown, Message: "could not open session", Internal: err.Error(),
		})
		return
	}
	o.sessions.AppendEntry(session.ID, sessions.Entry{Type: "user", Content: task.Message.Text})

	steps, err := o.planner.Plan(ctx, task.Message)
	if err != nil {
		o.finalize(task, StateFailed, "", &TaskError{
			Code: protocol.CodeInvalidInput, Message: err.Error(), Internal: err.Error(),
		})
		return
	}
	if err := validateSteps(steps); err != nil {
		o.finalize(task, StateFailed, "", &TaskError{
			Code: protocol.CodeValidationError, Message: err.Error(), Internal: err.Error(),
		})
		return
	}

	var lastOutput string
	for _, step := range steps {
		if o.checkAborted(ctx, task) {
			return
		}
		out, taskErr := o.runStep(ctx, task, session.ID, step)
		if taskErr != nil {
			if o.checkAborted(ctx, task) {
				return
			}
			state := StateFailed
			o.finalize(task, state, "", taskErr)
			return
		}
		lastOutput = out
	}

	o.sessions.AppendEntry(session.ID, sessions.Entry{Type: "result", Output: lastOutput})
	o.finalize(task, StateDone, lastOutput, nil)
}

// runStep executes one step through the runtime, recovering per the
// replanner within the step budgets.
func (o *Orchestrator) runStep(ctx context.Context, task *Task, sessionID string, step Step) (string, *TaskError) {
	o.emitTaskEvent(protocol.TaskEventStep, task, map[string]any{"stepId": step.ID, "description": step.Description})

	if step.ToolID == "" {
		return step.Description, nil
	}

	ctx, span := o.tracer.Start(ctx, "task.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("tool.id", step.ToolID),
	))
	defer span.End()

	invokeCtx := tools.WithInvoker(ctx, task.Message.UserID, sessionID, task.Message.ChannelID)
	toolID := step.ToolID
	rec := &stepRecovery{}

	for {
		if o.checkAborted(ctx, task) {
			return "", &TaskError{Code: protocol.CodeAbortedByUser, Message: "task aborted"}
		}

		o.emitTaskEvent(protocol.TaskEventToolCall, task, map[string]any{"stepId": step.ID, "toolId": toolID})
		o.sessions.AppendEntry(sessionID, sessions.Entry{Type: "tool", Content: toolID})
		out := o.runtime.Invoke(invokeCtx, toolID, step.Input)

		if out.AwaitingApproval {
			resolved, taskErr := o.awaitApproval(ctx, task, out.ApprovalID)
			if taskErr != nil {
				return "", taskErr
			}
			if resolved {
				out = o.runtime.Resume(invokeCtx, out.InvocationID)
			}
		}

		if out.OK {
			o.emitTaskEvent(protocol.TaskEventToolResult, task, map[string]any{"stepId": step.ID, "ok": true})
			o.sessions.AppendEntry(sessionID, sessions.Entry{Type: "result", Output: out.Data})
			return out.Data, nil
		}

		code, msg := protocol.CodeUnknown, "tool failed"
		if out.Error != nil {
			code, msg = out.Error.Code, out.Error.Message
		}
		class := Classify(code, msg)
		plan := o.replanner.Decide(class, toolID, rec, time.Now())
		o.recordRecovery(task, step.ID, class, plan.Directive)
		slog.Warn("step failed", "task", task.ID, "step", step.ID, "tool", toolID,
			"code", code, "class", class, "directive", plan.Directive)
		o.emitTaskEvent(protocol.TaskEventRetrying, task, map[string]any{
			"stepId": step.ID, "class": class, "directive": plan.Directive,
		})

		switch plan.Directive {
		case DirectiveRetry:
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
			}
			continue
		case DirectiveUseAlternative:
			toolID = plan.AlternativeTool
			continue
		default:
			return "", &TaskError{Code: code, Message: msg, Internal: msg}
		}
	}
}

// awaitApproval parks the task until its approval request resolves. Returns
// true when the step should resume.
func (o *Orchestrator) awaitApproval(ctx context.Context, task *Task, approvalID string) (bool, *TaskError) {
	if err := o.transition(task, StateAwaitingApproval); err != nil {
		return false, &TaskError{Code: protocol.CodeUnknown, Message: "task state conflict", Internal: err.Error()}
	}

	res, err := o.approvals.Wait(ctx, approvalID)
	if err != nil {
		return false, &TaskError{Code: protocol.CodeUnknown, Message: "approval wait failed", Internal: err.Error()}
	}
	if o.checkAborted(ctx, task) {
		return false, &TaskError{Code: protocol.CodeAbortedByUser, Message: "task aborted"}
	}

	switch res.Status {
	case approvals.StatusApproved:
		if err := o.transition(task, StateRunning); err != nil {
			return false, &TaskError{Code: protocol.CodeUnknown, Message: "task state conflict", Internal: err.Error()}
		}
		return true, nil
	case approvals.StatusExpired:
		return false, &TaskError{Code: protocol.CodeApprovalExpired, Message: "approval request expired"}
	default:
		return false, &TaskError{Code: protocol.CodeApprovalDenied, Message: "approval was rejected"}
	}
}

// recordRecovery appends one replanner decision to the task's recovery log.
func (o *Orchestrator) recordRecovery(task *Task, stepID, class, directive string) {
	o.mu.Lock()
	task.Recovery = append(task.Recovery, RecoveryRecord{
		TaskID:    task.ID,
		StepID:    stepID,
		Class:     class,
		Directive: directive,
		At:        time.Now().UTC(),
	})
	o.mu.Unlock()
}

// checkAborted finalizes the task as ABORTED when its context was cancelled
// or an abort was requested.
func (o *Orchestrator) checkAborted(ctx context.Context, task *Task) bool {
	o.mu.RLock()
	requested := task.abortRequested
	done := terminal(task.State)
	shuttingDown := o.shutdown
	o.mu.RUnlock()
	if done {
		return true
	}
	if !requested && ctx.Err() == nil && !shuttingDown {
		return false
	}

	code, msg := protocol.CodeAbortedByUser, "task aborted"
	if !requested {
		code, msg = protocol.CodeAbortedByShutdown, "server is shutting down"
	}
	o.finalize(task, StateAborted, "", &TaskError{Code: code, Message: msg})
	return true
}

// transition applies a non-terminal state change under the DAG.
func (o *Orchestrator) transition(task *Task, to string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(task.State, to) {
		return invalidTransition(task.State, to)
	}
	task.State = to
	task.Updated = time.Now().UTC()
	return nil
}

// finalize moves the task to a terminal state once and fans out the
// chat.response notification.
func (o *Orchestrator) finalize(task *Task, state, result string, taskErr *TaskError) {
	o.mu.Lock()
	if terminal(task.State) {
		o.mu.Unlock()
		return
	}
	if !canTransition(task.State, state) {
		// Abort can land from any non-terminal state.
		if state != StateAborted {
			o.mu.Unlock()
			return
		}
	}
	task.State = state
	task.Result = result
	task.Error = taskErr
	task.Updated = time.Now().UTC()
	snapshot := *task
	o.mu.Unlock()

	status := "success"
	event := protocol.TaskEventCompleted
	switch state {
	case StateFailed:
		status = "error"
		event = protocol.TaskEventFailed
	case StateAborted:
		status = "aborted"
		event = protocol.TaskEventAborted
	}

	payload := map[string]any{
		"taskId":    snapshot.ID,
		"channelId": snapshot.Message.ChannelID,
		"status":    status,
	}
	if snapshot.Result != "" {
		payload["result"] = snapshot.Result
	}
	if snapshot.Error != nil {
		payload["error"] = map[string]any{
			"code":    snapshot.Error.Code,
			"message": snapshot.Error.Message,
		}
	}
	o.emitTaskEvent(event, &snapshot, nil)
	o.events.Broadcast(bus.Event{Name: protocol.EventChatResponse, Payload: payload})
	slog.Info("task finished", "task", snapshot.ID, "state", state)
}

func (o *Orchestrator) emitTaskEvent(kind string, task *Task, extra map[string]any) {
	payload := map[string]any{
		"type":      kind,
		"taskId":    task.ID,
		"channelId": task.Message.ChannelID,
		"state":     task.State,
	}
	for k, v := range extra {
		payload[k] = v
	}
	o.events.Broadcast(bus.Event{Name: kind, Payload: payload})
}
