package orchestrator

import (
	"fmt"
	"time"
)

// Task states.
const (
	StatePending          = "PENDING"
	StateRunning          = "RUNNING"
	StateAwaitingApproval = "AWAITING_APPROVAL"
	StateDone             = "DONE"
	StateFailed           = "FAILED"
	StateAborted          = "ABORTED"
)

// allowedTransitions is the task lifecycle DAG. Any non-terminal state may
// additionally move to ABORTED.
var allowedTransitions = map[string][]string{
	StatePending:          {StateRunning, StateAborted},
	StateRunning:          {StateAwaitingApproval, StateDone, StateFailed, StateAborted},
	StateAwaitingApproval: {StateRunning, StateFailed, StateAborted},
}

// TaskError is the terminal failure attached to a task. Message is safe to
// show users; Internal keeps the raw diagnostic for logs.
type TaskError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Internal string `json:"-"`
}

// Message is the inbound surface message a task is built from.
type Message struct {
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId,omitempty"` // channel-scoped session id
	UserID    string `json:"userId"`
	Text      string `json:"text"`
}

// Task is the unit of orchestration. The orchestrator is its only writer.
type Task struct {
	ID       string           `json:"id"`
	Message  Message          `json:"message"`
	State    string           `json:"state"`
	Result   string           `json:"result,omitempty"`
	Error    *TaskError       `json:"error,omitempty"`
	Recovery []RecoveryRecord `json:"recovery,omitempty"`
	Created  time.Time        `json:"created"`
	Updated  time.Time        `json:"updated"`

	abortRequested bool
}

// TaskResponse is the immediate acknowledgement for createTask.
type TaskResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// RecoveryRecord logs one replanner decision for observability.
type RecoveryRecord struct {
	TaskID    string    `json:"taskId"`
	StepID    string    `json:"stepId"`
	Class     string    `json:"class"`
	Directive string    `json:"directive"`
	At        time.Time `json:"at"`
}

func canTransition(from, to string) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func terminal(state string) bool {
	return state == StateDone || state == StateFailed || state == StateAborted
}

func invalidTransition(from, to string) error {
	return fmt.Errorf("invalid task transition %s -> %s", from, to)
}
