package protocol

// WebSocket notification names pushed from server to client.
const (
	EventChatResponse      = "chat.response"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalUpdated   = "approval.updated"
	EventShutdown          = "shutdown"
)

// Task event subtypes (in payload.type), emitted on the internal bus and
// forwarded to clients that asked for progress.
const (
	TaskEventStarted    = "task.started"
	TaskEventStep       = "task.step"
	TaskEventToolCall   = "tool.call"
	TaskEventToolResult = "tool.result"
	TaskEventRetrying   = "task.retrying"
	TaskEventCompleted  = "task.completed"
	TaskEventFailed     = "task.failed"
	TaskEventAborted    = "task.aborted"
)
