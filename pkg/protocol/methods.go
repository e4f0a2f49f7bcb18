package protocol

// RPC method name constants.

// Core dispatch surface
const (
	// Handshake and server state
	MethodConnect     = "connect"
	MethodGatewayInfo = "gateway.info"

	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Approvals
	MethodApprovalRespond = "approval.respond"
	MethodApprovalList    = "approval.list"

	// Tools
	MethodToolsList          = "tools.list"
	MethodToolsInvoke        = "tools.invoke"
	MethodToolsApprove       = "tools.approve"
	MethodToolsGetPending    = "tools.getPending"
	MethodToolsGetInvocation = "tools.getInvocation"
)

// Sessions
const (
	MethodSessionList    = "session.list"
	MethodSessionGet     = "session.get"
	MethodSessionPatch   = "session.patch"
	MethodSessionSend    = "session.send"
	MethodSessionDelete  = "session.delete"
	MethodSessionReset   = "session.reset"
	MethodSessionHistory = "session.history"
)

// Channels
const (
	MethodChannelList    = "channel.list"
	MethodChannelAdd     = "channel.add"
	MethodChannelRemove  = "channel.remove"
	MethodChannelEnable  = "channel.enable"
	MethodChannelDisable = "channel.disable"
)

// Config and diagnostics
const (
	MethodConfigGet   = "config.get"
	MethodConfigPatch = "config.patch"
	MethodLogsTail    = "logs.tail"
)
