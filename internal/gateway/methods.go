package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/bus"
	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/internal/orchestrator"
	"github.com/munlucky/moonbot/internal/queue"
	"github.com/munlucky/moonbot/internal/sessions"
	"github.com/munlucky/moonbot/internal/tools"
	"github.com/munlucky/moonbot/pkg/protocol"
)

func (r *methodRouter) registerAll() {
	r.register(protocol.MethodConnect, r.handleConnect)
	r.register(protocol.MethodGatewayInfo, r.handleGatewayInfo)

	r.register(protocol.MethodChatSend, r.handleChatSend)
	r.register(protocol.MethodChatAbort, r.handleChatAbort)

	r.register(protocol.MethodApprovalRespond, r.handleApprovalRespond)
	r.register(protocol.MethodApprovalList, r.handleApprovalList)

	r.register(protocol.MethodToolsList, r.handleToolsList)
	r.register(protocol.MethodToolsInvoke, r.handleToolsInvoke)
	r.register(protocol.MethodToolsApprove, r.handleToolsApprove)
	r.register(protocol.MethodToolsGetPending, r.handleToolsGetPending)
	r.register(protocol.MethodToolsGetInvocation, r.handleToolsGetInvocation)

	r.register(protocol.MethodSessionList, r.handleSessionList)
	r.register(protocol.MethodSessionGet, r.handleSessionGet)
	r.register(protocol.MethodSessionHistory, r.handleSessionHistory)
	r.register(protocol.MethodSessionSend, r.handleSessionSend)
	r.register(protocol.MethodSessionPatch, r.handleSessionPatch)
	r.register(protocol.MethodSessionDelete, r.handleSessionDelete)
	r.register(protocol.MethodSessionReset, r.handleSessionReset)

	r.register(protocol.MethodChannelList, r.handleChannelList)
	r.register(protocol.MethodChannelAdd, r.handleChannelAdd)
	r.register(protocol.MethodChannelRemove, r.handleChannelRemove)
	r.register(protocol.MethodChannelEnable, r.handleChannelEnable)
	r.register(protocol.MethodChannelDisable, r.handleChannelDisable)

	r.register(protocol.MethodConfigGet, r.handleConfigGet)
	r.register(protocol.MethodConfigPatch, r.handleConfigPatch)
	r.register(protocol.MethodLogsTail, r.handleLogsTail)
}

// --- handshake ---

type connectParams struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Token   string `json:"token,omitempty"`
}

type connectResult struct {
	ClientID string `json:"clientId"`
	Protocol string `json:"protocol"`
}

func (r *methodRouter) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p connectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	gw := r.server.cfg.Gateway
	authorized := true
	if gw.TokenHash != "" {
		authorized = VerifyToken(p.Token, gw.TokenSalt, gw.TokenHash)
		if !authorized {
			return nil, appError(protocol.CodeUnauthorized, protocol.CodeAuthFailed, "AUTH_FAILED")
		}
	}
	c.markConnected(p.Type, p.Version, authorized)
	return connectResult{ClientID: c.id, Protocol: protocol.Version}, nil
}

func (r *methodRouter) handleGatewayInfo(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	s := r.server
	return map[string]any{
		"protocol":         protocol.Version,
		"uptimeSeconds":    int(s.Uptime().Seconds()),
		"clients":          s.ClientCount(),
		"tools":            len(s.runtime.Definitions()),
		"pendingApprovals": len(s.approvals.ListPending()),
	}, nil
}

// --- chat ---

type chatSendParams struct {
	AgentID   string `json:"agentId,omitempty"`
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Message   string `json:"message"`
}

func (r *methodRouter) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p chatSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ChannelID == "" || p.Message == "" {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "channelId and message are required")
	}
	if max := r.server.cfg.Gateway.MaxMessageChars; max > 0 && len([]rune(p.Message)) > max {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeSizeLimit, "message exceeds maximum length")
	}
	// With no channels registered, any channel id is accepted.
	if len(r.server.cfg.ListChannels()) > 0 && !r.server.cfg.ChannelEnabled(p.ChannelID) {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "channel is not enabled")
	}

	resp, err := r.server.orch.CreateTask(orchestrator.Message{
		AgentID:   p.AgentID,
		ChannelID: p.ChannelID,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Text:      p.Message,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, appError(protocol.CodeUnavailable, protocol.CodeQueueFull, "channel queue is full, retry later")
		}
		if errors.Is(err, queue.ErrStopped) {
			return nil, appError(protocol.CodeUnavailable, protocol.CodeAbortedByShutdown, "gateway is shutting down")
		}
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, err.Error())
	}
	return resp, nil
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

func (r *methodRouter) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p taskIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := r.server.orch.AbortTask(p.TaskID); err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			return nil, appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "task not found")
		}
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, err.Error())
	}
	return map[string]any{"taskId": p.TaskID, "aborted": true}, nil
}

// --- approvals ---

type approvalRespondParams struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
	UserID     string `json:"userId,omitempty"`
}

func (r *methodRouter) handleApprovalRespond(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p approvalRespondParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	by := p.UserID
	if by == "" {
		by = c.id
	}
	if err := r.server.orch.GrantApproval(p.ApprovalID, p.Approved, by); err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"approvalId": p.ApprovalID, "approved": p.Approved}, nil
}

func (r *methodRouter) handleApprovalList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	pending := r.server.approvals.ListPending()
	return map[string]any{"approvals": pending}, nil
}

// approvalError maps resolve failures onto their stable codes. A second
// response to the same request is a distinct error so callers can tell a
// race from a typo.
func approvalError(err error) *protocol.Error {
	switch {
	case errors.Is(err, approvals.ErrAlreadyResolved):
		return appError(protocol.CodeInvalidRequest, protocol.CodeAlreadyResolved, "approval already resolved")
	case errors.Is(err, approvals.ErrNotFound):
		return appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "approval not found")
	default:
		return appError(protocol.CodeInternalError, protocol.CodeUnknown, err.Error())
	}
}

// --- tools ---

func (r *methodRouter) handleToolsList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"tools": r.server.runtime.Definitions()}, nil
}

type toolsInvokeParams struct {
	ToolID    string                 `json:"toolId"`
	Args      map[string]interface{} `json:"args,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
}

func (r *methodRouter) handleToolsInvoke(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p toolsInvokeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ToolID == "" {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "toolId is required")
	}
	userID := p.UserID
	if userID == "" {
		userID = c.id
	}

	// Detach from the request context: the invocation outlives the RPC when
	// it parks on an approval.
	invokeCtx := tools.WithInvoker(context.Background(), userID, p.SessionID, "")
	outcome := r.server.runtime.Invoke(invokeCtx, p.ToolID, p.Args)

	if outcome.AwaitingApproval {
		// This goroutine is the invocation's sole waiter: it resumes the
		// tool once the approval resolves and pushes the final outcome.
		go r.server.resumeAfterApproval(outcome.ApprovalID, outcome.InvocationID)
	}
	return outcome, nil
}

// resumeAfterApproval blocks on the approval decision, resumes the parked
// invocation and broadcasts its final outcome.
func (s *Server) resumeAfterApproval(approvalID, invocationID string) {
	res, err := s.approvals.Wait(context.Background(), approvalID)
	if err != nil {
		return
	}
	final := s.runtime.Resume(context.Background(), invocationID)
	s.events.Broadcast(bus.Event{Name: protocol.EventApprovalUpdated, Payload: map[string]any{
		"approvalId":   approvalID,
		"invocationId": invocationID,
		"status":       string(res.Status),
		"outcome":      final,
	}})
}

type toolsApproveParams struct {
	InvocationID string `json:"invocationId"`
	Approved     bool   `json:"approved"`
	UserID       string `json:"userId,omitempty"`
}

func (r *methodRouter) handleToolsApprove(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p toolsApproveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, ok := r.server.approvals.GetByInvocation(p.InvocationID)
	if !ok {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "no approval for that invocation")
	}
	by := p.UserID
	if by == "" {
		by = c.id
	}
	if _, err := r.server.approvals.HandleResponse(req.ID, p.Approved, by); err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"invocationId": p.InvocationID, "approvalId": req.ID, "approved": p.Approved}, nil
}

func (r *methodRouter) handleToolsGetPending(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"invocations": r.server.runtime.PendingInvocations()}, nil
}

type invocationIDParams struct {
	InvocationID string `json:"invocationId"`
}

func (r *methodRouter) handleToolsGetInvocation(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p invocationIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	inv, ok := r.server.runtime.GetInvocation(p.InvocationID)
	if !ok {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "invocation not found")
	}
	return inv, nil
}

// --- sessions ---

type sessionListParams struct {
	AgentID string `json:"agentId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (r *methodRouter) handleSessionList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "malformed params")
		}
	}
	infos := r.server.sessions.List(p.AgentID, p.Limit, p.Offset)
	return map[string]any{"sessions": infos, "count": len(infos)}, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Key       string `json:"key,omitempty"`
}

func (r *methodRouter) resolveSession(p sessionIDParams) (sessions.Session, *protocol.Error) {
	var (
		sess sessions.Session
		err  error
	)
	switch {
	case p.SessionID != "":
		sess, err = r.server.sessions.Get(p.SessionID)
	case p.Key != "":
		sess, err = r.server.sessions.GetBySessionKey(p.Key)
	default:
		return sessions.Session{}, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "sessionId or key is required")
	}
	if err != nil {
		return sessions.Session{}, appError(protocol.CodeInvalidParams, protocol.CodeSessionNotFound, "session not found")
	}
	return sess, nil
}

func (r *methodRouter) handleSessionGet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, rpcErr := r.resolveSession(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	// session.get returns metadata; history is paged separately.
	sess.Entries = nil
	return sess, nil
}

type sessionHistoryParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Key       string `json:"key,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

func (r *methodRouter) handleSessionHistory(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionHistoryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, rpcErr := r.resolveSession(sessionIDParams{SessionID: p.SessionID, Key: p.Key})
	if rpcErr != nil {
		return nil, rpcErr
	}
	entries, err := r.server.sessions.Entries(sess.ID)
	if err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "read session history")
	}
	page := pageEntries(entries, p.Limit, p.Offset)
	return map[string]any{
		"sessionId": sess.ID,
		"entries":   page,
		"total":     len(entries),
	}, nil
}

// pageEntries applies list paging: default 50 entries, hard cap 500.
func pageEntries(entries []sessions.Entry, limit, offset int) []sessions.Entry {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []sessions.Entry{}
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end]
}

type sessionSendParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Key       string `json:"key,omitempty"`
	Message   string `json:"message"`
}

func (r *methodRouter) handleSessionSend(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "message is required")
	}
	sess, rpcErr := r.resolveSession(sessionIDParams{SessionID: p.SessionID, Key: p.Key})
	if rpcErr != nil {
		return nil, rpcErr
	}
	entry := sessions.Entry{Type: "user", Content: p.Message, Timestamp: time.Now().UTC()}
	if err := r.server.sessions.AppendEntry(sess.ID, entry); err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "append entry")
	}
	return map[string]any{"sessionId": sess.ID, "appended": true}, nil
}

type sessionPatchParams struct {
	SessionID string  `json:"sessionId"`
	UserID    *string `json:"userId,omitempty"`
	ChannelID *string `json:"channelId,omitempty"`
}

func (r *methodRouter) handleSessionPatch(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionPatchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, rpcErr := r.resolveSession(sessionIDParams{SessionID: p.SessionID})
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := r.server.sessions.ApplyPatch(sess.ID, sessions.Patch{UserID: p.UserID, ChannelID: p.ChannelID}); err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "patch session")
	}
	return map[string]any{"sessionId": sess.ID, "patched": true}, nil
}

func (r *methodRouter) handleSessionDelete(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, rpcErr := r.resolveSession(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := r.server.sessions.Delete(sess.ID); err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "delete session")
	}
	return map[string]any{"sessionId": sess.ID, "deleted": true}, nil
}

func (r *methodRouter) handleSessionReset(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, rpcErr := r.resolveSession(p)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := r.server.sessions.Reset(sess.ID); err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "reset session")
	}
	return map[string]any{"sessionId": sess.ID, "reset": true}, nil
}

// --- channels ---

func (r *methodRouter) handleChannelList(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"channels": r.server.cfg.ListChannels()}, nil
}

type channelAddParams struct {
	ID      string `json:"id"`
	Surface string `json:"surface"`
	Name    string `json:"name,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (r *methodRouter) handleChannelAdd(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p channelAddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	entry := config.ChannelEntry{ID: p.ID, Surface: p.Surface, Name: p.Name, Enabled: enabled}
	if err := r.server.cfg.AddChannel(entry); err != nil {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, err.Error())
	}
	r.server.persistConfig()
	return entry, nil
}

type channelIDParams struct {
	ID string `json:"id"`
}

func (r *methodRouter) handleChannelRemove(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p channelIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := r.server.cfg.RemoveChannel(p.ID); err != nil {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "channel not found")
	}
	r.server.persistConfig()
	return map[string]any{"id": p.ID, "removed": true}, nil
}

func (r *methodRouter) handleChannelEnable(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return r.setChannelEnabled(params, true)
}

func (r *methodRouter) handleChannelDisable(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return r.setChannelEnabled(params, false)
}

func (r *methodRouter) setChannelEnabled(params json.RawMessage, enabled bool) (any, *protocol.Error) {
	var p channelIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := r.server.cfg.SetChannelEnabled(p.ID, enabled); err != nil {
		return nil, appError(protocol.CodeInvalidParams, protocol.CodeNotFound, "channel not found")
	}
	r.server.persistConfig()
	return map[string]any{"id": p.ID, "enabled": enabled}, nil
}

// --- config ---

func (r *methodRouter) handleConfigGet(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	masked := r.server.cfg.MaskedCopy()
	return map[string]any{"config": masked, "hash": r.server.cfg.Hash()}, nil
}

func (r *methodRouter) handleConfigPatch(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var next config.Config
	if err := decodeParams(params, &next); err != nil {
		return nil, err
	}
	r.server.cfg.ApplyDynamic(&next)
	r.server.persistConfig()
	return map[string]any{"applied": true, "hash": r.server.cfg.Hash()}, nil
}

// persistConfig writes the live config back to disk when a path was set.
func (s *Server) persistConfig() {
	if s.cfgPath == "" {
		return
	}
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		// The in-memory change already applies; a failed write only costs
		// persistence across restarts.
		slog.Warn("config save failed", "path", s.cfgPath, "error", err)
	}
}

// --- logs ---

type logsTailParams struct {
	Lines int `json:"lines,omitempty"`
}

func (r *methodRouter) handleLogsTail(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	var p logsTailParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, appError(protocol.CodeInvalidParams, protocol.CodeInvalidInput, "malformed params")
		}
	}
	lines := p.Lines
	if lines <= 0 {
		lines = 100
	}
	if lines > 1000 {
		lines = 1000
	}

	path, err := newestLogFile(r.server.cfg.LogsPath())
	if err != nil {
		return map[string]any{"lines": []string{}, "file": ""}, nil
	}
	tail, err := tailLines(path, lines)
	if err != nil {
		return nil, appError(protocol.CodeInternalError, protocol.CodeUnknown, "read log file")
	}
	return map[string]any{"lines": tail, "file": filepath.Base(path)}, nil
}

// newestLogFile returns the most recently modified .log file in dir.
func newestLogFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", os.ErrNotExist
	}
	// Daily files sort by name, newest last.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// tailLines returns the last n lines of the file.
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
