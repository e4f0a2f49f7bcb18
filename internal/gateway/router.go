package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/munlucky/moonbot/internal/sanitize"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// handlerFunc services one RPC method.
type handlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error)

// methodRouter maps RPC method names onto handlers and enforces the
// handshake requirement for everything except connect.
type methodRouter struct {
	server   *Server
	handlers map[string]handlerFunc
	// open methods are callable before the connect handshake.
	open map[string]bool
}

func newMethodRouter(s *Server) *methodRouter {
	r := &methodRouter{
		server:   s,
		handlers: make(map[string]handlerFunc),
		open:     map[string]bool{protocol.MethodConnect: true, protocol.MethodGatewayInfo: true},
	}
	r.registerAll()
	return r
}

func (r *methodRouter) register(method string, h handlerFunc) {
	r.handlers[method] = h
}

func (r *methodRouter) dispatch(ctx context.Context, c *Client, req *protocol.Request) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		if !req.IsNotification() {
			c.sendError(req.ID, &protocol.Error{
				Code:    protocol.CodeMethodNotFound,
				Message: fmt.Sprintf("unknown method: %s", req.Method),
			})
		}
		return
	}

	if !r.open[req.Method] && r.server.requiresAuth(c) && !c.Authorized() {
		if !req.IsNotification() {
			c.sendError(req.ID, &protocol.Error{
				Code:    protocol.CodeUnauthorized,
				Message: sanitize.AuthFailedMessage,
				Data:    &protocol.ErrorData{Code: protocol.CodeAuthFailed},
			})
		}
		return
	}

	result, rpcErr := handler(ctx, c, req.Params)
	if req.IsNotification() {
		return
	}
	if rpcErr != nil {
		rpcErr.Message = sanitize.Message(rpcErr.Message)
		c.sendError(req.ID, rpcErr)
		return
	}
	c.sendResponse(req.ID, result)
}

// decodeParams unmarshals params into dst, mapping failures onto the
// invalid-params error.
func decodeParams(params json.RawMessage, dst any) *protocol.Error {
	if len(params) == 0 {
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		slog.Debug("bad params", "error", err)
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: "malformed params"}
	}
	return nil
}

// appError wraps a stable application code into an RPC error.
func appError(rpcCode int, appCode, message string) *protocol.Error {
	return &protocol.Error{
		Code:    rpcCode,
		Message: message,
		Data:    &protocol.ErrorData{Code: appCode},
	}
}
