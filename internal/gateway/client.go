package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/munlucky/moonbot/pkg/protocol"
)

const (
	clientSendQueue = 256
	writeWait       = 10 * time.Second
	maxFrameBytes   = 1 << 20
)

// Client is one WebSocket connection. Reads run on the connection goroutine;
// each request is dispatched on its own goroutine so one slow handler never
// stalls the rest of the connection. Writes funnel through the send queue.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan []byte
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	authorized bool
	connected  bool
	clientType string
	version    string
	loopback   bool

	limiter *clientLimiter
}

func newClient(conn *websocket.Conn, s *Server, loopback bool) *Client {
	rpm, inFlight := s.limitsFor(false)
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, clientSendQueue),
		done:     make(chan struct{}),
		loopback: loopback,
		limiter:  newClientLimiter(rpm, inFlight),
	}
}

// ID returns the connection id assigned at upgrade.
func (c *Client) ID() string { return c.id }

// Authorized reports whether the client passed the connect handshake.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// markConnected records a successful handshake. Authenticated clients get
// the full rate budget.
func (c *Client) markConnected(clientType, version string, authorized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.clientType = clientType
	c.version = version
	if authorized && !c.authorized {
		c.authorized = true
		rpm, inFlight := c.server.limitsFor(true)
		c.limiter = newClientLimiter(rpm, inFlight)
	}
}

// limiterRef snapshots the limiter pointer; markConnected swaps it on a
// different goroutine than the read loop.
func (c *Client) limiterRef() *clientLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter
}

// run services the connection until it drops.
func (c *Client) run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError(nil, &protocol.Error{Code: protocol.CodeParseError, Message: "parse error"})
			continue
		}
		if req.Method == "" {
			c.sendError(req.ID, &protocol.Error{Code: protocol.CodeInvalidRequest, Message: "missing method"})
			continue
		}

		limiter := c.limiterRef()
		if !limiter.allow() {
			c.sendError(req.ID, &protocol.Error{Code: protocol.CodeRateLimited, Message: "rate limit exceeded"})
			continue
		}
		if !limiter.begin() {
			c.sendError(req.ID, &protocol.Error{
				Code:    protocol.CodeRateLimited,
				Message: "too many outstanding requests",
				Data:    &protocol.ErrorData{Code: protocol.CodeConcurrencyLimit},
			})
			continue
		}

		go func(req protocol.Request) {
			defer limiter.end()
			c.server.router.dispatch(ctx, c, &req)
		}(req)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("client write failed", "client", c.id, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendResponse writes a success frame echoing the request id.
func (c *Client) sendResponse(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, &protocol.Error{Code: protocol.CodeInternalError, Message: "encode result"})
		return
	}
	c.enqueue(protocol.Response{JSONRPC: "2.0", ID: normalizeID(id), Result: raw})
}

func (c *Client) sendError(id json.RawMessage, rpcErr *protocol.Error) {
	c.enqueue(protocol.Response{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr})
}

// sendEvent pushes a notification. Best effort: a saturated client drops it.
func (c *Client) sendEvent(method string, params any) {
	c.enqueue(protocol.NewNotification(method, params))
}

func (c *Client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("frame encode failed", "client", c.id, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("client send queue full, dropping frame", "client", c.id)
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// normalizeID keeps null ids explicit so the response frame always carries
// the id field.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
