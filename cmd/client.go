package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// rpcClient is the CLI side of the gateway protocol: one connection, one
// outstanding call at a time. Notifications that arrive while waiting for a
// response are collected for callers that want them.
type rpcClient struct {
	conn   *websocket.Conn
	nextID int64
	notes  []protocol.Request
}

// dialGateway connects and performs the token handshake.
func dialGateway(ctx context.Context, cfg *config.Config) (*rpcClient, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", url, err)
	}
	c := &rpcClient{conn: conn}

	_, err = c.call(ctx, protocol.MethodConnect, map[string]any{
		"type":    "cli",
		"version": Version,
		"token":   cfg.Gateway.Token,
	})
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("gateway handshake: %w", err)
	}
	return c, nil
}

func (c *rpcClient) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends one request and blocks until its response arrives.
func (c *rpcClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.nextID++
	req, err := protocol.NewRequest(c.nextID, method, params)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	wantID, _ := json.Marshal(c.nextID)

	for {
		var frame struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *protocol.Error `json:"error"`
		}
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return nil, fmt.Errorf("read response for %s: %w", method, err)
		}
		if frame.Method != "" && len(frame.ID) == 0 {
			c.notes = append(c.notes, protocol.Request{Method: frame.Method, Params: frame.Params})
			continue
		}
		if string(frame.ID) != string(wantID) {
			continue
		}
		if frame.Error != nil {
			if frame.Error.Data != nil && frame.Error.Data.Code != "" {
				return nil, fmt.Errorf("%s (%s)", frame.Error.Message, frame.Error.Data.Code)
			}
			return nil, fmt.Errorf("%s", frame.Error.Message)
		}
		return frame.Result, nil
	}
}

// waitNotification blocks until a notification with the given method arrives.
func (c *rpcClient) waitNotification(ctx context.Context, method string) (json.RawMessage, error) {
	for i, n := range c.notes {
		if n.Method == method {
			c.notes = append(c.notes[:i], c.notes[i+1:]...)
			return n.Params, nil
		}
	}
	for {
		var frame struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return nil, err
		}
		if frame.Method == method {
			return frame.Params, nil
		}
	}
}

// loadClientConfig loads config for client-side commands.
func loadClientConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// printJSON pretty-prints an RPC result.
func printJSON(raw json.RawMessage) {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(out))
}
