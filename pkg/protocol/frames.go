package protocol

import "encoding/json"

// Version is the protocol revision echoed by connect and gateway.info.
const Version = "1"

// Request is a JSON-RPC 2.0 request frame. ID is nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame. Exactly one of Result and
// Error is set. ID echoes the request id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-to-client push frame. No id, no response.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is the JSON-RPC error object. Data carries the application code.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the stable application error code and optional details.
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// JSON-RPC protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined range.
	CodeUnauthorized = -32000
	CodeRateLimited  = -32001
	CodeUnavailable  = -32002
)

// NewRequest builds a request frame with a numeric id.
func NewRequest(id int64, method string, params any) (*Request, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return &Request{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams}, nil
}

// NewNotification builds a push frame for a named event.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}
