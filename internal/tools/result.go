package tools

// Result is the unified return type from tool execution.
type Result struct {
	Content   string `json:"content"`            // tool output
	IsError   bool   `json:"is_error"`           // marks error
	ErrCode   string `json:"err_code,omitempty"` // stable machine-readable code
	Truncated bool   `json:"truncated"`          // output was cut at the byte cap
	Err       error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(content string) *Result {
	return &Result{Content: content}
}

func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true}
}

// CodedError builds an error result carrying a stable code the dispatcher
// maps onto the wire.
func CodedError(code, message string) *Result {
	return &Result{Content: message, IsError: true, ErrCode: code}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
