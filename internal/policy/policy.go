// Package policy implements the safety guards applied to every tool
// invocation: workspace path containment, SSRF classification, command
// gating, and size/time caps. All checks are deterministic; the only I/O
// is filesystem metadata for symlink resolution and DNS for hostname
// classification.
package policy

import "time"

// Bundle is the per-invocation policy handed to the tool runtime.
type Bundle struct {
	WorkspaceRoot string
	Allowlist     []string // admitted argv[0] values for system.run
	Denylist      []string // extra deny regexes on top of the built-ins
	MaxBytes      int64    // read/write and output cap
	Timeout       time.Duration
}

// Defaults applied when a field is unset.
const (
	DefaultMaxBytes = 2 << 20
	DefaultTimeout  = 30 * time.Second
)

// Normalize fills unset caps with defaults.
func (b Bundle) Normalize() Bundle {
	if b.MaxBytes <= 0 {
		b.MaxBytes = DefaultMaxBytes
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultTimeout
	}
	return b
}

// Violation is a policy rejection with a stable code for the client.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string { return v.Message }

func violation(code, msg string) *Violation {
	return &Violation{Code: code, Message: msg}
}
