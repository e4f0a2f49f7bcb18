package orchestrator

import (
	"strings"
	"time"

	"github.com/munlucky/moonbot/pkg/protocol"
)

// Failure classes assigned by the replanner.
const (
	ClassNetwork    = "NETWORK"
	ClassPermission = "PERMISSION"
	ClassValidation = "VALIDATION"
	ClassNotFound   = "NOT_FOUND"
	ClassResource   = "RESOURCE"
	ClassTimeout    = "TIMEOUT"
	ClassUnknown    = "UNKNOWN"
)

// Recovery directives.
const (
	DirectiveRetry           = "RETRY"
	DirectiveUseAlternative  = "USE_ALTERNATIVE"
	DirectiveRequestApproval = "REQUEST_APPROVAL"
	DirectiveAbort           = "ABORT"
)

// Recovery limits.
const (
	maxStepRetries      = 3
	maxStepAlternatives = 2
	// DefaultRecoveryWindow bounds total recovery time per task.
	DefaultRecoveryWindow = 10 * time.Minute
)

// RecoveryPlan is one replanner decision.
type RecoveryPlan struct {
	Directive       string
	AlternativeTool string
}

// stepRecovery tracks per-step attempt budgets during the loop.
type stepRecovery struct {
	retries      int
	alternatives int
	firstFailure time.Time
}

// Replanner maps step failures to recovery directives within fixed budgets.
// Alternatives maps a tool id to substitute tools tried in order.
type Replanner struct {
	Alternatives map[string][]string
	Window       time.Duration
}

func NewReplanner() *Replanner {
	return &Replanner{
		Alternatives: map[string][]string{},
		Window:       DefaultRecoveryWindow,
	}
}

// Classify assigns a failure class from the stable error code, falling back
// to message sniffing for transport-level failures.
func Classify(code, message string) string {
	switch code {
	case protocol.CodeValidationError, protocol.CodeInvalidInput:
		return ClassValidation
	case protocol.CodeAuthFailed, protocol.CodeUnauthorizedApp,
		protocol.CodeApprovalDenied, protocol.CodeApprovalExpired,
		protocol.CodeInvalidPath, protocol.CodeSSRFBlocked,
		protocol.CodeCommandBlocked, protocol.CodeProtocolNotAllowed:
		return ClassPermission
	case protocol.CodeTimeout:
		return ClassTimeout
	case protocol.CodeQueueFull, protocol.CodeResourceExhausted,
		protocol.CodeConcurrencyLimit, protocol.CodeSizeLimit:
		return ClassResource
	case protocol.CodeNotFound, protocol.CodeToolNotFound, protocol.CodeSessionNotFound:
		return ClassNotFound
	}

	lower := strings.ToLower(message)
	for _, marker := range []string{"connection refused", "connection reset", "no such host", "network", "dial tcp", "eof", "broken pipe"} {
		if strings.Contains(lower, marker) {
			return ClassNetwork
		}
	}
	return ClassUnknown
}

// Decide returns the recovery plan for a failed step. Validation and policy
// failures never retry; transient classes retry up to the step budget, then
// fall through to alternatives when one is configured.
func (r *Replanner) Decide(class, toolID string, rec *stepRecovery, now time.Time) RecoveryPlan {
	if rec.firstFailure.IsZero() {
		rec.firstFailure = now
	}
	window := r.Window
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	if now.Sub(rec.firstFailure) > window {
		return RecoveryPlan{Directive: DirectiveAbort}
	}

	switch class {
	case ClassValidation, ClassPermission:
		return RecoveryPlan{Directive: DirectiveAbort}
	case ClassNotFound:
		return r.alternative(toolID, rec)
	case ClassNetwork, ClassTimeout, ClassResource, ClassUnknown:
		if rec.retries < maxStepRetries {
			rec.retries++
			return RecoveryPlan{Directive: DirectiveRetry}
		}
		return r.alternative(toolID, rec)
	}
	return RecoveryPlan{Directive: DirectiveAbort}
}

func (r *Replanner) alternative(toolID string, rec *stepRecovery) RecoveryPlan {
	alts := r.Alternatives[toolID]
	if rec.alternatives < len(alts) && rec.alternatives < maxStepAlternatives {
		alt := alts[rec.alternatives]
		rec.alternatives++
		return RecoveryPlan{Directive: DirectiveUseAlternative, AlternativeTool: alt}
	}
	return RecoveryPlan{Directive: DirectiveAbort}
}
