package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/policy"
)

// ExecTool runs commands inside the workspace. Two input shapes are
// accepted: an argv array executed without a shell, admitted only when
// argv[0] is on the policy allowlist, and a raw command string handed to
// sh -c. Deny patterns apply to both; commands not on the remembered
// allowlist go through the approval gate before executing.
type ExecTool struct {
	bundle policy.Bundle
	ledger *approvals.ExecLedger // nil = every command asks
}

func NewExecTool(bundle policy.Bundle, ledger *approvals.ExecLedger) *ExecTool {
	return &ExecTool{bundle: bundle.Normalize(), ledger: ledger}
}

func (t *ExecTool) Name() string { return "system.run" }

func (t *ExecTool) Description() string {
	return "Run a command in the workspace, either as an argv array (no shell) or a raw shell string. Commands outside the remembered allowlist require approval."
}

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run via sh -c",
			},
			"argv": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"minItems":    1,
				"description": "Program and arguments, executed without a shell",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory, must stay inside the workspace root",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Alias for cwd",
			},
		},
		"anyOf": []interface{}{
			map[string]interface{}{"required": []string{"command"}},
			map[string]interface{}{"required": []string{"argv"}},
		},
	}
}

// QuotaGroup caps concurrent shell processes per user.
func (t *ExecTool) QuotaGroup() string { return "process" }

// Decide is the approval gate. Argv commands are admitted only when argv[0]
// is on the policy allowlist; raw shell additionally forbids unquoted
// metacharacters. Either way, denied patterns block outright and commands
// the ledger has not remembered as safe need a human decision.
func (t *ExecTool) Decide(args map[string]interface{}) GateDecision {
	cwd := cwdArg(args)
	if argv := argvArg(args); len(argv) > 0 {
		if err := policy.CheckCommand(argv, cwd, t.bundle); err != nil {
			return GateDeny
		}
		return t.ledgerDecision(strings.Join(argv, " "), cwd)
	}

	command, _ := args["command"].(string)
	if err := policy.CheckShellCommand(command, t.bundle); err != nil {
		return GateDeny
	}
	return t.ledgerDecision(command, cwd)
}

func (t *ExecTool) ledgerDecision(command, cwd string) GateDecision {
	if t.ledger == nil {
		return GateAsk
	}
	switch t.ledger.CheckCommand(command, cwd) {
	case approvals.DecisionAllow:
		return GateAllow
	case approvals.DecisionDeny:
		return GateDeny
	default:
		return GateAsk
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	argv := argvArg(args)
	command, _ := args["command"].(string)
	if len(argv) == 0 && command == "" {
		return ErrorResult("command or argv is required")
	}

	// Policy is rechecked here since approved invocations re-enter without
	// passing the gate.
	if len(argv) > 0 {
		if err := policy.CheckCommand(argv, cwdArg(args), t.bundle); err != nil {
			return violationResult(err)
		}
	} else if err := policy.CheckShellCommand(command, t.bundle); err != nil {
		return violationResult(err)
	}

	dir := t.bundle.WorkspaceRoot
	if wd := cwdArg(args); wd != "" {
		resolved, err := policy.ResolvePath(wd, t.bundle.WorkspaceRoot)
		if err != nil {
			return violationResult(err)
		}
		dir = resolved
	}

	var cmd *exec.Cmd
	display := command
	if len(argv) > 0 {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		display = strings.Join(argv, " ")
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result string
	if stdout.Len() > 0 {
		result = stdout.String()
	}
	if stderr.Len() > 0 {
		if result != "" {
			result += "\n"
		}
		result += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult("command timed out")
		}
		slog.Warn("command failed", "command", display, "error", err)
		if result == "" {
			result = err.Error()
		}
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, result))
	}
	if result == "" {
		result = "(no output)"
	}
	return NewResult(result)
}

// argvArg reads the argv input shape, accepting both decoded wire payloads
// and native string slices.
func argvArg(args map[string]interface{}) []string {
	switch raw := args["argv"].(type) {
	case []string:
		return raw
	case []interface{}:
		argv := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil
			}
			argv = append(argv, s)
		}
		return argv
	}
	return nil
}

// cwdArg reads the working directory, preferring cwd over its alias.
func cwdArg(args map[string]interface{}) string {
	if s, _ := args["cwd"].(string); s != "" {
		return s
	}
	s, _ := args["working_dir"].(string)
	return s
}
