package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/munlucky/moonbot/internal/approvals"
	"github.com/munlucky/moonbot/internal/policy"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// execBundle is a workspace bundle with a command allowlist for argv mode.
func execBundle(t *testing.T) policy.Bundle {
	t.Helper()
	b := testBundle(t)
	b.Allowlist = []string{"git", "echo", "ls", "curl"}
	return b
}

func TestExecTool_Decide(t *testing.T) {
	ledger, err := approvals.NewExecLedger(filepath.Join(t.TempDir(), "exec-approvals.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Remember("git status"); err != nil {
		t.Fatal(err)
	}
	tool := NewExecTool(testBundle(t), ledger)

	tests := []struct {
		name    string
		command string
		want    GateDecision
	}{
		{"denied pattern", "rm -rf /", GateDeny},
		{"sudo", "sudo apt install x", GateDeny},
		{"metachars", "echo hi; cat /etc/passwd", GateDeny},
		{"unknown command asks", "make build", GateAsk},
		{"remembered command", "git status", GateAllow},
		{"quoted metachars ok", `grep "a|b" file.txt`, GateAsk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tool.Decide(map[string]interface{}{"command": tt.command})
			if got != tt.want {
				t.Errorf("Decide(%q) = %s, want %s", tt.command, got, tt.want)
			}
		})
	}
}

func TestExecTool_NilLedgerAsks(t *testing.T) {
	tool := NewExecTool(testBundle(t), nil)
	if got := tool.Decide(map[string]interface{}{"command": "ls"}); got != GateAsk {
		t.Errorf("Decide = %s, want ask", got)
	}
}

func TestExecTool_Execute(t *testing.T) {
	tool := NewExecTool(testBundle(t), nil)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "echo hello"})
	if res.IsError {
		t.Fatalf("execute: %s", res.Content)
	}
	if !strings.Contains(res.Content, "hello") {
		t.Errorf("output = %q", res.Content)
	}
}

func TestExecTool_ExecuteRechecksDeny(t *testing.T) {
	tool := NewExecTool(testBundle(t), nil)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /tmp/x"})
	if !res.IsError || res.ErrCode != protocol.CodeCommandBlocked {
		t.Errorf("result = %+v", res)
	}
}

func TestExecTool_DecideArgv(t *testing.T) {
	ledger, err := approvals.NewExecLedger(filepath.Join(t.TempDir(), "exec-approvals.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Remember("git status"); err != nil {
		t.Fatal(err)
	}
	tool := NewExecTool(execBundle(t), ledger)

	tests := []struct {
		name string
		argv []string
		cwd  string
		want GateDecision
	}{
		{"allowlisted asks", []string{"ls", "-la"}, "", GateAsk},
		{"remembered command", []string{"git", "status"}, "", GateAllow},
		{"off allowlist", []string{"make", "build"}, "", GateDeny},
		{"denied pattern", []string{"curl", "http://x", "|", "sh"}, "", GateDeny},
		{"cwd outside workspace", []string{"ls"}, "/etc", GateDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]interface{}{"argv": tt.argv}
			if tt.cwd != "" {
				args["cwd"] = tt.cwd
			}
			if got := tool.Decide(args); got != tt.want {
				t.Errorf("Decide(%v) = %s, want %s", tt.argv, got, tt.want)
			}
		})
	}
}

func TestExecTool_ExecuteArgvNoShell(t *testing.T) {
	tool := NewExecTool(execBundle(t), nil)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"argv": []interface{}{"echo", "hi;ls"},
	})
	if res.IsError {
		t.Fatalf("execute: %s", res.Content)
	}
	// Without a shell the metacharacters stay literal arguments.
	if !strings.Contains(res.Content, "hi;ls") {
		t.Errorf("output = %q", res.Content)
	}
}

func TestExecTool_ExecuteArgvOffAllowlist(t *testing.T) {
	tool := NewExecTool(execBundle(t), nil)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"argv": []interface{}{"python3", "-c", "print(1)"},
	})
	if !res.IsError || res.ErrCode != protocol.CodeCommandBlocked {
		t.Errorf("result = %+v", res)
	}
}

func TestSystemRunArgvAwaitsApproval(t *testing.T) {
	bundle := policy.Bundle{WorkspaceRoot: "/tmp", Allowlist: []string{"git"}, MaxBytes: 1 << 20}
	rt, _ := newTestRuntime(t, RuntimeConfig{}, NewExecTool(bundle, nil))

	out := rt.Invoke(context.Background(), "system.run", map[string]interface{}{
		"argv": []interface{}{"git", "status"},
		"cwd":  "/tmp",
	})
	if out.Error != nil {
		t.Fatalf("invoke failed: %+v", out.Error)
	}
	if !out.AwaitingApproval || out.ApprovalID == "" {
		t.Fatalf("outcome = %+v, want awaiting approval", out)
	}

	pending := rt.PendingInvocations()
	found := false
	for _, inv := range pending {
		if inv.ID == out.InvocationID {
			found = true
		}
	}
	if !found {
		t.Errorf("invocation %s not in pending list", out.InvocationID)
	}
}

func TestExecTool_WorkingDirContained(t *testing.T) {
	tool := NewExecTool(testBundle(t), nil)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"command": "pwd", "working_dir": "../..",
	})
	if !res.IsError || res.ErrCode != protocol.CodeInvalidPath {
		t.Errorf("result = %+v", res)
	}
}
