package orchestrator

import (
	"context"
	"testing"
)

func TestCommandPlanner(t *testing.T) {
	p := CommandPlanner{}
	ctx := context.Background()

	tests := []struct {
		name     string
		text     string
		wantTool string
		wantErr  bool
	}{
		{"run", "/run git status", "system.run", false},
		{"fetch", "/fetch https://example.com", "http.request", false},
		{"read", "/read notes.txt", "fs.read", false},
		{"ls with path", "/ls sub", "fs.list", false},
		{"ls bare", "/ls", "fs.list", false},
		{"write", "/write out.txt hello world", "fs.write", false},
		{"plain text echoes", "hello there", "", false},
		{"empty rejected", "   ", "", true},
		{"run without command", "/run", "", true},
		{"write without content", "/write only-path", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := p.Plan(ctx, Message{Text: tt.text})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(steps) != 1 {
				t.Fatalf("got %d steps", len(steps))
			}
			if steps[0].ToolID != tt.wantTool {
				t.Errorf("tool = %q, want %q", steps[0].ToolID, tt.wantTool)
			}
		})
	}
}

func TestCommandPlanner_WriteArgs(t *testing.T) {
	steps, err := CommandPlanner{}.Plan(context.Background(), Message{Text: "/write a/b.txt some content here"})
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Input["path"] != "a/b.txt" || steps[0].Input["content"] != "some content here" {
		t.Errorf("input = %v", steps[0].Input)
	}
}

func TestValidateSteps(t *testing.T) {
	ok := []Step{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}
	if err := validateSteps(ok); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}
	bad := []Step{{ID: "a", DependsOn: []string{"ghost"}}}
	if err := validateSteps(bad); err == nil {
		t.Error("dangling dependency accepted")
	}
}
