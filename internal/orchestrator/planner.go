package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// Step is one planned unit of work. A step with an empty ToolID produces its
// description as output without invoking the runtime.
type Step struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	ToolID      string                 `json:"toolId,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
	DependsOn   []string               `json:"dependsOn,omitempty"`
}

// Planner turns an inbound message into an ordered step list. Steps run
// strictly in order; DependsOn is validated for dangling references but does
// not reorder execution.
type Planner interface {
	Plan(ctx context.Context, msg Message) ([]Step, error)
}

// validateSteps rejects plans whose dependencies reference unknown steps.
func validateSteps(steps []Step) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}
	return nil
}

// CommandPlanner is the built-in deterministic planner. It understands a
// small slash-directive vocabulary and falls back to a tool-less echo step
// for plain text, which keeps the loop exercisable without a model attached.
type CommandPlanner struct{}

func (CommandPlanner) Plan(ctx context.Context, msg Message) ([]Step, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}

	directive, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch directive {
	case "/run":
		if rest == "" {
			return nil, fmt.Errorf("/run needs a command")
		}
		return []Step{{
			ID:          "s1",
			Description: "run shell command",
			ToolID:      "system.run",
			Input:       map[string]interface{}{"command": rest},
		}}, nil
	case "/fetch":
		if rest == "" {
			return nil, fmt.Errorf("/fetch needs a url")
		}
		return []Step{{
			ID:          "s1",
			Description: "fetch url",
			ToolID:      "http.request",
			Input:       map[string]interface{}{"url": rest},
		}}, nil
	case "/read":
		if rest == "" {
			return nil, fmt.Errorf("/read needs a path")
		}
		return []Step{{
			ID:          "s1",
			Description: "read file",
			ToolID:      "fs.read",
			Input:       map[string]interface{}{"path": rest},
		}}, nil
	case "/ls":
		input := map[string]interface{}{}
		if rest != "" {
			input["path"] = rest
		}
		return []Step{{
			ID:          "s1",
			Description: "list directory",
			ToolID:      "fs.list",
			Input:       input,
		}}, nil
	case "/write":
		path, content, ok := strings.Cut(rest, " ")
		if !ok || path == "" {
			return nil, fmt.Errorf("/write needs a path and content")
		}
		return []Step{{
			ID:          "s1",
			Description: "write file",
			ToolID:      "fs.write",
			Input:       map[string]interface{}{"path": path, "content": content},
		}}, nil
	}

	// Plain text: echo back. A model-backed planner replaces this.
	return []Step{{ID: "s1", Description: text}}, nil
}
