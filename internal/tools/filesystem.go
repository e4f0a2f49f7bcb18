package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/munlucky/moonbot/internal/policy"
)

// violationResult maps a guard rejection onto a coded tool error.
func violationResult(err error) *Result {
	var v *policy.Violation
	if errors.As(err, &v) {
		return CodedError(v.Code, v.Message)
	}
	return ErrorResult(err.Error())
}

// ReadFileTool reads file contents from inside the workspace.
type ReadFileTool struct {
	bundle policy.Bundle
}

func NewReadFileTool(bundle policy.Bundle) *ReadFileTool {
	return &ReadFileTool{bundle: bundle.Normalize()}
}

func (t *ReadFileTool) Name() string        { return "fs.read" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace root",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := policy.ResolvePath(path, t.bundle.WorkspaceRoot)
	if err != nil {
		return violationResult(err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrorResult(fmt.Sprintf("file not found: %s", path))
		}
		return ErrorResult(fmt.Sprintf("stat failed: %v", err))
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory", path))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read failed: %v", err))
	}
	clipped, truncated := policy.Truncate(data, t.bundle.MaxBytes)
	return &Result{Content: string(clipped), Truncated: truncated}
}

// WriteFileTool writes or appends file contents inside the workspace.
type WriteFileTool struct {
	bundle policy.Bundle
}

func NewWriteFileTool(bundle policy.Bundle) *WriteFileTool {
	return &WriteFileTool{bundle: bundle.Normalize()}
}

func (t *WriteFileTool) Name() string        { return "fs.write" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace root",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
			"append": map[string]interface{}{
				"type":        "boolean",
				"description": "Append instead of overwrite",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	content, _ := args["content"].(string)
	doAppend, _ := args["append"].(bool)

	if err := policy.CheckWriteSize(int64(len(content)), t.bundle.MaxBytes); err != nil {
		return violationResult(err)
	}
	resolved, err := policy.ResolvePath(path, t.bundle.WorkspaceRoot)
	if err != nil {
		return violationResult(err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dirs: %v", err))
	}

	if doAppend {
		f, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return ErrorResult(fmt.Sprintf("open failed: %v", err))
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return ErrorResult(fmt.Sprintf("append failed: %v", err))
		}
	} else if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("write failed: %v", err))
	}

	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	bundle policy.Bundle
}

func NewListDirTool(bundle policy.Bundle) *ListDirTool {
	return &ListDirTool{bundle: bundle.Normalize()}
}

func (t *ListDirTool) Name() string        { return "fs.list" }
func (t *ListDirTool) Description() string { return "List the entries of a workspace directory" }
func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path relative to the workspace root. Defaults to the root.",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	resolved, err := policy.ResolvePath(path, t.bundle.WorkspaceRoot)
	if err != nil {
		return violationResult(err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrorResult(fmt.Sprintf("directory not found: %s", path))
		}
		return ErrorResult(fmt.Sprintf("list failed: %v", err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(strings.Join(names, "\n"))
}
