package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ShellTool executes a shell command in the configured workspace.
type ShellTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

func NewShellTool(workspace string, restrict bool) *ShellTool {
	return &ShellTool{
		workspace: workspace,
		restrict:  restrict,
		timeout:   60 * time.Second,
	}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command and return its output"
}

func (t *ShellTool) Timeout() time.Duration { return t.timeout }

// SetTimeout overrides the default 60s command timeout.
func (t *ShellTool) SetTimeout(d time.Duration) {
	if d > 0 {
		t.timeout = d
	}
}

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := StringArg(args, "command", "")
	if command == "" {
		return "", fmt.Errorf("shell: command is required")
	}

	cwd := t.workspace
	if wd := StringArg(args, "working_dir", ""); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return "", fmt.Errorf("shell: %w", err)
		}
		cwd = resolved
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("shell: command timed out after %s", t.timeout)
		}
		if out == "" {
			out = err.Error()
		}
		return "", fmt.Errorf("shell: %s", out)
	}

	if out == "" {
		out = "(command completed with no output)"
	}
	return out, nil
}
