package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePath_Restrict(t *testing.T) {
	ws := t.TempDir()

	if _, err := resolvePath("../outside.txt", ws, true); err == nil {
		t.Error("expected escape error for ../outside.txt")
	}
	if _, err := resolvePath("/etc/passwd", ws, true); err == nil {
		t.Error("expected escape error for absolute path")
	}
	got, err := resolvePath("sub/file.txt", ws, true)
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if got != filepath.Join(ws, "sub", "file.txt") {
		t.Errorf("resolved = %q", got)
	}

	// Unrestricted allows anything.
	if _, err := resolvePath("/etc/passwd", ws, false); err != nil {
		t.Errorf("unrestricted resolve: %v", err)
	}
}

func TestWriteThenReadFile(t *testing.T) {
	ws := t.TempDir()
	w := NewWriteFileTool(ws, true)
	r := NewReadFileTool(ws, true)

	if _, err := w.Execute(context.Background(), map[string]any{
		"path": "notes/todo.txt", "content": "buy milk",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := r.Execute(context.Background(), map[string]any{"path": "notes/todo.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "buy milk" {
		t.Errorf("content = %q", got)
	}
}

func TestReadFile_Missing(t *testing.T) {
	r := NewReadFileTool(t.TempDir(), true)
	if _, err := r.Execute(context.Background(), map[string]any{"path": "nope.txt"}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestListDir(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(ws, "a"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewListDirTool(ws, true)
	got, err := l.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 || lines[0] != "a/" || lines[1] != "b.txt" {
		t.Errorf("listing = %v", lines)
	}
}

func TestShell_Echo(t *testing.T) {
	sh := NewShellTool(t.TempDir(), true)
	got, err := sh.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if strings.TrimSpace(got) != "hello" {
		t.Errorf("output = %q", got)
	}
}

func TestShell_WorkingDirEscape(t *testing.T) {
	sh := NewShellTool(t.TempDir(), true)
	if _, err := sh.Execute(context.Background(), map[string]any{
		"command": "pwd", "working_dir": "../..",
	}); err == nil {
		t.Fatal("expected escape error")
	}
}
