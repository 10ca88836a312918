package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	return NewManager(RootResolver{Root: root}), filepath.Join(root, "u1")
}

func TestReadFile(t *testing.T) {
	mgr, dir := newTestManager(t)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	res, err := mgr.ReadFile(context.Background(), "u1", "README.md")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if res.Content != "hello" {
		t.Fatalf("unexpected content: %s", res.Content)
	}
}

func TestReadFilePathTraversal(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.ReadFile(context.Background(), "u1", "../secret.txt"); err == nil {
		t.Fatalf("expected path traversal error")
	}
	if _, err := mgr.ReadFile(context.Background(), "u1", "/etc/passwd"); err == nil {
		t.Fatalf("expected absolute path error")
	}
}

func TestUnsafeUserIDHasNoWorkspace(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.ListTree(context.Background(), "..", ".", 0, 0); err == nil {
		t.Fatalf("expected error for unsafe user id")
	}
}

func TestWriteListSearchDelete(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.WriteFile(ctx, "u1", "src/main.go", "package main\n// TODO fix\n")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !res.Created || res.Path != "src/main.go" {
		t.Fatalf("unexpected write result: %+v", res)
	}
	res, err = mgr.WriteFile(ctx, "u1", "src/main.go", "package main\n// TODO fix\n")
	if err != nil || res.Created {
		t.Fatalf("overwrite should not report created: %+v %v", res, err)
	}

	tree, err := mgr.ListTree(ctx, "u1", ".", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tree) != 2 || tree[0].Path != "src" || tree[1].Path != "src/main.go" {
		t.Fatalf("unexpected tree: %+v", tree)
	}

	hits, err := mgr.SearchText(ctx, "u1", ".", "TODO", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Line != 2 || hits[0].Path != "src/main.go" {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	if err := mgr.DeleteFile(ctx, "u1", "src"); err == nil {
		t.Fatalf("deleting a directory should fail")
	}
	if err := mgr.DeleteFile(ctx, "u1", "src/main.go"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.ReadFile(ctx, "u1", "src/main.go"); err == nil {
		t.Fatalf("file should be gone")
	}
}

func TestGitDirectoryIsBlocked(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.WriteFile(context.Background(), "u1", ".git/config", "x"); err == nil {
		t.Fatalf("expected blocked path error")
	}
}
