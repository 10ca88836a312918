package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/lomu/internal/files"
)

func newWorkspaceRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	r := NewRegistry()
	RegisterWorkspace(r, files.NewManager(files.RootResolver{Root: root}))
	return r, filepath.Join(root, "u1")
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range AllKinds {
		got, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("rm_rf")
	assert.False(t, ok)
}

func TestDefaultSensitivity(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.IsSensitive(KindWriteFile))
	assert.True(t, r.IsSensitive(KindDeleteFile))
	assert.False(t, r.IsSensitive(KindReadFile))
	assert.False(t, r.IsSensitive(KindUpdateTasks))
}

func TestSetSensitive(t *testing.T) {
	r := NewRegistry()
	unknown := r.SetSensitive([]string{"delete_file", "format_disk"})
	assert.Equal(t, []string{"format_disk"}, unknown)
	assert.True(t, r.IsSensitive(KindDeleteFile))
	assert.False(t, r.IsSensitive(KindWriteFile))
}

func TestReadOnlyKinds(t *testing.T) {
	assert.True(t, KindReadFile.ReadOnly())
	assert.True(t, KindSearchFiles.ReadOnly())
	assert.False(t, KindWriteFile.ReadOnly())
	assert.False(t, KindUpdateTasks.ReadOnly())
}

func TestExecuteUnknownToolIsToolError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), Env{UserID: "u1"}, "nope", nil)
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestWorkspaceToolsEndToEnd(t *testing.T) {
	r, dir := newWorkspaceRegistry(t)
	ctx := context.Background()
	env := Env{UserID: "u1", RunID: "run-1"}

	res, err := r.Execute(ctx, env, "write_file", map[string]interface{}{"path": "a.txt", "content": "alpha\nbeta\n"})
	require.NoError(t, err)
	require.Len(t, res.FileChanges, 1)
	assert.Equal(t, "created", res.FileChanges[0].Action)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", string(data))

	res, err = r.Execute(ctx, env, "read_file", map[string]interface{}{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", res.Output)

	res, err = r.Execute(ctx, env, "search_files", map[string]interface{}{"query": "beta"})
	require.NoError(t, err)
	assert.Equal(t, "a.txt:2: beta\n", res.Output)

	res, err = r.Execute(ctx, env, "list_files", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\n", res.Output)

	res, err = r.Execute(ctx, env, "delete_file", map[string]interface{}{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "deleted", res.FileChanges[0].Action)

	_, err = r.Execute(ctx, env, "read_file", map[string]interface{}{"path": "a.txt"})
	assert.Error(t, err)
}

func TestMissingArgument(t *testing.T) {
	r, _ := newWorkspaceRegistry(t)
	_, err := r.Execute(context.Background(), Env{UserID: "u1"}, "write_file", map[string]interface{}{"path": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing argument "content"`)
}

func TestUpdateTasks(t *testing.T) {
	r, _ := newWorkspaceRegistry(t)
	res, err := r.Execute(context.Background(), Env{UserID: "u1"}, "update_tasks", map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"id": "1", "title": "Read code"},
			map[string]interface{}{"id": "2", "title": "Fix bug", "status": "in_progress"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "pending", res.Tasks[0].Status)
	assert.Equal(t, "in_progress", res.Tasks[1].Status)
}

func TestSpecsSorted(t *testing.T) {
	r, _ := newWorkspaceRegistry(t)
	specs := r.Specs()
	require.Len(t, specs, len(AllKinds))
	assert.Equal(t, "delete_file", specs[0].Name)
	assert.Equal(t, "write_file", specs[len(specs)-1].Name)
}

func TestDescribe(t *testing.T) {
	r, _ := newWorkspaceRegistry(t)
	tool, err := r.Lookup("delete_file")
	require.NoError(t, err)
	op, res := tool.Describe(map[string]interface{}{"path": "main.go"})
	assert.Equal(t, "delete main.go", op)
	assert.Equal(t, []string{"main.go"}, res)
}
