package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/lomu/internal/files"
	"github.com/jordanhubbard/lomu/pkg/messages"
)

// RegisterWorkspace adds the file tools backed by mgr plus update_tasks.
func RegisterWorkspace(r *Registry, mgr *files.Manager) {
	r.Register(readFileTool{mgr})
	r.Register(listFilesTool{mgr})
	r.Register(searchFilesTool{mgr})
	r.Register(writeFileTool{mgr})
	r.Register(deleteFileTool{mgr})
	r.Register(UpdateTasksTool{})
}

func pathParams(extra map[string]interface{}, required ...string) map[string]interface{} {
	props := map[string]interface{}{
		"path": map[string]interface{}{"type": "string", "description": "Path relative to the workspace root"},
	}
	for k, v := range extra {
		props[k] = v
	}
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

type readFileTool struct{ mgr *files.Manager }

func (readFileTool) Kind() Kind { return KindReadFile }

func (readFileTool) Spec() Spec {
	return Spec{Name: KindReadFile.String(), Description: "Read a text file from the workspace", Parameters: pathParams(nil, "path")}
}

func (readFileTool) Describe(args map[string]interface{}) (string, []string) {
	p := optionalString(args, "path", "")
	return "read " + p, []string{p}
}

func (t readFileTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	res, err := t.mgr.ReadFile(ctx, env.UserID, path)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: res.Content}, nil
}

type listFilesTool struct{ mgr *files.Manager }

func (listFilesTool) Kind() Kind { return KindListFiles }

func (listFilesTool) Spec() Spec {
	return Spec{Name: KindListFiles.String(), Description: "List files and directories", Parameters: pathParams(map[string]interface{}{
		"depth": map[string]interface{}{"type": "integer", "description": "Maximum depth"},
	})}
}

func (listFilesTool) Describe(args map[string]interface{}) (string, []string) {
	p := optionalString(args, "path", ".")
	return "list " + p, []string{p}
}

func (t listFilesTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	entries, err := t.mgr.ListTree(ctx, env.UserID, optionalString(args, "path", "."), optionalInt(args, "depth", 0), 0)
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	for _, e := range entries {
		if e.Type == "dir" {
			b.WriteString(e.Path + "/\n")
		} else {
			b.WriteString(e.Path + "\n")
		}
	}
	return Result{Output: b.String()}, nil
}

type searchFilesTool struct{ mgr *files.Manager }

func (searchFilesTool) Kind() Kind { return KindSearchFiles }

func (searchFilesTool) Spec() Spec {
	return Spec{Name: KindSearchFiles.String(), Description: "Search file contents for a literal string", Parameters: pathParams(map[string]interface{}{
		"query": map[string]interface{}{"type": "string"},
	}, "query")}
}

func (searchFilesTool) Describe(args map[string]interface{}) (string, []string) {
	return "search for " + optionalString(args, "query", ""), []string{optionalString(args, "path", ".")}
}

func (t searchFilesTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return Result{}, err
	}
	hits, err := t.mgr.SearchText(ctx, env.UserID, optionalString(args, "path", "."), query, 0)
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "%s:%d: %s\n", h.Path, h.Line, h.Text)
	}
	if len(hits) == 0 {
		b.WriteString("no matches\n")
	}
	return Result{Output: b.String()}, nil
}

type writeFileTool struct{ mgr *files.Manager }

func (writeFileTool) Kind() Kind { return KindWriteFile }

func (writeFileTool) Spec() Spec {
	return Spec{Name: KindWriteFile.String(), Description: "Create or overwrite a file", Parameters: pathParams(map[string]interface{}{
		"content": map[string]interface{}{"type": "string"},
	}, "path", "content")}
}

func (writeFileTool) Describe(args map[string]interface{}) (string, []string) {
	p := optionalString(args, "path", "")
	return "write " + p, []string{p}
}

func (t writeFileTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return Result{}, err
	}
	res, err := t.mgr.WriteFile(ctx, env.UserID, path, content)
	if err != nil {
		return Result{}, err
	}
	action := "modified"
	if res.Created {
		action = "created"
	}
	return Result{
		Output:      fmt.Sprintf("wrote %d bytes to %s", res.BytesWritten, res.Path),
		FileChanges: []messages.FileChangedPayload{{Path: res.Path, Action: action}},
	}, nil
}

type deleteFileTool struct{ mgr *files.Manager }

func (deleteFileTool) Kind() Kind { return KindDeleteFile }

func (deleteFileTool) Spec() Spec {
	return Spec{Name: KindDeleteFile.String(), Description: "Delete a file", Parameters: pathParams(nil, "path")}
}

func (deleteFileTool) Describe(args map[string]interface{}) (string, []string) {
	p := optionalString(args, "path", "")
	return "delete " + p, []string{p}
}

func (t deleteFileTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	if err := t.mgr.DeleteFile(ctx, env.UserID, path); err != nil {
		return Result{}, err
	}
	return Result{
		Output:      "deleted " + path,
		FileChanges: []messages.FileChangedPayload{{Path: path, Action: "deleted"}},
	}, nil
}

// UpdateTasksTool lets the model publish its task list to the client.
type UpdateTasksTool struct{}

func (UpdateTasksTool) Kind() Kind { return KindUpdateTasks }

func (UpdateTasksTool) Spec() Spec {
	return Spec{
		Name:        KindUpdateTasks.String(),
		Description: "Replace the visible task list",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tasks": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"id":     map[string]interface{}{"type": "string"},
							"title":  map[string]interface{}{"type": "string"},
							"status": map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
					},
				},
			},
			"required": []string{"tasks"},
		},
	}
}

func (UpdateTasksTool) Describe(args map[string]interface{}) (string, []string) {
	return "update task list", nil
}

func (UpdateTasksTool) Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error) {
	raw, ok := args["tasks"]
	if !ok {
		return Result{}, fmt.Errorf("missing argument %q", "tasks")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Result{}, fmt.Errorf("invalid tasks: %w", err)
	}
	var tasks []messages.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return Result{}, fmt.Errorf("invalid tasks: %w", err)
	}
	for i := range tasks {
		if tasks[i].Status == "" {
			tasks[i].Status = "pending"
		}
	}
	return Result{Output: fmt.Sprintf("task list updated (%d tasks)", len(tasks)), Tasks: tasks}, nil
}
