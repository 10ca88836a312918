// Package files gives agent tools bounded, path-safe access to a user's
// workspace directory.
package files

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultMaxFileBytes  = 1 << 20 // 1MB
	defaultMaxTreeItems  = 500
	defaultMaxTreeDepth  = 4
	defaultMaxSearchHits = 200
)

// WorkDirResolver maps a user to the directory their tools operate in.
type WorkDirResolver interface {
	WorkDir(userID string) string
}

// RootResolver places each user's workspace under Root/<userID>.
type RootResolver struct {
	Root string
}

func (r RootResolver) WorkDir(userID string) string {
	if r.Root == "" || userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return ""
	}
	return filepath.Join(r.Root, userID)
}

type Manager struct {
	WorkDirs WorkDirResolver
}

type FileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

type TreeEntry struct {
	Path  string `json:"path"`
	Type  string `json:"type"`
	Depth int    `json:"depth"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int64  `json:"bytes_written"`
	Created      bool   `json:"created"`
}

func NewManager(resolver WorkDirResolver) *Manager {
	return &Manager{WorkDirs: resolver}
}

func (m *Manager) ReadFile(ctx context.Context, userID, relPath string) (*FileResult, error) {
	target, err := m.resolve(userID, relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	if info.Size() > defaultMaxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes limit", defaultMaxFileBytes)
	}
	file, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	content, err := readWithLimit(file, defaultMaxFileBytes)
	if err != nil {
		return nil, err
	}
	return &FileResult{Path: filepath.ToSlash(filepath.Clean(relPath)), Content: content, Size: info.Size()}, nil
}

// ListTree walks relPath breadth-limited by maxDepth and limit.
func (m *Manager) ListTree(ctx context.Context, userID, relPath string, maxDepth, limit int) ([]TreeEntry, error) {
	workDir, err := m.workDir(userID)
	if err != nil {
		return nil, err
	}
	target, err := m.resolve(userID, relPath)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxTreeDepth
	}
	if limit <= 0 {
		limit = defaultMaxTreeItems
	}

	entries := make([]TreeEntry, 0)
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == target {
			return nil
		}
		if isBlockedPath(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		depth := depthFromPath(rel)
		if depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		entryType := "file"
		if d.IsDir() {
			entryType = "dir"
		}
		entries = append(entries, TreeEntry{Path: filepath.ToSlash(rel), Type: entryType, Depth: depth})
		if len(entries) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && err != io.EOF {
		return nil, err
	}
	return entries, nil
}

// SearchText returns lines under relPath that contain query.
func (m *Manager) SearchText(ctx context.Context, userID, relPath, query string, limit int) ([]SearchMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	workDir, err := m.workDir(userID)
	if err != nil {
		return nil, err
	}
	target, err := m.resolve(userID, relPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMaxSearchHits
	}

	matches := make([]SearchMatch, 0)
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if isBlockedPath(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if isBlockedPath(path) {
			return nil
		}
		found, err := searchFile(path, query, limit-len(matches))
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		for _, hit := range found {
			hit.Path = filepath.ToSlash(rel)
			matches = append(matches, hit)
		}
		if len(matches) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && err != io.EOF {
		return nil, err
	}
	return matches, nil
}

func searchFile(path, query string, remaining int) ([]SearchMatch, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > defaultMaxFileBytes {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hits []SearchMatch
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), defaultMaxFileBytes)
	line := 0
	for scanner.Scan() && len(hits) < remaining {
		line++
		if text := scanner.Text(); strings.Contains(text, query) {
			hits = append(hits, SearchMatch{Line: line, Text: text})
		}
	}
	return hits, nil
}

// WriteFile replaces relPath atomically, creating parent directories.
func (m *Manager) WriteFile(ctx context.Context, userID, relPath, content string) (*WriteResult, error) {
	if strings.TrimSpace(relPath) == "" {
		return nil, fmt.Errorf("path is required")
	}
	target, err := m.resolve(userID, relPath)
	if err != nil {
		return nil, err
	}
	if target == filepath.Clean(m.WorkDirs.WorkDir(userID)) {
		return nil, fmt.Errorf("path is a directory")
	}

	_, statErr := os.Stat(target)
	created := os.IsNotExist(statErr)

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	n, writeErr := tmpFile.WriteString(content)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write file: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return &WriteResult{Path: filepath.ToSlash(filepath.Clean(relPath)), BytesWritten: int64(n), Created: created}, nil
}

// DeleteFile removes a single file. Directories are refused.
func (m *Manager) DeleteFile(ctx context.Context, userID, relPath string) error {
	if strings.TrimSpace(relPath) == "" {
		return fmt.Errorf("path is required")
	}
	target, err := m.resolve(userID, relPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory")
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *Manager) workDir(userID string) (string, error) {
	if m.WorkDirs == nil {
		return "", fmt.Errorf("workspace resolver not configured")
	}
	workDir := m.WorkDirs.WorkDir(userID)
	if workDir == "" {
		return "", fmt.Errorf("workspace not found for user")
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return filepath.Clean(workDir), nil
}

func (m *Manager) resolve(userID, relPath string) (string, error) {
	workDir, err := m.workDir(userID)
	if err != nil {
		return "", err
	}
	target, err := safeJoin(workDir, relPath)
	if err != nil {
		return "", err
	}
	if isBlockedPath(target) {
		return "", fmt.Errorf("path is not allowed")
	}
	return target, nil
}

func safeJoin(base, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative")
	}
	joined := filepath.Join(base, clean)
	baseClean := filepath.Clean(base)
	if joined == baseClean {
		return joined, nil
	}
	if !strings.HasPrefix(joined, baseClean+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return joined, nil
}

func isBlockedPath(path string) bool {
	slash := filepath.ToSlash(path)
	return strings.Contains(slash, "/.git/") || strings.HasSuffix(slash, "/.git")
}

func depthFromPath(rel string) int {
	if rel == "." || rel == "" {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func readWithLimit(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("file exceeds %d bytes limit", limit)
	}
	return string(data), nil
}
