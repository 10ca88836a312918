// Package audit is the fire-and-forget audit sink. Entries land in an
// in-memory ring buffer right away and are persisted to the audit_log table
// by a background worker when a database is configured.
package audit

import (
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/lomu/internal/database"
)

const (
	// MaxBufferSize is the maximum number of entries kept in memory
	MaxBufferSize = 10000

	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	persistQueueSize = 1024
)

var stderr io.Writer = os.Stderr

// Entry represents a single audit entry
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows Recent and Query results. Zero values match everything.
type Filter struct {
	Limit  int
	Level  string
	Source string
	UserID string
	Since  time.Time
	Until  time.Time
}

// Logger collects, buffers and persists audit entries.
type Logger struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *database.Database
	handlers []func(Entry)

	queue  chan Entry
	closed bool
	wg     sync.WaitGroup
}

// NewLogger creates a logger. db may be nil for a memory-only logger.
func NewLogger(db *database.Database) *Logger {
	l := &Logger{
		buffer: ring.New(MaxBufferSize),
		db:     db,
	}
	if db != nil {
		if err := l.initSchema(); err != nil {
			log.Printf("[Audit] Warning: failed to initialize audit schema: %v", err)
		}
		l.queue = make(chan Entry, persistQueueSize)
		l.wg.Add(1)
		go l.persistLoop()
	}
	return l
}

func (l *Logger) q(query string) string {
	if l.db.Dialect() == database.DialectPostgres {
		return database.Rebind(query)
	}
	return query
}

// initSchema creates the audit_log table if it doesn't exist
func (l *Logger) initSchema() error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if l.db.Dialect() == database.DialectPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
	}
	_, err := l.db.DB().Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			seq ` + idType + `,
			id TEXT NOT NULL UNIQUE,
			timestamp TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			user_id TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_log(source)",
		"CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id)",
	}
	for _, indexSQL := range indexes {
		if _, err := l.db.DB().Exec(indexSQL); err != nil {
			log.Printf("[Audit] Warning: failed to create index: %v", err)
		}
	}
	return nil
}

// Log records an entry. It never blocks on persistence: when the queue is
// full the entry stays in memory only.
func (l *Logger) Log(level, source, message string, metadata map[string]interface{}) {
	entry := Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	dropped := false
	l.mu.Lock()
	l.buffer.Value = entry
	l.buffer = l.buffer.Next()
	handlers := make([]func(Entry), len(l.handlers))
	copy(handlers, l.handlers)
	if l.queue != nil && !l.closed {
		select {
		case l.queue <- entry:
		default:
			dropped = true
		}
	}
	l.mu.Unlock()

	for _, handler := range handlers {
		go handler(entry)
	}
	if dropped {
		fmt.Fprintf(stderr, "[Audit] Persist queue full, keeping %s entry in memory only\n", source)
	}
}

func (l *Logger) persistLoop() {
	defer l.wg.Done()
	for entry := range l.queue {
		l.persist(entry)
	}
}

func (l *Logger) persist(entry Entry) {
	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}
	var userID *string
	if v := metaString(entry.Metadata, "user_id"); v != "" {
		userID = &v
	}

	_, err := l.db.DB().Exec(l.q(`
		INSERT INTO audit_log (id, timestamp, level, source, message, metadata_json, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadataJSON, userID)
	if err != nil {
		// Plain stderr: routing this through log could recurse via the interceptor.
		fmt.Fprintf(stderr, "[Audit] Failed to persist entry: %v\n", err)
	}
}

func (f Filter) match(e Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.UserID != "" && metaString(e.Metadata, "user_id") != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Recent returns matching entries from the buffer, newest first.
func (l *Logger) Recent(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	// The ring's current position is the oldest slot, so walk backwards.
	out := make([]Entry, 0, limit)
	r := l.buffer.Prev()
	for i := 0; i < MaxBufferSize && len(out) < limit; i++ {
		entry, ok := r.Value.(Entry)
		if !ok {
			break
		}
		if f.match(entry) {
			out = append(out, entry)
		}
		r = r.Prev()
	}
	return out
}

// Query reads persisted entries, falling back to the buffer without a
// database.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if l.db == nil {
		return l.Recent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM audit_log WHERE 1=1`
	args := make([]interface{}, 0)
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.DB().QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var metadataJSON *string
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if metadataJSON != nil && *metadataJSON != "" {
			if err := json.Unmarshal([]byte(*metadataJSON), &entry.Metadata); err != nil {
				log.Printf("[Audit] Warning: failed to unmarshal metadata: %v", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if val, ok := meta[key].(string); ok {
		return val
	}
	return ""
}

// AddHandler registers a handler called for each new entry.
func (l *Logger) AddHandler(handler func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

func (l *Logger) Info(source, message string, metadata map[string]interface{}) {
	l.Log(LevelInfo, source, message, metadata)
}

func (l *Logger) Warn(source, message string, metadata map[string]interface{}) {
	l.Log(LevelWarn, source, message, metadata)
}

func (l *Logger) Error(source, message string, metadata map[string]interface{}) {
	l.Log(LevelError, source, message, metadata)
}

// Close stops accepting persistence work and waits for queued entries.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed || l.queue == nil {
		l.closed = true
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}

// interceptWriter routes standard log output into the audit buffer while
// still writing it to the original destination.
type interceptWriter struct {
	logger *Logger
	out    io.Writer
}

// Write parses the "[Component] message" convention used across the
// service's log.Printf calls.
func (w *interceptWriter) Write(p []byte) (int, error) {
	if w.out != nil {
		_, _ = w.out.Write(p)
	}
	msg := strings.TrimSpace(string(p))
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}
	// log.Lshortfile adds "file.go:123: " before the message.
	if i := strings.Index(msg, ": "); i > 0 && strings.Contains(msg[:i], ".go:") && !strings.Contains(msg[:i], " ") {
		msg = strings.TrimSpace(msg[i+2:])
	}

	level := LevelInfo
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		level = LevelError
	} else if strings.Contains(lower, "warn") {
		level = LevelWarn
	}

	source := "system"
	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	w.logger.Log(level, source, msg, nil)
	return len(p), nil
}

// InstallLogInterceptor tees the standard logger into this audit log.
// Call once at startup.
func (l *Logger) InstallLogInterceptor() {
	log.SetOutput(&interceptWriter{logger: l, out: stderr})
}
