package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates realtime channel messages.
type Type string

const (
	// Client -> server
	TypeRegister Type = "register"
	TypePing     Type = "ping"

	// Server -> client
	TypeRegistered       Type = "registered"
	TypePong             Type = "pong"
	TypeRunStarted       Type = "run_started"
	TypeStatus           Type = "status"
	TypeThought          Type = "thought"
	TypeTextChunk        Type = "text_chunk"
	TypeToolStart        Type = "tool_start"
	TypeToolResult       Type = "tool_result"
	TypeFileChanged      Type = "file_changed"
	TypeTaskUpdate       Type = "task_update"
	TypePlatformMetrics  Type = "platform_metrics"
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResolved Type = "approval_resolved"
	TypePreviewReady     Type = "preview_ready"
	TypePreviewError     Type = "preview_error"
	TypeCreditUpdate     Type = "credit_update"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeRegister: {}, TypePing: {}, TypeRegistered: {}, TypePong: {},
	TypeRunStarted: {}, TypeStatus: {}, TypeThought: {}, TypeTextChunk: {},
	TypeToolStart: {}, TypeToolResult: {}, TypeFileChanged: {}, TypeTaskUpdate: {},
	TypePlatformMetrics: {}, TypeApprovalRequest: {}, TypeApprovalResolved: {},
	TypePreviewReady: {}, TypePreviewError: {}, TypeCreditUpdate: {},
	TypeComplete: {}, TypeError: {},
}

// Known reports whether t is a message type this build understands.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ErrMissingType is returned by Parse for envelopes without a type.
var ErrMissingType = errors.New("message has no type")

// StreamMessage is the envelope for every realtime channel message.
// It is ephemeral and never persisted.
type StreamMessage struct {
	Type           Type            `json:"type"`
	SessionID      string          `json:"sessionId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// New builds a message with payload encoded as JSON. A nil payload is omitted.
func New(t Type, payload interface{}) *StreamMessage {
	msg := &StreamMessage{Type: t, Timestamp: time.Now()}
	if payload != nil {
		// Payload types in this package always marshal.
		data, err := json.Marshal(payload)
		if err == nil {
			msg.Payload = data
		}
	}
	return msg
}

// Register builds the first message a client sends after connecting.
func Register(sessionID, userID string) *StreamMessage {
	msg := New(TypeRegister, nil)
	msg.SessionID = sessionID
	msg.UserID = userID
	return msg
}

// ForConversation stamps the conversation and session identifiers.
func (m *StreamMessage) ForConversation(conversationID, sessionID string) *StreamMessage {
	m.ConversationID = conversationID
	m.SessionID = sessionID
	return m
}

// Decode unmarshals the payload into v.
func (m *StreamMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Parse decodes an envelope from the wire.
func Parse(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// StatusPayload carries human-readable progress text.
type StatusPayload struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

// RunStartedPayload announces a new agent run.
type RunStartedPayload struct {
	RunID           string `json:"runId"`
	MaxRounds       int    `json:"maxRounds"`
	ReservedCredits int64  `json:"reservedCredits"`
}

// ThoughtPayload carries model text produced during a round.
type ThoughtPayload struct {
	Round int    `json:"round"`
	Text  string `json:"text"`
}

// TextChunkPayload carries a fragment of streamed output.
type TextChunkPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload is emitted before a tool runs.
type ToolStartPayload struct {
	Round int                    `json:"round"`
	Tool  string                 `json:"tool"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

// ToolResultPayload is emitted after a tool finishes.
type ToolResultPayload struct {
	Round      int    `json:"round"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// FileChangedPayload reports a workspace mutation.
type FileChangedPayload struct {
	Path   string `json:"path"`
	Action string `json:"action"` // "written", "deleted"
}

// Task is one entry of the agent's task list.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"` // "pending", "in_progress", "completed"
}

// TaskUpdatePayload replaces the client's task list.
type TaskUpdatePayload struct {
	Tasks []Task `json:"tasks"`
}

// PlatformMetricsPayload carries platform health numbers.
type PlatformMetricsPayload struct {
	Metrics map[string]float64 `json:"metrics"`
}

// ApprovalRequestPayload prompts the user to approve an operation.
type ApprovalRequestPayload struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Resources []string  `json:"resources"`
	Deadline  time.Time `json:"deadline"`
}

// ApprovalResolvedPayload tells the client an approval prompt is closed.
type ApprovalResolvedPayload struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// PreviewReadyPayload points at a rendered preview.
type PreviewReadyPayload struct {
	URL string `json:"url"`
}

// PreviewErrorPayload reports a failed preview build.
type PreviewErrorPayload struct {
	Error string `json:"error"`
}

// CreditUpdatePayload mirrors the wallet after a ledger change.
type CreditUpdatePayload struct {
	AvailableCredits int64 `json:"availableCredits"`
	ReservedCredits  int64 `json:"reservedCredits"`
	TotalCredits     int64 `json:"totalCredits"`
}

// CompletePayload ends a successful run.
type CompletePayload struct {
	Output      string `json:"output"`
	Rounds      int    `json:"rounds"`
	TokensUsed  int    `json:"tokensUsed"`
	CreditsUsed int64  `json:"creditsUsed"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// ErrorPayload ends a failed run or reports a protocol error.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
