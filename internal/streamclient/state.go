package streamclient

import (
	"log"
	"strings"
	"sync"

	"github.com/jordanhubbard/lomu/pkg/messages"
)

// ToolProgress is the latest known state of one tool invocation.
type ToolProgress struct {
	Round  int    `json:"round"`
	Tool   string `json:"tool"`
	Status string `json:"status"` // "running" until a result arrives
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
}

// View is the client-side projection of everything received on the stream.
// Each message type owns its own fields.
type View struct {
	Registered       bool                                       `json:"registered"`
	RunID            string                                     `json:"runId,omitempty"`
	StatusText       string                                     `json:"statusText,omitempty"`
	Phase            string                                     `json:"phase,omitempty"`
	Thoughts         []string                                   `json:"thoughts,omitempty"`
	Text             string                                     `json:"text,omitempty"`
	Tools            []ToolProgress                             `json:"tools,omitempty"`
	FilesChanged     []messages.FileChangedPayload              `json:"filesChanged,omitempty"`
	Tasks            []messages.Task                            `json:"tasks,omitempty"`
	Metrics          map[string]float64                         `json:"metrics,omitempty"`
	PendingApprovals map[string]messages.ApprovalRequestPayload `json:"pendingApprovals,omitempty"`
	PreviewURL       string                                     `json:"previewUrl,omitempty"`
	PreviewError     string                                     `json:"previewError,omitempty"`
	Credits          *messages.CreditUpdatePayload              `json:"credits,omitempty"`
	Complete         *messages.CompletePayload                  `json:"complete,omitempty"`
	Error            *messages.ErrorPayload                     `json:"error,omitempty"`
	Dropped          int                                        `json:"dropped"`
}

type viewState struct {
	mu   sync.Mutex
	view View
	text strings.Builder
}

func newViewState() *viewState {
	return &viewState{view: View{
		Metrics:          make(map[string]float64),
		PendingApprovals: make(map[string]messages.ApprovalRequestPayload),
	}}
}

func (s *viewState) snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.view
	v.Text = s.text.String()
	v.Thoughts = append([]string(nil), s.view.Thoughts...)
	v.Tools = append([]ToolProgress(nil), s.view.Tools...)
	v.FilesChanged = append([]messages.FileChangedPayload(nil), s.view.FilesChanged...)
	v.Tasks = append([]messages.Task(nil), s.view.Tasks...)
	v.Metrics = make(map[string]float64, len(s.view.Metrics))
	for k, val := range s.view.Metrics {
		v.Metrics[k] = val
	}
	v.PendingApprovals = make(map[string]messages.ApprovalRequestPayload, len(s.view.PendingApprovals))
	for k, val := range s.view.PendingApprovals {
		v.PendingApprovals[k] = val
	}
	return v
}

// apply folds one message into the view. Malformed or unknown messages are
// logged and counted, never fatal.
func (s *viewState) apply(msg *messages.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := func(err error) {
		s.view.Dropped++
		log.Printf("[StreamClient] Dropping %s message: %v", msg.Type, err)
	}

	switch msg.Type {
	case messages.TypeRegistered:
		s.view.Registered = true
	case messages.TypePong:
	case messages.TypeRunStarted:
		var p messages.RunStartedPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.RunID = p.RunID
		s.view.Complete = nil
		s.view.Error = nil
	case messages.TypeStatus:
		var p messages.StatusPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.StatusText = p.Message
		if p.Phase != "" {
			s.view.Phase = p.Phase
		}
	case messages.TypeThought:
		var p messages.ThoughtPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Thoughts = append(s.view.Thoughts, p.Text)
	case messages.TypeTextChunk:
		var p messages.TextChunkPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.text.WriteString(p.Text)
	case messages.TypeToolStart:
		var p messages.ToolStartPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Tools = append(s.view.Tools, ToolProgress{Round: p.Round, Tool: p.Tool, Status: "running"})
	case messages.TypeToolResult:
		var p messages.ToolResultPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		updated := false
		for i := len(s.view.Tools) - 1; i >= 0; i-- {
			t := &s.view.Tools[i]
			if t.Tool == p.Tool && t.Round == p.Round && t.Status == "running" {
				t.Status, t.Cached, t.Error = p.Status, p.Cached, p.Error
				updated = true
				break
			}
		}
		if !updated {
			s.view.Tools = append(s.view.Tools, ToolProgress{Round: p.Round, Tool: p.Tool, Status: p.Status, Cached: p.Cached, Error: p.Error})
		}
	case messages.TypeFileChanged:
		var p messages.FileChangedPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.FilesChanged = append(s.view.FilesChanged, p)
	case messages.TypeTaskUpdate:
		var p messages.TaskUpdatePayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Tasks = p.Tasks
	case messages.TypePlatformMetrics:
		var p messages.PlatformMetricsPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		for k, v := range p.Metrics {
			s.view.Metrics[k] = v
		}
	case messages.TypeApprovalRequest:
		var p messages.ApprovalRequestPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.PendingApprovals[p.ID] = p
	case messages.TypeApprovalResolved:
		var p messages.ApprovalResolvedPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		delete(s.view.PendingApprovals, p.ID)
	case messages.TypePreviewReady:
		var p messages.PreviewReadyPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.PreviewURL, s.view.PreviewError = p.URL, ""
	case messages.TypePreviewError:
		var p messages.PreviewErrorPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.PreviewError = p.Error
	case messages.TypeCreditUpdate:
		var p messages.CreditUpdatePayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Credits = &p
	case messages.TypeComplete:
		var p messages.CompletePayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Complete = &p
	case messages.TypeError:
		var p messages.ErrorPayload
		if err := msg.Decode(&p); err != nil {
			drop(err)
			return
		}
		s.view.Error = &p
	default:
		s.view.Dropped++
		log.Printf("[StreamClient] Ignoring unknown message type %q", msg.Type)
	}
}
