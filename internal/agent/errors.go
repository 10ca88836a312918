package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted ends a run whose context was cancelled.
	ErrAborted = errors.New("run aborted")
	// ErrRunActive is returned when a conversation already has a live run.
	ErrRunActive = errors.New("conversation already has an active run")
	// ErrRunNotFound is returned for unknown conversation ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrEmptyPrompt rejects runs without a prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// ProviderError is the model failure that ended a run after the round
// budget was spent.
type ProviderError struct {
	Round int
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("model call failed in round %d: %v", e.Round, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
