package models

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timedOut"
)

// ApprovalRequest asks a user to allow a sensitive operation.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId"`
	Operation         string         `json:"operation"`
	AffectedResources []string       `json:"resources"`
	CreatedAt         time.Time      `json:"createdAt"`
	Deadline          time.Time      `json:"deadline"`
	Status            ApprovalStatus `json:"status"`
	// Reason distinguishes how a request ended: approved, rejected,
	// timed_out, offline or cancelled.
	Reason     string     `json:"reason,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
