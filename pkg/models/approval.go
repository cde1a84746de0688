package models

import "time"

// RiskLevel classifies how dangerous a gated tool call is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalStatus is the lifecycle state of an approval request.
// approved, rejected, expired and timeout are terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalTimeout  ApprovalStatus = "timeout"
)

// Terminal reports whether the approval reached a final state.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// Approval is a pending human-in-the-loop decision for one tool call.
// It holds a weak back-reference to the call and outlives it for audit.
type Approval struct {
	ID         string         `json:"id"`
	ToolCallID string         `json:"tool_call_id"`
	SessionID  string         `json:"session_id"`
	Risk       RiskLevel      `json:"risk"`
	RiskScore  float64        `json:"risk_score"`
	Rationale  string         `json:"rationale"`
	Status     ApprovalStatus `json:"status"`
	ResolverID string         `json:"resolver_id,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}
