package model

import "time"

// CallStatus is the state of a voice call session.
type CallStatus string

const (
	CallPending    CallStatus = "pending"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallTimeout    CallStatus = "timeout"
	CallCancelled  CallStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallTimeout, CallCancelled:
		return true
	}
	return false
}

// CanTransition encodes pending -> in_progress -> terminal. A pending call may
// also end directly (e.g. rejected or never answered).
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallPending:
		return to == CallInProgress || to.Terminal()
	case CallInProgress:
		return to.Terminal()
	}
	return false
}

// CallSession tracks one voice call leg.
type CallSession struct {
	SessionID    string     `json:"session_id"`
	CallID       string     `json:"call_id"`
	ChatbotID    string     `json:"chatbot_id"`
	TenantID     string     `json:"tenant_id"`
	EndUserID    string     `json:"end_user_id"`
	Source       string     `json:"source"`
	Status       CallStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      time.Time  `json:"ended_at,omitempty"`
	Provider     string     `json:"provider"`
	// Token is the externally stored handle used for cross-process recovery.
	Token string `json:"token"`
}
