package model

import "time"

// AuthStatus is the login state of one end-user for one chatbot.
type AuthStatus string

const (
	AuthAnonymous     AuthStatus = "anonymous"
	AuthPending       AuthStatus = "pending"
	AuthAuthenticated AuthStatus = "authenticated"
)

// AuthSession is issued when the login flow finalizes.
type AuthSession struct {
	Token     string    `json:"token"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthState is persisted per (chatbot, end-user).
type AuthState struct {
	Status      AuthStatus        `json:"status"`
	StepID      string            `json:"step_id,omitempty"`
	StepIndex   int               `json:"step_index"`
	Accumulated map[string]string `json:"accumulated,omitempty"`
	Session     *AuthSession      `json:"session,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Anonymous returns the initial state.
func Anonymous() *AuthState {
	return &AuthState{Status: AuthAnonymous}
}
