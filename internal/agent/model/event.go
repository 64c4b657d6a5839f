package model

import (
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventThinking        EventType = "thinking"
	EventToolCall        EventType = "tool_call"
	EventDelta           EventType = "delta"
	EventNotification    EventType = "notification"
	EventHumanEscalation EventType = "human_escalation"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

// Terminal reports whether no further events follow this one in a turn.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventHumanEscalation
}

// StreamEvent is one element of a turn's ordered event stream.
type StreamEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type ThinkingData struct {
	Content string `json:"content"`
}

type DeltaData struct {
	Content string `json:"content"`
}

type ToolCallStatus string

const (
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

type ToolCallData struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     ToolCallStatus `json:"status"`
	StatusText string         `json:"status_text,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// NotificationData announces a change of the active agent.
type NotificationData struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
}

type EscalationData struct {
	Reason string `json:"reason"`
	// Source is "user_request" for the pattern short-circuit or the tool name.
	Source  string `json:"source"`
	Message string `json:"message,omitempty"`
}

// Citation identifies the chunk a knowledge result came from.
type Citation struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	ChunkIndex   int     `json:"chunk_index"`
	Score        float64 `json:"score"`
}

type CompleteData struct {
	Content      string             `json:"content"`
	Agent        string             `json:"agent,omitempty"`
	ToolsUsed    []string           `json:"tools_used"`
	Sources      []Citation         `json:"sources"`
	Model        string             `json:"model"`
	ElapsedMs    int64              `json:"elapsed_ms"`
	Usage        *schema.TokenUsage `json:"usage,omitempty"`
	CostUSD      float64            `json:"cost_usd"`
	AuthRequired bool               `json:"auth_required,omitempty"`
	AuthStep     string             `json:"auth_step,omitempty"`
}

type ErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func NewEvent(t EventType, data any, at time.Time) StreamEvent {
	return StreamEvent{ID: uuid.NewString(), Type: t, Data: data, Timestamp: at}
}
