package model

import (
	"maps"
	"time"
)

// AgentContext is the per-turn request context handed to the graph builder and tools.
// Fields are unexported so a context cannot be mutated after NewAgentContext.
type AgentContext struct {
	conversationID string
	tenantID       string
	chatbotID      string
	channel        Channel
	endUserID      string
	message        string
	audio          []byte
	variables      map[string]string
	secured        map[string]string
	receivedAt     time.Time
}

// AgentContextParams carries the inputs of NewAgentContext.
type AgentContextParams struct {
	ConversationID   string
	TenantID         string
	ChatbotID        string
	Channel          Channel
	EndUserID        string
	Message          string
	Audio            []byte
	Variables        map[string]string
	SecuredVariables map[string]string
	ReceivedAt       time.Time
}

func NewAgentContext(p AgentContextParams) *AgentContext {
	if p.Channel == "" {
		p.Channel = ChannelChat
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	var audio []byte
	if len(p.Audio) > 0 {
		audio = append([]byte(nil), p.Audio...)
	}
	return &AgentContext{
		conversationID: p.ConversationID,
		tenantID:       p.TenantID,
		chatbotID:      p.ChatbotID,
		channel:        p.Channel,
		endUserID:      p.EndUserID,
		message:        p.Message,
		audio:          audio,
		variables:      maps.Clone(p.Variables),
		secured:        maps.Clone(p.SecuredVariables),
		receivedAt:     p.ReceivedAt,
	}
}

func (c *AgentContext) ConversationID() string { return c.conversationID }
func (c *AgentContext) TenantID() string       { return c.tenantID }
func (c *AgentContext) ChatbotID() string      { return c.chatbotID }
func (c *AgentContext) Channel() Channel       { return c.channel }
func (c *AgentContext) EndUserID() string      { return c.endUserID }
func (c *AgentContext) Message() string        { return c.message }
func (c *AgentContext) ReceivedAt() time.Time  { return c.receivedAt }

// Audio returns a copy of the inbound audio payload, if any.
func (c *AgentContext) Audio() []byte {
	if c.audio == nil {
		return nil
	}
	return append([]byte(nil), c.audio...)
}

// Variable returns a plain variable override.
func (c *AgentContext) Variable(name string) (string, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// Variables returns a copy of the plain variables for instruction rendering.
func (c *AgentContext) Variables() map[string]string {
	return maps.Clone(c.variables)
}

// SecuredVariable is only meant for tools; secured values never render into prompts.
func (c *AgentContext) SecuredVariable(name string) (string, bool) {
	v, ok := c.secured[name]
	return v, ok
}
