package model

import (
	"fmt"
	"strings"
	"time"
)

// AgentRole distinguishes the routing agent from specialists.
type AgentRole string

const (
	RoleWorker     AgentRole = "worker"
	RoleSupervisor AgentRole = "supervisor"
)

// Channel is the surface a chatbot is deployed on.
type Channel string

const (
	ChannelChat Channel = "chat"
	ChannelCall Channel = "call"
)

// ModelSettings are sampling parameters applied to an agent's chat model.
type ModelSettings struct {
	Temperature *float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP        *float32 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
}

// AgentSpec is one agent of a package.
type AgentSpec struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Role         AgentRole     `yaml:"role" json:"role"`
	Instructions string        `yaml:"instructions" json:"instructions"`
	Model        string        `yaml:"model" json:"model"`
	Settings     ModelSettings `yaml:"settings" json:"settings"`

	KnowledgeCategories []string `yaml:"knowledge_categories,omitempty" json:"knowledge_categories,omitempty"`
	// KnowledgeThreshold is the minimum relevance score; unset uses the runtime default.
	KnowledgeThreshold *float64 `yaml:"knowledge_threshold,omitempty" json:"knowledge_threshold,omitempty"`
	Tools              []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	RoutingHint     string `yaml:"routing_hint,omitempty" json:"routing_hint,omitempty"`
	RoleDesignation string `yaml:"role_designation,omitempty" json:"role_designation,omitempty"`
}

// DisplayName falls back to the identifier when no name is set.
func (a AgentSpec) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// PackageConfig is the immutable agent template a chatbot is deployed from.
type PackageConfig struct {
	ID      string      `yaml:"id" json:"id"`
	Version string      `yaml:"version" json:"version"`
	Agents  []AgentSpec `yaml:"agents" json:"agents"`
}

// Validate checks structural constraints the graph builder relies on.
func (p *PackageConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("package id is required")
	}
	if len(p.Agents) == 0 {
		return fmt.Errorf("package %q has no agents", p.ID)
	}
	seen := make(map[string]struct{}, len(p.Agents))
	for i, a := range p.Agents {
		if a.ID == "" {
			return fmt.Errorf("package %q agent #%d has no id", p.ID, i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("package %q has duplicate agent %q", p.ID, a.ID)
		}
		seen[a.ID] = struct{}{}
		switch a.Role {
		case RoleWorker, RoleSupervisor, "":
		default:
			return fmt.Errorf("agent %q has unknown role %q", a.ID, a.Role)
		}
		if !strings.Contains(a.Model, "/") {
			return fmt.Errorf("agent %q model %q must be provider/model", a.ID, a.Model)
		}
	}
	return nil
}

// AuthStep is one prompt of a multi-step login flow.
type AuthStep struct {
	ID     string `yaml:"id" json:"id"`
	Prompt string `yaml:"prompt" json:"prompt"`
	Field  string `yaml:"field" json:"field"`
}

// AuthGuard configures which requests require an authenticated end-user.
type AuthGuard struct {
	RequireAuth          bool          `yaml:"require_auth" json:"require_auth"`
	RequireAuthForAgents []string      `yaml:"require_auth_for_agents,omitempty" json:"require_auth_for_agents,omitempty"`
	Steps                []AuthStep    `yaml:"steps" json:"steps"`
	SessionTTL           time.Duration `yaml:"session_ttl,omitempty" json:"session_ttl,omitempty"`
}

// ChatbotInstance is a tenant's deployed copy of a package.
type ChatbotInstance struct {
	ID               string            `yaml:"id" json:"id"`
	TenantID         string            `yaml:"tenant_id" json:"tenant_id"`
	PackageID        string            `yaml:"package_id" json:"package_id"`
	Variables        map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	SecuredVariables map[string]string `yaml:"secured_variables,omitempty" json:"-"`
	Channels         []Channel         `yaml:"channels" json:"channels"`
	Auth             *AuthGuard        `yaml:"auth,omitempty" json:"auth,omitempty"`
	// Revision changes whenever the configuration is edited.
	Revision int64 `yaml:"revision" json:"revision"`
}

// HasChannel reports whether the instance is enabled on ch. No channels means chat only.
func (c *ChatbotInstance) HasChannel(ch Channel) bool {
	if len(c.Channels) == 0 {
		return ch == ChannelChat
	}
	for _, x := range c.Channels {
		if x == ch {
			return true
		}
	}
	return false
}
