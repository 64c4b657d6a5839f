package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
)

const (
	SearchKnowledgeToolName = "search_knowledge"
	RequestHumanToolName    = "request_human"
	TransferToolName        = "transfer_to_agent"
	LookupVariableToolName  = "lookup_variable"
	CurrentTimeToolName     = "current_time"
	WebhookToolName         = "call_webhook"

	searchStatusText = "Searching the knowledge base…"
)

// Action values a tool result may carry to steer the turn.
const (
	ActionEscalate = "escalate"
	ActionTransfer = "transfer"
)

// ActionResult is the result shape of control tools.
type ActionResult struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Target string `json:"target,omitempty"`
}

// ===================================
// Search Knowledge Tool
// ===================================

type SearchKnowledgeInput struct {
	Query string `json:"query"`
}

type SearchKnowledgeOutput struct {
	Context string `json:"context"`
	Results int    `json:"results"`
}

func newSearchKnowledgeTool(env Env) (tool.InvokableTool, error) {
	if env.Retriever == nil {
		return nil, fmt.Errorf("agent %q has knowledge categories but no retriever is configured", env.Agent.ID)
	}
	categories := append([]string(nil), env.Agent.KnowledgeCategories...)
	threshold := env.Agent.KnowledgeThreshold
	info := NewToolInfo(SearchKnowledgeToolName,
		fmt.Sprintf("Search the knowledge base (%s) for information that answers the customer's question.", strings.Join(categories, ", ")),
		map[string]*Param{
			"query": {Type: TypeString, Description: "What to look up, phrased as a short search query.", Required: true},
		})

	return utils.NewTool(info, func(ctx context.Context, in *SearchKnowledgeInput) (*SearchKnowledgeOutput, error) {
		if strings.TrimSpace(in.Query) == "" {
			return nil, fmt.Errorf("query is required")
		}
		scope := ScopeFrom(ctx)
		block, results, err := env.Retriever.SearchWithContext(ctx, model.SearchQuery{
			Query:      in.Query,
			TenantID:   scope.Agent.TenantID(),
			Categories: categories,
			Limit:      env.Knowledge.DefaultLimit,
			Threshold:  threshold,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			scope.AddSources(r.Citation)
		}
		if block == "" {
			block = "No relevant information was found in the knowledge base."
		}
		return &SearchKnowledgeOutput{Context: block, Results: len(results)}, nil
	}), nil
}

// ===================================
// Request Human Tool
// ===================================

type RequestHumanInput struct {
	Reason string `json:"reason"`
}

func newRequestHumanTool(Env) (tool.InvokableTool, error) {
	info := NewToolInfo(RequestHumanToolName,
		"Hand the conversation over to a human agent. Use only when the customer asks for a person or the request cannot be handled.",
		map[string]*Param{
			"reason": {Type: TypeString, Description: "Why a human is needed.", Required: true},
		})
	return utils.NewTool(info, func(_ context.Context, in *RequestHumanInput) (*ActionResult, error) {
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "customer needs assistance from a person"
		}
		return &ActionResult{Action: ActionEscalate, Reason: reason}, nil
	}), nil
}

// ===================================
// Transfer Tool
// ===================================

type TransferInput struct {
	AgentName string `json:"agent_name"`
	Reason    string `json:"reason,omitempty"`
}

// NewTransferTool builds the agent-to-agent transfer signal. targets maps agent
// names to their routing descriptions.
func NewTransferTool(targets map[string]string) (*Tool, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("transfer tool needs at least one target")
	}
	names := make([]string, 0, len(targets))
	var desc strings.Builder
	desc.WriteString("Transfer the conversation to the agent best suited to handle it. Available agents:\n")
	for _, name := range sortedKeys(targets) {
		names = append(names, name)
		fmt.Fprintf(&desc, "- %s: %s\n", name, targets[name])
	}
	info := NewToolInfo(TransferToolName, strings.TrimSpace(desc.String()), map[string]*Param{
		"agent_name": {Type: TypeString, Description: "Name of the agent to transfer to.", Enum: names, Required: true},
		"reason":     {Type: TypeString, Description: "Short reason for the transfer."},
	})
	t := utils.NewTool(info, func(_ context.Context, in *TransferInput) (*ActionResult, error) {
		if _, ok := targets[in.AgentName]; !ok {
			return nil, fmt.Errorf("unknown agent %q", in.AgentName)
		}
		return &ActionResult{Action: ActionTransfer, Target: in.AgentName, Reason: in.Reason}, nil
	})
	return &Tool{InvokableTool: t, Name: TransferToolName, Kind: KindTransfer}, nil
}

// ===================================
// Business Tools
// ===================================

type LookupVariableInput struct {
	Name string `json:"name"`
}

type LookupVariableOutput struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

func newLookupVariableTool(env Env) (tool.InvokableTool, error) {
	var names []string
	if env.Chatbot != nil {
		names = sortedKeys(env.Chatbot.Variables)
	}
	info := NewToolInfo(LookupVariableToolName, "Read a configuration value of this business, such as opening hours or contact details.",
		map[string]*Param{
			"name": {Type: TypeString, Description: "Variable name.", Enum: names, Required: true},
		})
	return utils.NewTool(info, func(ctx context.Context, in *LookupVariableInput) (*LookupVariableOutput, error) {
		v, ok := ScopeFrom(ctx).Agent.Variable(in.Name)
		return &LookupVariableOutput{Name: in.Name, Value: v, Found: ok}, nil
	}), nil
}

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

type CurrentTimeOutput struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
}

func newCurrentTimeTool(Env) (tool.InvokableTool, error) {
	info := NewToolInfo(CurrentTimeToolName, "Get the current date and time.", map[string]*Param{
		"timezone": {Type: TypeString, Description: "IANA timezone, e.g. Europe/Berlin. Defaults to UTC."},
	})
	return utils.NewTool(info, func(ctx context.Context, in *CurrentTimeInput) (*CurrentTimeOutput, error) {
		tz := in.Timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		now := ScopeFrom(ctx).Agent.ReceivedAt().In(loc)
		return &CurrentTimeOutput{Time: now.Format(time.RFC3339), Timezone: tz}, nil
	}), nil
}

// Webhook variables: the URL is a plain variable, the bearer token a secured one.
const (
	WebhookURLVariable   = "webhook_url"
	WebhookTokenVariable = "webhook_token"
)

type WebhookInput struct {
	Event   string            `json:"event"`
	Payload map[string]string `json:"payload,omitempty"`
}

type WebhookOutput struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

func newWebhookTool(Env) (tool.InvokableTool, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	info := NewToolInfo(WebhookToolName, "Notify the business system about an event, e.g. a booking or callback request.", map[string]*Param{
		"event": {Type: TypeString, Description: "Event name.", Required: true},
		"payload": {
			Type:        TypeObject,
			Description: "Event details as string fields.",
			Properties: map[string]*Param{
				"name":    {Type: TypeString, Description: "Customer name."},
				"contact": {Type: TypeString, Description: "Phone number or email."},
				"note":    {Type: TypeString, Description: "Free-form details."},
			},
		},
	})
	return utils.NewTool(info, func(ctx context.Context, in *WebhookInput) (*WebhookOutput, error) {
		scope := ScopeFrom(ctx)
		url, ok := scope.Agent.Variable(WebhookURLVariable)
		if !ok || url == "" {
			return nil, fmt.Errorf("no %s configured", WebhookURLVariable)
		}
		body, err := json.Marshal(map[string]any{
			"event":           in.Event,
			"payload":         in.Payload,
			"conversation_id": scope.Agent.ConversationID(),
			"end_user_id":     scope.Agent.EndUserID(),
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token, ok := scope.Agent.SecuredVariable(WebhookTokenVariable); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return &WebhookOutput{Status: resp.StatusCode, Body: string(respBody)}, nil
	}), nil
}
