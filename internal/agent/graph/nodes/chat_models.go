package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// Constructor builds a chat model for a bare model name of one provider.
type Constructor func(ctx context.Context, name string, settings model.ModelSettings) (einomodel.ToolCallingChatModel, error)

// ChatModelFactory resolves "provider/model" references to eino chat models.
// Provider clients are created lazily and shared by every model of that provider.
type ChatModelFactory struct {
	cfg model.ProviderConfig

	mu        sync.Mutex
	genai     *genai.Client
	openai    *openai.Client
	anthropic *anthropic.Client
	custom    map[string]Constructor
}

func NewChatModelFactory(cfg model.ProviderConfig) *ChatModelFactory {
	return &ChatModelFactory{cfg: cfg, custom: make(map[string]Constructor)}
}

// Register adds or overrides a provider prefix.
func (f *ChatModelFactory) Register(provider string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custom[provider] = c
}

// SplitModelRef splits "provider/model".
func SplitModelRef(ref string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("model reference %q must be provider/model", ref)
	}
	return strings.ToLower(provider), name, nil
}

// NewChatModel builds the chat model for ref with the agent's settings.
// Unknown providers and client failures are PROVIDER_ERRORs.
func (f *ChatModelFactory) NewChatModel(ctx context.Context, ref string, settings model.ModelSettings) (einomodel.ToolCallingChatModel, error) {
	provider, name, err := SplitModelRef(ref)
	if err != nil {
		return nil, errx.Provider(err, false)
	}

	f.mu.Lock()
	custom, ok := f.custom[provider]
	f.mu.Unlock()
	if ok {
		return custom(ctx, name, settings)
	}

	var cm einomodel.ToolCallingChatModel
	switch provider {
	case "gemini", "google":
		cm, err = f.newGemini(ctx, name, settings)
	case "openai":
		cm, err = NewOpenAIChatModel(f.openAIClient(), name, settings), nil
	case "anthropic":
		cm, err = NewAnthropicChatModel(f.anthropicClient(), name, settings), nil
	default:
		err = fmt.Errorf("unknown model provider %q", provider)
	}
	if err != nil {
		logx.Error().Err(err).Str("model", ref).Msg("Error creating chat model")
		return nil, errx.Provider(err, false)
	}
	return cm, nil
}

// GenAIClient returns the shared Gemini client, creating it on first use.
func (f *ChatModelFactory) GenAIClient(ctx context.Context) (*genai.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.genai != nil {
		return f.genai, nil
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  f.cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if f.cfg.GeminiBaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = f.cfg.GeminiBaseURL
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}
	f.genai = client
	return client, nil
}

func (f *ChatModelFactory) newGemini(ctx context.Context, name string, settings model.ModelSettings) (einomodel.ToolCallingChatModel, error) {
	client, err := f.GenAIClient(ctx)
	if err != nil {
		return nil, err
	}
	cfg := &gemini.Config{
		Client:      client,
		Model:       name,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		TopP:        settings.TopP,
	}
	if f.cfg.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(f.cfg.ThinkingBudget),
		}
	}
	cm, err := gemini.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini model %q: %w", name, err)
	}
	return cm, nil
}

func (f *ChatModelFactory) openAIClient() *openai.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openai == nil {
		var opts []openaiopt.RequestOption
		if f.cfg.OpenAIAPIKey != "" {
			opts = append(opts, openaiopt.WithAPIKey(f.cfg.OpenAIAPIKey))
		}
		if f.cfg.OpenAIBaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(f.cfg.OpenAIBaseURL))
		}
		client := openai.NewClient(opts...)
		f.openai = &client
	}
	return f.openai
}

func (f *ChatModelFactory) anthropicClient() *anthropic.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.anthropic == nil {
		var opts []anthropicopt.RequestOption
		if f.cfg.AnthropicAPIKey != "" {
			opts = append(opts, anthropicopt.WithAPIKey(f.cfg.AnthropicAPIKey))
		}
		client := anthropic.NewClient(opts...)
		f.anthropic = &client
	}
	return f.anthropic
}
