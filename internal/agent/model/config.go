package model

import "time"

// ================ Config ================

// RuntimeConfig groups every tunable of the runtime. Each field reads from the
// environment via envconfig; defaults are safe for local development.
type RuntimeConfig struct {
	History   HistoryConfig
	Executor  ExecutorConfig
	Call      CallConfig
	Knowledge KnowledgeConfig
	Engine    EngineConfig
	Providers ProviderConfig
	Auth      AuthConfig
	Packages  PackagesConfig
}

type HistoryConfig struct {
	MaxMessages     int           `envconfig:"HISTORY_MAX_MESSAGES" default:"20"`
	CacheTTL        time.Duration `envconfig:"HISTORY_CACHE_TTL" default:"30m"`
	CacheMaxEntries int           `envconfig:"HISTORY_CACHE_MAX_ENTRIES" default:"1000"`
	DurableTTL      time.Duration `envconfig:"HISTORY_DURABLE_TTL" default:"168h"`
	// SummarizeTokenThreshold triggers summarization once the estimated token
	// count of a conversation exceeds it. Zero disables summarization.
	SummarizeTokenThreshold int    `envconfig:"HISTORY_SUMMARIZE_TOKEN_THRESHOLD" default:"3000"`
	SummaryModel            string `envconfig:"HISTORY_SUMMARY_MODEL"`
}

type ExecutorConfig struct {
	InactivityTTL time.Duration `envconfig:"EXECUTOR_INACTIVITY_TTL" default:"30m"`
	MaxEntries    int           `envconfig:"EXECUTOR_MAX_ENTRIES" default:"100"`
	SweepInterval time.Duration `envconfig:"EXECUTOR_SWEEP_INTERVAL" default:"1m"`
}

type CallConfig struct {
	SilenceTimeout time.Duration `envconfig:"CALL_SILENCE_TIMEOUT" default:"3m"`
	StaleAfter     time.Duration `envconfig:"CALL_STALE_AFTER" default:"10m"`
	SweepInterval  time.Duration `envconfig:"CALL_SWEEP_INTERVAL" default:"1m"`
	SessionTTL     time.Duration `envconfig:"CALL_SESSION_TTL" default:"2h"`
	VoiceURL       string        `envconfig:"CALL_VOICE_URL"`
	VoiceAPIKey    string        `envconfig:"CALL_VOICE_API_KEY"`
}

type KnowledgeConfig struct {
	DefaultLimit     int     `envconfig:"KNOWLEDGE_DEFAULT_LIMIT" default:"5"`
	DefaultThreshold float64 `envconfig:"KNOWLEDGE_DEFAULT_THRESHOLD" default:"0.3"`
	MaxContextChars  int     `envconfig:"KNOWLEDGE_MAX_CONTEXT_CHARS" default:"4000"`
	EmbeddingModel   string  `envconfig:"KNOWLEDGE_EMBEDDING_MODEL" default:"text-embedding-004"`
	MaxVectors       int     `envconfig:"KNOWLEDGE_MAX_VECTORS" default:"50000"`
}

type EngineConfig struct {
	MaxToolCalls int `envconfig:"ENGINE_MAX_TOOL_CALLS" default:"10"`
	MaxTransfers int `envconfig:"ENGINE_MAX_TRANSFERS" default:"3"`
	EventBuffer  int `envconfig:"ENGINE_EVENT_BUFFER" default:"64"`
}

type ProviderConfig struct {
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL   string `envconfig:"GEMINI_BASE_URL"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	ThinkingBudget  int32  `envconfig:"GEMINI_THINKING_BUDGET" default:"0"`
}

type AuthConfig struct {
	StateTTL time.Duration `envconfig:"AUTH_STATE_TTL" default:"24h"`
}

type PackagesConfig struct {
	Dir string `envconfig:"PACKAGES_DIR" default:"packages"`
}
