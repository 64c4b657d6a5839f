package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chative/agent-runtime/internal/agent/auth"
	"github.com/chative/agent-runtime/internal/agent/call"
	"github.com/chative/agent-runtime/internal/agent/engine"
	"github.com/chative/agent-runtime/internal/agent/executor"
	"github.com/chative/agent-runtime/internal/agent/graph"
	"github.com/chative/agent-runtime/internal/agent/graph/conversations"
	"github.com/chative/agent-runtime/internal/agent/graph/nodes"
	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	"github.com/chative/agent-runtime/internal/agent/knowledge"
	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/packages"
	"github.com/chative/agent-runtime/internal/agent/repo"
	"github.com/chative/agent-runtime/internal/agent/runner"
	logx "github.com/chative/agent-runtime/pkg/logger"
	"github.com/chative/agent-runtime/pkg/sqlite"
	"github.com/chative/agent-runtime/pkg/telemetry"
)

// app owns every long-lived service of the process.
type app struct {
	cfg AppConfig

	rdb *redis.Client
	db  *sql.DB

	executors *executor.Cache[*engine.Engine]
	sessions  *runner.SessionRunner
	calls     *call.Manager
	voice     *runner.CallRunner

	stopTracing func(context.Context) error
}

func newApp(ctx context.Context, cfg AppConfig) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()
	rt := cfg.Runtime

	stop, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.stopTracing = stop

	if a.rdb, err = cfg.Redis.New(ctx); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if a.db, err = sqlite.Open(ctx, cfg.SQLite, repo.ChunkMigrations); err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}

	bots, err := packages.LoadChatbotsFile(cfg.ChatbotsFile)
	if err != nil {
		return nil, err
	}
	chatbots := packages.NewMemoryChatbotStore(bots...)
	pkgs := packages.NewRegistry(packages.YAMLLoader{Dir: rt.Packages.Dir})

	factory := nodes.NewChatModelFactory(rt.Providers)
	retriever, err := a.newRetriever(ctx, factory, rt.Knowledge)
	if err != nil {
		return nil, err
	}
	builder := graph.NewBuilder(factory, tools.NewDefaultRegistry(), retriever, rt.Knowledge)

	conversationRepo := repo.NewRedisConversationRepository(a.rdb, rt.History.DurableTTL)
	historyOpts := []conversations.Option{}
	if rt.History.SummaryModel != "" {
		cm, err := factory.NewChatModel(ctx, rt.History.SummaryModel, model.ModelSettings{})
		if err != nil {
			return nil, fmt.Errorf("summary model: %w", err)
		}
		historyOpts = append(historyOpts, conversations.WithSummarizer(conversations.ModelSummarizer{Model: cm}))
	}
	history := conversations.NewHistoryStore(conversationRepo, rt.History, historyOpts...)

	interceptor := auth.NewInterceptor(repo.NewRedisAuthStateStore(a.rdb, rt.Auth.StateTTL))

	deps := runner.EngineDeps{
		Chatbots: chatbots,
		Packages: pkgs,
		Builder:  builder,
		History:  history,
		Recorder: conversationRepo,
		Auth:     interceptor,
		Config:   rt.Engine,
	}
	a.executors = executor.NewCache(deps.Build, rt.Executor)
	a.executors.Start()
	a.sessions = runner.NewSessionRunner(chatbots, a.executors, builder, nil)

	if rt.Call.VoiceURL != "" {
		var voice *runner.CallRunner
		a.calls = call.NewManager(rt.Call,
			call.WithStore(repo.NewRedisCallSessionStore(a.rdb, rt.Call.SessionTTL)),
			call.WithTimeoutHook(func(s model.CallSession) { voice.HandleTimeout(s) }),
		)
		voice = runner.NewCallRunner(a.sessions, a.calls,
			&call.WebSocketDialer{URL: rt.Call.VoiceURL, APIKey: rt.Call.VoiceAPIKey}, "websocket")
		a.voice = voice
		a.calls.Start()
	} else {
		logx.Info().Msg("CALL_VOICE_URL not set - voice calls disabled")
	}

	logx.Info().
		Int("chatbots", len(bots)).
		Str("packages_dir", rt.Packages.Dir).
		Bool("voice", a.voice != nil).
		Msg("Runtime initialised")
	ok = true
	return a, nil
}

// newRetriever wires semantic search when a Gemini key is configured and
// falls back to keyword search over the chunk store otherwise.
func (a *app) newRetriever(ctx context.Context, factory *nodes.ChatModelFactory, cfg model.KnowledgeConfig) (*knowledge.Retriever, error) {
	chunks := repo.NewSQLiteChunkStore(a.db)
	if a.cfg.Runtime.Providers.GeminiAPIKey == "" {
		logx.Warn().Msg("GEMINI_API_KEY not set - knowledge search is keyword only")
		return knowledge.NewRetriever(nil, nil, chunks, cfg), nil
	}

	client, err := factory.GenAIClient(ctx)
	if err != nil {
		return nil, err
	}
	index := knowledge.NewMemoryIndex(cfg.MaxVectors)
	embedded, err := chunks.ListEmbedded(ctx)
	if err != nil {
		return nil, err
	}
	if err := index.Upsert(ctx, embedded...); err != nil {
		return nil, err
	}
	logx.Info().Int("vectors", index.Count()).Msg("Knowledge index warmed")
	return knowledge.NewRetriever(knowledge.NewGeminiEmbedder(client, cfg.EmbeddingModel), index, chunks, cfg), nil
}

// Close tears services down in reverse order of construction.
func (a *app) Close(ctx context.Context) {
	if a.voice != nil {
		a.voice.Shutdown()
	}
	if a.calls != nil {
		a.calls.Shutdown()
	}
	if a.executors != nil {
		a.executors.Shutdown()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logx.Warn().Err(err).Msg("Error closing knowledge db")
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			logx.Warn().Err(err).Msg("Error closing redis client")
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			logx.Warn().Err(err).Msg("Error flushing traces")
		}
	}
}
