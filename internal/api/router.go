// Package api is the HTTP surface of the runtime.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/runner"
)

// ChatService runs text turns.
type ChatService interface {
	HandleMessage(ctx context.Context, msg runner.Message) (<-chan model.StreamEvent, string, error)
	Invalidate(chatbotID string)
}

// CallService manages voice calls.
type CallService interface {
	StartCall(ctx context.Context, p runner.StartParams) (model.CallSession, error)
	GetCall(ctx context.Context, token string) (model.CallSession, error)
	HandleAudio(ctx context.Context, token string, chunk []byte) error
	EndCall(ctx context.Context, token string, status model.CallStatus) (model.CallSession, error)
}

// Options configures NewRouter. Calls may be nil when voice is disabled.
type Options struct {
	Chat           ChatService
	Calls          CallService
	AllowedOrigins []string
	// MaxAudioBytes caps one audio upload.
	MaxAudioBytes int64
}

func NewRouter(opts Options) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.MaxAudioBytes <= 0 {
		opts.MaxAudioBytes = 1 << 20
	}
	h := &handlers{chat: opts.Chat, calls: opts.Calls, maxAudio: opts.MaxAudioBytes}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(tracing)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Conversation-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/chatbots/{chatbotID}", func(r chi.Router) {
			r.Post("/messages", h.postMessage)
			r.Delete("/executor", h.invalidate)
		})
		if h.calls != nil {
			r.Route("/calls", func(r chi.Router) {
				r.Post("/", h.startCall)
				r.Route("/{token}", func(r chi.Router) {
					r.Get("/", h.getCall)
					r.Post("/audio", h.postAudio)
					r.Post("/end", h.endCall)
				})
			})
		}
	})
	return r
}
