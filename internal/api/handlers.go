package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/runner"
	errx "github.com/chative/agent-runtime/internal/core/error"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

type handlers struct {
	chat     ChatService
	calls    CallService
	maxAudio int64
}

type messageRequest struct {
	ConversationID string            `json:"conversation_id"`
	EndUserID      string            `json:"end_user_id"`
	Message        string            `json:"message"`
	Channel        model.Channel     `json:"channel"`
	Variables      map[string]string `json:"variables"`
}

type messageResponse struct {
	ConversationID string              `json:"conversation_id"`
	Content        string              `json:"content"`
	Escalated      bool                `json:"escalated"`
	Terminal       model.StreamEvent   `json:"terminal"`
	Events         []model.StreamEvent `json:"events"`
}

// postMessage streams the turn as server-sent events unless the client only
// accepts JSON, in which case the whole turn is returned at once.
func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errx.InvalidArgument("invalid request body"))
		return
	}
	events, convID, err := h.chat.HandleMessage(r.Context(), runner.Message{
		ChatbotID:      chi.URLParam(r, "chatbotID"),
		ConversationID: req.ConversationID,
		EndUserID:      req.EndUserID,
		Text:           req.Message,
		Channel:        req.Channel,
		Variables:      req.Variables,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("X-Conversation-Id", convID)

	if wantsJSON(r) {
		resp := messageResponse{ConversationID: convID, Events: []model.StreamEvent{}}
		for ev := range events {
			resp.Events = append(resp.Events, ev)
		}
		reply, _ := runner.Collect(r.Context(), replay(resp.Events))
		resp.Content = reply.Text
		resp.Escalated = reply.Escalated
		resp.Terminal = reply.Terminal
		respondJSON(w, http.StatusOK, resp)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		respondError(w, errx.New(errors.New("streaming unsupported"), http.StatusInternalServerError, "streaming not supported"))
		return
	}
	for ev := range events {
		if err := sse.send(ev.ID, string(ev.Type), ev); err != nil {
			// client went away; the request context cancels the turn
			logx.Debug().Err(err).Str("conversation_id", convID).Msg("SSE client disconnected")
			for range events {
			}
			return
		}
	}
}

func replay(evs []model.StreamEvent) <-chan model.StreamEvent {
	ch := make(chan model.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	h.chat.Invalidate(chi.URLParam(r, "chatbotID"))
	w.WriteHeader(http.StatusNoContent)
}

type startCallRequest struct {
	ChatbotID string `json:"chatbot_id"`
	CallID    string `json:"call_id"`
	EndUserID string `json:"end_user_id"`
	Source    string `json:"source"`
}

func (h *handlers) startCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, errx.InvalidArgument("invalid request body"))
		return
	}
	s, err := h.calls.StartCall(r.Context(), runner.StartParams{
		ChatbotID: req.ChatbotID,
		CallID:    req.CallID,
		EndUserID: req.EndUserID,
		Source:    req.Source,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

func (h *handlers) getCall(w http.ResponseWriter, r *http.Request) {
	s, err := h.calls.GetCall(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *handlers) postAudio(w http.ResponseWriter, r *http.Request) {
	chunk, err := io.ReadAll(io.LimitReader(r.Body, h.maxAudio+1))
	if err != nil {
		respondError(w, errx.InvalidArgument("unreadable audio body"))
		return
	}
	if int64(len(chunk)) > h.maxAudio {
		respondError(w, &errx.AppError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("audio chunk exceeds %d bytes", h.maxAudio),
			Code:    errx.CodeInvalidArgument,
		})
		return
	}
	if len(chunk) == 0 {
		respondError(w, errx.InvalidArgument("empty audio chunk"))
		return
	}
	if err := h.calls.HandleAudio(r.Context(), chi.URLParam(r, "token"), chunk); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type endCallRequest struct {
	Status model.CallStatus `json:"status"`
}

func (h *handlers) endCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, errx.InvalidArgument("invalid request body"))
			return
		}
	}
	s, err := h.calls.EndCall(r.Context(), chi.URLParam(r, "token"), req.Status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func respondError(w http.ResponseWriter, err error) {
	status := errx.StatusOf(err)
	body := errorBody{Error: errx.SystemErrorMessage, Code: string(errx.CodeOf(err)), Retryable: errx.IsRetryable(err)}
	var appErr *errx.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		body.Error = appErr.Message
	}
	if status >= 500 {
		logx.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondJSON(w, status, body)
}
