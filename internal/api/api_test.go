package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/runner"
	errx "github.com/chative/agent-runtime/internal/core/error"
)

type fakeChat struct {
	mu          sync.Mutex
	got         runner.Message
	invalidated []string
}

func (f *fakeChat) HandleMessage(_ context.Context, msg runner.Message) (<-chan model.StreamEvent, string, error) {
	f.mu.Lock()
	f.got = msg
	f.mu.Unlock()
	if msg.ChatbotID == "missing" {
		return nil, "", errx.NotFound("chatbot", msg.ChatbotID)
	}
	now := time.Now()
	ch := make(chan model.StreamEvent, 3)
	ch <- model.NewEvent(model.EventDelta, model.DeltaData{Content: "Hi "}, now)
	ch <- model.NewEvent(model.EventDelta, model.DeltaData{Content: "there"}, now)
	ch <- model.NewEvent(model.EventComplete, model.CompleteData{Content: "Hi there", Model: "stub/m"}, now)
	close(ch)
	return ch, "conv-1", nil
}

func (f *fakeChat) Invalidate(chatbotID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, chatbotID)
}

type fakeCalls struct {
	mu    sync.Mutex
	audio [][]byte
	ended model.CallStatus
}

func (f *fakeCalls) StartCall(_ context.Context, p runner.StartParams) (model.CallSession, error) {
	return model.CallSession{SessionID: "s1", ChatbotID: p.ChatbotID, Token: "tok", Status: model.CallInProgress}, nil
}

func (f *fakeCalls) GetCall(_ context.Context, token string) (model.CallSession, error) {
	if token != "tok" {
		return model.CallSession{}, errx.SessionNotFound(token)
	}
	return model.CallSession{SessionID: "s1", Token: token, Status: model.CallInProgress}, nil
}

func (f *fakeCalls) HandleAudio(_ context.Context, _ string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeCalls) EndCall(_ context.Context, token string, status model.CallStatus) (model.CallSession, error) {
	f.mu.Lock()
	f.ended = status
	f.mu.Unlock()
	return model.CallSession{SessionID: "s1", Token: token, Status: model.CallCompleted}, nil
}

func newServer(t *testing.T, calls CallService) (*httptest.Server, *fakeChat) {
	t.Helper()
	chat := &fakeChat{}
	srv := httptest.NewServer(NewRouter(Options{Chat: chat, Calls: calls, MaxAudioBytes: 8}))
	t.Cleanup(srv.Close)
	return srv, chat
}

func post(t *testing.T, url, accept string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPostMessage_SSE(t *testing.T) {
	srv, chat := newServer(t, nil)

	resp := post(t, srv.URL+"/v1/chatbots/bot/messages", "text/event-stream",
		map[string]any{"message": "hello", "end_user_id": "u1", "variables": map[string]string{"plan": "pro"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "conv-1", resp.Header.Get("X-Conversation-Id"))

	var names, ids []string
	var last model.StreamEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}
	assert.Equal(t, []string{"delta", "delta", "complete"}, names)
	assert.Equal(t, model.EventComplete, last.Type)
	require.Len(t, ids, 3)
	assert.Equal(t, ids[2], last.ID)
	assert.NotEqual(t, ids[0], ids[1])

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Equal(t, "bot", chat.got.ChatbotID)
	assert.Equal(t, "hello", chat.got.Text)
	assert.Equal(t, "pro", chat.got.Variables["plan"])
}

func TestPostMessage_JSON(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp := post(t, srv.URL+"/v1/chatbots/bot/messages", "application/json", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ConversationID string              `json:"conversation_id"`
		Content        string              `json:"content"`
		Events         []model.StreamEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "conv-1", body.ConversationID)
	assert.Equal(t, "Hi there", body.Content)
	assert.Len(t, body.Events, 3)
}

func TestPostMessage_Errors(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp := post(t, srv.URL+"/v1/chatbots/missing/messages", "", map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(errx.CodeNotFound), body.Code)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chatbots/bot/messages", strings.NewReader("{"))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestInvalidateExecutor(t *testing.T) {
	srv, chat := newServer(t, nil)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/chatbots/bot/executor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Equal(t, []string{"bot"}, chat.invalidated)
}

func TestCallRoutes(t *testing.T) {
	calls := &fakeCalls{}
	srv, _ := newServer(t, calls)

	resp := post(t, srv.URL+"/v1/calls", "", map[string]any{"chatbot_id": "bot", "source": "phone"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s model.CallSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, "tok", s.Token)

	got, err := http.Get(srv.URL + "/v1/calls/tok")
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)

	missing, err := http.Get(srv.URL + "/v1/calls/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	audio, err := http.Post(srv.URL+"/v1/calls/tok/audio", "application/octet-stream", bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	defer audio.Body.Close()
	assert.Equal(t, http.StatusAccepted, audio.StatusCode)

	big, err := http.Post(srv.URL+"/v1/calls/tok/audio", "application/octet-stream", bytes.NewReader(make([]byte, 9)))
	require.NoError(t, err)
	defer big.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, big.StatusCode)

	end := post(t, srv.URL+"/v1/calls/tok/end", "", map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusOK, end.StatusCode)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	assert.Equal(t, [][]byte{{1, 2, 3}}, calls.audio)
	assert.Equal(t, model.CallCancelled, calls.ended)
}

func TestCallRoutes_DisabledWithoutService(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp, err := http.Get(srv.URL + "/v1/calls/tok")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
