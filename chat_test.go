package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/agent/runner"
	errx "github.com/chative/agent-runtime/internal/core/error"
)

type scriptedHandler struct {
	msgs []runner.Message
}

func (h *scriptedHandler) HandleMessage(_ context.Context, msg runner.Message) (<-chan model.StreamEvent, string, error) {
	h.msgs = append(h.msgs, msg)
	if msg.Text == "boom" {
		return nil, "", errx.InvalidArgument("bad input")
	}
	ch := make(chan model.StreamEvent, 2)
	ch <- model.NewEvent(model.EventDelta, model.DeltaData{Content: "re: " + msg.Text}, time.Now())
	ch <- model.NewEvent(model.EventComplete, model.CompleteData{Content: "re: " + msg.Text, Model: "stub/m"}, time.Now())
	close(ch)
	return ch, "conv-9", nil
}

func TestChatLoop(t *testing.T) {
	h := &scriptedHandler{}
	var out bytes.Buffer

	err := chatLoop(context.Background(), h, strings.NewReader("hello\nboom\nagain\n\n"), &out, runner.Message{ChatbotID: "bot", EndUserID: "u"})
	require.NoError(t, err)

	require.Len(t, h.msgs, 3)
	assert.Equal(t, "", h.msgs[0].ConversationID)
	assert.Equal(t, "conv-9", h.msgs[2].ConversationID)
	assert.Equal(t, "bot", h.msgs[2].ChatbotID)

	text := out.String()
	assert.Contains(t, text, "re: hello")
	assert.Contains(t, text, "! bad input")
	assert.Contains(t, text, "re: again")
}
