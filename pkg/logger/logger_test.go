package logx

import (
	"bytes"
	"testing"

	"github.com/chative/agent-runtime/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestInit_ProductionWritesJSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Writer: &buf})
	t.Cleanup(func() { Init() })

	Debug().Msg("hidden")
	Info().Str("chatbot_id", "bot-1").Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"chatbot_id":"bot-1"`)
	assert.Contains(t, out, `"message":"visible"`)
}

func TestInit_LevelOverride(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Level: "silent", Writer: &buf})
	t.Cleanup(func() { Init() })

	Error().Msg("nothing")
	assert.Empty(t, buf.String())
}

func TestComponent_TagsLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Writer: &buf})
	t.Cleanup(func() { Init() })

	l := Component("executor")
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"executor"`)
}
