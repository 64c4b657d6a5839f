package packages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chative/agent-runtime/internal/agent/model"
	errx "github.com/chative/agent-runtime/internal/core/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supportPackage = `
version: "3"
agents:
  - id: router
    role: supervisor
    model: gemini/gemini-2.5-flash
    instructions: Route the customer.
  - id: billing
    role: worker
    model: openai/gpt-4o-mini
    knowledge_categories: [invoices]
    settings:
      temperature: 0.2
`

func TestRegistry_DynamicLoadRegisters(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "support.yaml"), []byte(supportPackage), 0o600))

	reg := NewRegistry(YAMLLoader{Dir: dir})
	assert.Nil(t, reg.GetPackage("support"))

	pkg, err := Resolve(context.Background(), reg, "support")
	require.NoError(t, err)
	assert.Equal(t, "support", pkg.ID)
	require.Len(t, pkg.Agents, 2)
	assert.Equal(t, model.RoleSupervisor, pkg.Agents[0].Role)
	require.NotNil(t, pkg.Agents[1].Settings.Temperature)
	assert.InDelta(t, 0.2, *pkg.Agents[1].Settings.Temperature, 1e-6)

	assert.Same(t, pkg, reg.GetPackage("support"))
}

func TestRegistry_Missing(t *testing.T) {
	reg := NewRegistry(YAMLLoader{Dir: t.TempDir()})
	_, err := Resolve(context.Background(), reg, "nope")
	assert.Error(t, err)

	_, err = reg.LoadPackage(context.Background(), "../etc/passwd")
	assert.Error(t, err)

	noLoader := NewRegistry(nil)
	pkg, err := noLoader.LoadPackage(context.Background(), "x")
	assert.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Error(t, reg.Register(&model.PackageConfig{ID: "empty"}))
}

func TestMemoryChatbotStore(t *testing.T) {
	store := NewMemoryChatbotStore(&model.ChatbotInstance{ID: "bot", PackageID: "support", Revision: 1})

	bot, err := store.GetChatbot(context.Background(), "bot")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bot.Revision)

	store.Put(&model.ChatbotInstance{ID: "bot", PackageID: "support"})
	bot, err = store.GetChatbot(context.Background(), "bot")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bot.Revision)

	_, err = store.GetChatbot(context.Background(), "ghost")
	assert.Equal(t, errx.CodeNotFound, errx.CodeOf(err))
}

func TestLoadChatbotsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatbots.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chatbots:
  - id: acme-support
    tenant_id: acme
    package_id: support
    channels: [chat, call]
    variables:
      shop_name: Acme
    auth:
      require_auth_for_agents: [billing]
      steps:
        - id: email
          prompt: What is your email?
          field: email
`), 0o600))

	bots, err := LoadChatbotsFile(path)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, "Acme", bots[0].Variables["shop_name"])
	assert.True(t, bots[0].HasChannel(model.ChannelCall))
	require.NotNil(t, bots[0].Auth)
	assert.Equal(t, []string{"billing"}, bots[0].Auth.RequireAuthForAgents)
}
