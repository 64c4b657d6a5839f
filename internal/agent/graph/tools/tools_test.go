package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	last model.SearchQuery
}

func (f *fakeSearcher) SearchWithContext(_ context.Context, q model.SearchQuery) (string, []model.SearchResult, error) {
	f.last = q
	return "<retrieved_knowledge>...</retrieved_knowledge>", []model.SearchResult{
		{Content: "x", Citation: model.Citation{DocumentID: "d1", DocumentName: "FAQ", Score: 0.8}},
		{Content: "x", Citation: model.Citation{DocumentID: "d1", DocumentName: "FAQ", Score: 0.8}},
	}, nil
}

func turnCtx(vars, secured map[string]string) (context.Context, *Scope) {
	scope := &Scope{Agent: model.NewAgentContext(model.AgentContextParams{
		ConversationID:   "conv-1",
		TenantID:         "acme",
		EndUserID:        "u1",
		Variables:        vars,
		SecuredVariables: secured,
	})}
	return WithScope(context.Background(), scope), scope
}

func TestBuildForAgent_SynthesizesKnowledgeTool(t *testing.T) {
	reg := NewDefaultRegistry()
	searcher := &fakeSearcher{}
	env := Env{
		Agent: model.AgentSpec{
			ID:                  "support",
			Tools:               []string{CurrentTimeToolName, CurrentTimeToolName},
			KnowledgeCategories: []string{"faq", "policies"},
			KnowledgeThreshold:  model.Threshold(0.4),
		},
		Retriever: searcher,
		Knowledge: model.KnowledgeConfig{DefaultLimit: 3},
	}

	built, err := reg.BuildForAgent(env)
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, CurrentTimeToolName, built[0].Name)
	assert.Equal(t, SearchKnowledgeToolName, built[1].Name)
	assert.Equal(t, KindKnowledge, built[1].Kind)
	assert.NotEmpty(t, built[1].StatusText)

	ctx, scope := turnCtx(nil, nil)
	out, err := built[1].InvokableRun(ctx, `{"query":"return policy"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "retrieved_knowledge")
	assert.Equal(t, "acme", searcher.last.TenantID)
	assert.Equal(t, []string{"faq", "policies"}, searcher.last.Categories)
	require.NotNil(t, searcher.last.Threshold)
	assert.Equal(t, 0.4, *searcher.last.Threshold)
	assert.Equal(t, 3, searcher.last.Limit)
	assert.Len(t, scope.Sources(), 1)
}

func TestBuildForAgent_Errors(t *testing.T) {
	reg := NewDefaultRegistry()
	_, err := reg.BuildForAgent(Env{Agent: model.AgentSpec{ID: "a", Tools: []string{"nope"}}})
	assert.Error(t, err)

	_, err = reg.BuildForAgent(Env{Agent: model.AgentSpec{ID: "a", KnowledgeCategories: []string{"faq"}}})
	assert.Error(t, err)
}

func TestRequestHumanTool(t *testing.T) {
	tl, err := NewDefaultRegistry().Build(RequestHumanToolName, Env{})
	require.NoError(t, err)
	assert.Equal(t, KindEscalation, tl.Kind)

	out, err := tl.InvokableRun(context.Background(), `{"reason":"angry customer"}`)
	require.NoError(t, err)
	var res ActionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, ActionEscalate, res.Action)
	assert.Equal(t, "angry customer", res.Reason)
}

func TestTransferTool(t *testing.T) {
	tl, err := NewTransferTool(map[string]string{"billing": "Handles invoices", "sales": "Handles quotes"})
	require.NoError(t, err)
	assert.Equal(t, KindTransfer, tl.Kind)

	info, err := tl.Info(context.Background())
	require.NoError(t, err)
	assert.Contains(t, info.Desc, "- billing: Handles invoices")

	out, err := tl.InvokableRun(context.Background(), `{"agent_name":"billing"}`)
	require.NoError(t, err)
	var res ActionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, ActionTransfer, res.Action)
	assert.Equal(t, "billing", res.Target)

	_, err = tl.InvokableRun(context.Background(), `{"agent_name":"ghost"}`)
	assert.Error(t, err)

	_, err = NewTransferTool(nil)
	assert.Error(t, err)
}

func TestLookupVariableTool(t *testing.T) {
	bot := &model.ChatbotInstance{Variables: map[string]string{"hours": "9-17"}}
	tl, err := NewDefaultRegistry().Build(LookupVariableToolName, Env{Chatbot: bot})
	require.NoError(t, err)

	ctx, _ := turnCtx(bot.Variables, map[string]string{"secret": "s"})
	out, err := tl.InvokableRun(ctx, `{"name":"hours"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"value":"9-17"`)

	out, err = tl.InvokableRun(ctx, `{"name":"secret"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"found":false`)
}

func TestWebhookTool_UsesSecuredToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tl, err := NewDefaultRegistry().Build(WebhookToolName, Env{})
	require.NoError(t, err)

	ctx, _ := turnCtx(map[string]string{WebhookURLVariable: srv.URL}, map[string]string{WebhookTokenVariable: "tok"})
	out, err := tl.InvokableRun(ctx, `{"event":"callback","payload":{"name":"Ann"}}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":202`)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "callback", gotBody["event"])
	assert.Equal(t, "conv-1", gotBody["conversation_id"])

	noURL, _ := turnCtx(nil, nil)
	_, err = tl.InvokableRun(noURL, `{"event":"x"}`)
	assert.Error(t, err)
}

func TestParam_ToParameterInfo(t *testing.T) {
	p := &Param{
		Type: TypeObject,
		Properties: map[string]*Param{
			"tags": {Type: TypeArray, Items: &Param{Type: TypeString, Enum: []string{"a", "b"}}},
		},
		Required: true,
	}
	info := p.ToParameterInfo()
	assert.Equal(t, schema.Object, info.Type)
	require.Contains(t, info.SubParams, "tags")
	assert.Equal(t, schema.Array, info.SubParams["tags"].Type)
	assert.Equal(t, []string{"a", "b"}, info.SubParams["tags"].ElemInfo.Enum)
	assert.True(t, info.Required)
}

func TestJSONSchema(t *testing.T) {
	info := NewToolInfo("t", "d", map[string]*Param{
		"query": {Type: TypeString, Description: "q", Required: true},
	})
	js, err := JSONSchema(info)
	require.NoError(t, err)
	assert.Equal(t, "object", js["type"])
	props, ok := js["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")

	empty, err := JSONSchema(&schema.ToolInfo{Name: "noargs"})
	require.NoError(t, err)
	assert.Equal(t, "object", empty["type"])
}

func TestScopeFrom_Default(t *testing.T) {
	s := ScopeFrom(context.Background())
	require.NotNil(t, s.Agent)
	assert.Empty(t, s.Agent.TenantID())
}
