// Package graph builds the supervisor/worker agent graph of a chatbot.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/chative/agent-runtime/internal/agent/graph/prompts"
	"github.com/chative/agent-runtime/internal/agent/graph/tools"
	"github.com/chative/agent-runtime/internal/agent/model"
	logx "github.com/chative/agent-runtime/pkg/logger"
)

// ModelFactory resolves an agent's model reference.
type ModelFactory interface {
	NewChatModel(ctx context.Context, ref string, settings model.ModelSettings) (einomodel.ToolCallingChatModel, error)
}

// Node is one agent of a built graph. Model already has the node's tools bound.
type Node struct {
	Spec               model.AgentSpec
	Model              einomodel.ToolCallingChatModel
	Tools              map[string]*tools.Tool
	Prompt             string
	RoutingDescription string

	parent  *Node
	root    *Node
	workers []*Node
}

func (n *Node) Name() string { return n.Spec.ID }

// Root is fixed when the node is attached and always points at the graph root.
func (n *Node) Root() *Node { return n.root }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Workers() []*Node { return append([]*Node(nil), n.workers...) }

func (n *Node) Tool(name string) (*tools.Tool, bool) {
	t, ok := n.Tools[name]
	return t, ok
}

// attach makes w a worker of n. The root link is taken from n, so it is
// correct no matter when workers are attached.
func (n *Node) attach(w *Node) {
	w.parent = n
	w.root = n.root
	n.workers = append(n.workers, w)
}

// Graph is the built agent graph of one chatbot.
type Graph struct {
	Root       *Node
	MultiAgent bool
	ChatbotID  string
	Revision   int64
}

// FindAgent looks an agent up by id starting from the root.
func (g *Graph) FindAgent(id string) (*Node, bool) {
	var found *Node
	g.walk(func(n *Node) bool {
		if n.Name() == id {
			found = n
			return false
		}
		return true
	})
	return found, found != nil
}

// Nodes returns every node, root first.
func (g *Graph) Nodes() []*Node {
	var out []*Node
	g.walk(func(n *Node) bool {
		out = append(out, n)
		return true
	})
	return out
}

// Verify checks that every node's root reference is the graph root.
func (g *Graph) Verify() error {
	var bad string
	g.walk(func(n *Node) bool {
		if n.root != g.Root {
			bad = n.Name()
			return false
		}
		return true
	})
	if bad != "" {
		return fmt.Errorf("agent %q is not linked to root %q", bad, g.Root.Name())
	}
	return nil
}

func (g *Graph) walk(fn func(*Node) bool) {
	if g.Root == nil {
		return
	}
	stack := []*Node{g.Root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return
		}
		for i := len(n.workers) - 1; i >= 0; i-- {
			stack = append(stack, n.workers[i])
		}
	}
}

// IsMultiAgent is true iff there is more than one agent and at least one supervisor.
func IsMultiAgent(pkg *model.PackageConfig) bool {
	if len(pkg.Agents) < 2 {
		return false
	}
	for _, a := range pkg.Agents {
		if a.Role == model.RoleSupervisor {
			return true
		}
	}
	return false
}

// RoutingDescription is what the supervisor sees about a worker: explicit hint,
// else role designation, else name, with knowledge categories as expertise.
func RoutingDescription(spec model.AgentSpec) string {
	desc := strings.TrimSpace(spec.RoutingHint)
	if desc == "" {
		desc = strings.TrimSpace(spec.RoleDesignation)
	}
	if desc == "" {
		desc = spec.DisplayName()
	}
	if len(spec.KnowledgeCategories) > 0 {
		desc += " Expertise: " + strings.Join(spec.KnowledgeCategories, ", ") + "."
	}
	return desc
}

type cacheKey struct {
	chatbotID string
	channel   model.Channel
	revision  int64
}

// Builder turns a package and a chatbot instance into a Graph and caches the
// result per chatbot, channel and configuration revision.
type Builder struct {
	models    ModelFactory
	registry  *tools.Registry
	retriever tools.Searcher
	knowledge model.KnowledgeConfig

	mu    sync.Mutex
	cache map[cacheKey]*Graph
}

func NewBuilder(models ModelFactory, registry *tools.Registry, retriever tools.Searcher, knowledge model.KnowledgeConfig) *Builder {
	if registry == nil {
		registry = tools.NewDefaultRegistry()
	}
	return &Builder{
		models:    models,
		registry:  registry,
		retriever: retriever,
		knowledge: knowledge,
		cache:     make(map[cacheKey]*Graph),
	}
}

// Build returns the cached graph for (chatbot, channel, revision) or builds it.
func (b *Builder) Build(ctx context.Context, pkg *model.PackageConfig, bot *model.ChatbotInstance, actx *model.AgentContext) (*Graph, error) {
	key := cacheKey{chatbotID: bot.ID, channel: actx.Channel(), revision: bot.Revision}
	b.mu.Lock()
	if g, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return g, nil
	}
	b.mu.Unlock()

	g, err := b.build(ctx, pkg, bot)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// drop graphs of older revisions of this chatbot
	for k := range b.cache {
		if k.chatbotID == bot.ID && k.revision != bot.Revision {
			delete(b.cache, k)
		}
	}
	if existing, ok := b.cache[key]; ok {
		return existing, nil
	}
	b.cache[key] = g
	return g, nil
}

// Invalidate drops every cached graph of a chatbot.
func (b *Builder) Invalidate(chatbotID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.cache {
		if k.chatbotID == chatbotID {
			delete(b.cache, k)
		}
	}
}

func (b *Builder) build(ctx context.Context, pkg *model.PackageConfig, bot *model.ChatbotInstance) (*Graph, error) {
	if pkg == nil || len(pkg.Agents) == 0 {
		return nil, fmt.Errorf("package for chatbot %q has no agents", bot.ID)
	}

	multi := IsMultiAgent(pkg)
	rootSpec := pkg.Agents[0]
	var workerSpecs []model.AgentSpec
	if multi {
		rootIdx := 0
		for i, a := range pkg.Agents {
			if a.Role == model.RoleSupervisor {
				rootIdx = i
				break
			}
		}
		rootSpec = pkg.Agents[rootIdx]
		for i, a := range pkg.Agents {
			if i != rootIdx {
				workerSpecs = append(workerSpecs, a)
			}
		}
	} else if len(pkg.Agents) > 1 {
		logx.Warn().Str("package_id", pkg.ID).Int("agents", len(pkg.Agents)).
			Msg("Package has several agents but no supervisor - running first agent solo")
	}

	root, err := b.newNode(bot, rootSpec)
	if err != nil {
		return nil, err
	}
	root.root = root
	for _, ws := range workerSpecs {
		w, err := b.newNode(bot, ws)
		if err != nil {
			return nil, err
		}
		root.attach(w)
	}

	g := &Graph{Root: root, MultiAgent: multi, ChatbotID: bot.ID, Revision: bot.Revision}
	if err := g.Verify(); err != nil {
		return nil, err
	}

	for _, n := range g.Nodes() {
		if err := b.finishNode(ctx, bot, g, n); err != nil {
			return nil, err
		}
	}

	logx.Debug().
		Str("chatbot_id", bot.ID).
		Str("root_agent", root.Name()).
		Int("workers", len(root.workers)).
		Bool("multi_agent", multi).
		Msg("Agent graph built successfully")
	return g, nil
}

func (b *Builder) newNode(bot *model.ChatbotInstance, spec model.AgentSpec) (*Node, error) {
	built, err := b.registry.BuildForAgent(tools.Env{
		Agent:     spec,
		Chatbot:   bot,
		Retriever: b.retriever,
		Knowledge: b.knowledge,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", spec.ID, err)
	}
	n := &Node{
		Spec:               spec,
		Tools:              make(map[string]*tools.Tool, len(built)+1),
		RoutingDescription: RoutingDescription(spec),
	}
	for _, t := range built {
		n.Tools[t.Name] = t
	}
	return n, nil
}

// finishNode adds the transfer tool, renders the prompt and binds the model.
// It runs after linkage so routes and peers are known.
func (b *Builder) finishNode(ctx context.Context, bot *model.ChatbotInstance, g *Graph, n *Node) error {
	cfg := prompts.AgentPromptConfig{
		Instructions:        n.Spec.Instructions,
		Variables:           bot.Variables,
		KnowledgeCategories: n.Spec.KnowledgeCategories,
	}
	_, cfg.CanEscalate = n.Tools[tools.RequestHumanToolName]

	if g.MultiAgent {
		targets := map[string]string{}
		if n == g.Root {
			for _, w := range n.workers {
				targets[w.Name()] = w.RoutingDescription
				cfg.Routes = append(cfg.Routes, prompts.Route{Name: w.Name(), Description: w.RoutingDescription})
			}
		} else {
			root := n.Root()
			targets[root.Name()] = "Supervisor. Handles general requests and routing."
			cfg.Supervisor = root.Name()
			for _, peer := range root.workers {
				if peer == n {
					continue
				}
				targets[peer.Name()] = peer.RoutingDescription
				cfg.Peers = append(cfg.Peers, peer.Name())
			}
		}
		if len(targets) > 0 {
			tt, err := tools.NewTransferTool(targets)
			if err != nil {
				return fmt.Errorf("agent %q: %w", n.Name(), err)
			}
			n.Tools[tt.Name] = tt
		}
	}

	prompt, err := prompts.RenderAgentSystem(ctx, cfg)
	if err != nil {
		return fmt.Errorf("agent %q: %w", n.Name(), err)
	}
	n.Prompt = prompt

	cm, err := b.models.NewChatModel(ctx, n.Spec.Model, n.Spec.Settings)
	if err != nil {
		return err
	}
	if len(n.Tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(n.Tools))
		for _, name := range sortedToolNames(n.Tools) {
			info, err := n.Tools[name].Info(ctx)
			if err != nil {
				return fmt.Errorf("agent %q tool %q info: %w", n.Name(), name, err)
			}
			infos = append(infos, info)
		}
		if cm, err = cm.WithTools(infos); err != nil {
			logx.Error().Err(err).Str("agent_id", n.Name()).Msg("Failed to bind tools to chat model")
			return fmt.Errorf("bind tools for agent %q: %w", n.Name(), err)
		}
	}
	n.Model = cm
	return nil
}
