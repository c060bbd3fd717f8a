// Command orchestrator is the entry point for the agent router engine: it
// loads the broker, model client, and agent/tool/group-chat roster from
// YAML configuration, binds every node to the broker, and runs until
// interrupted.
//
// Configuration Loading Strategy:
//  1. -config flag, if set
//  2. AGENTROUTER_CONFIG_PATH environment variable
//  3. config/orchestrator.yaml relative to the working directory
//  4. config/orchestrator.yaml relative to the binary
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agencore/router/internal/agentrouter"
	"github.com/agencore/router/internal/bootstrap"
	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/chatnode"
	"github.com/agencore/router/internal/config"
	"github.com/agencore/router/internal/groupchat"
	"github.com/agencore/router/internal/llm"
	"github.com/agencore/router/internal/noderunner"
	"github.com/agencore/router/internal/tokenbudget"
	"github.com/agencore/router/internal/toolnode"
	"github.com/agencore/router/internal/topics"
)

func main() {
	configFlag := flag.String("config", "", "path to orchestrator.yaml")
	flag.Parse()

	path := config.ResolvePath(*configFlag, "orchestrator.yaml")
	if path == "" {
		log.Fatal("orchestrator: no config file found (use -config, AGENTROUTER_CONFIG_PATH, or config/orchestrator.yaml)")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	log.Printf("orchestrator: loaded config from %s", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, stopBroker, err := bootstrap.BuildBroker(ctx, cfg.Broker, "orchestrator", true)
	if err != nil {
		log.Fatalf("orchestrator: build broker: %v", err)
	}
	defer b.Close()

	client := buildLLM(cfg.LLM)
	log.Printf("orchestrator: model client %s/%s", client.Provider(), client.Model())

	agents, err := cfg.LoadAgents()
	if err != nil {
		log.Fatalf("orchestrator: load agents: %v", err)
	}
	toolSpecs, err := cfg.LoadTools()
	if err != nil {
		log.Fatalf("orchestrator: load tools: %v", err)
	}
	groups, err := cfg.LoadGroups()
	if err != nil {
		log.Fatalf("orchestrator: load groups: %v", err)
	}
	if err := config.Validate(agents, toolSpecs); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	log.Printf("orchestrator: %d agents, %d tools, %d groups", len(agents), len(toolSpecs), len(groups))

	toolDefsByName := make(map[string]llm.ToolDefinition, len(toolSpecs))
	var nodes []noderunner.Node

	for _, spec := range toolSpecs {
		node, def, err := buildToolNode(spec, b)
		if err != nil {
			log.Fatalf("orchestrator: build tool %s: %v", spec.Name, err)
		}
		toolDefsByName[spec.Name] = def
		nodes = append(nodes, node)
	}

	counters := tokenbudget.NewRegistry()

	for _, spec := range agents {
		chatIn := fmt.Sprintf("chat.in.%s", spec.Name)
		chatOut := fmt.Sprintf("chat.out.%s", spec.Name)

		toolRoutes := make(map[string]agentrouter.ToolRoute, len(spec.Tools))
		var toolDefs []llm.ToolDefinition
		for _, w := range spec.Tools {
			switch w.Kind {
			case "delegation":
				toolRoutes[w.Name] = agentrouter.ToolRoute{
					Kind:  agentrouter.DelegationTool,
					Topic: topics.AgentPrivateTopic(w.Name),
				}
				toolDefs = append(toolDefs, delegationToolDefinition(w.Name))
			default:
				toolRoutes[w.Name] = agentrouter.ToolRoute{
					Kind:  agentrouter.RegularTool,
					Topic: topics.ToolInTopic(w.Name),
				}
				if def, ok := toolDefsByName[w.Name]; ok {
					toolDefs = append(toolDefs, def)
				} else {
					log.Printf("orchestrator: agent %s references undefined tool %s", spec.Name, w.Name)
				}
			}
		}

		joinTimeout := time.Duration(cfg.JoinTimeoutSeconds) * time.Second
		if spec.JoinTimeoutSeconds > 0 {
			joinTimeout = time.Duration(spec.JoinTimeoutSeconds) * time.Second
		}
		contextTokens := cfg.ChatContextTokens
		if spec.ContextTokens > 0 {
			contextTokens = spec.ContextTokens
		}
		counters.Register(spec.Name, tokenbudget.SimpleCounter{}, contextTokens)

		router, err := agentrouter.New(agentrouter.Config{
			Name:         spec.Name,
			Tools:        toolRoutes,
			JoinTimeout:  joinTimeout,
			ChatInTopic:  chatIn,
			ChatOutTopic: chatOut,
			SystemPrompt: spec.SystemPrompt,
		}, b)
		if err != nil {
			log.Fatalf("orchestrator: build agent %s: %v", spec.Name, err)
		}
		nodes = append(nodes, router)

		chat := chatnode.New(spec.Name, client, defaultRequestParams(cfg.LLM), b,
			chatnode.WithTopics(chatIn, chatOut),
			chatnode.WithTools(toolDefs),
			chatnode.WithHistoryWindow(counters.Counter(spec.Name), counters.ContextTokens(spec.Name, contextTokens)),
		)
		nodes = append(nodes, chat)
	}

	agentTopicsByName := make(map[string]string, len(agents))
	for _, spec := range agents {
		agentTopicsByName[spec.Name] = topics.AgentPrivateTopic(spec.Name)
	}

	for _, gspec := range groups {
		var agentTopics []string
		for _, name := range gspec.Agents {
			t, ok := agentTopicsByName[name]
			if !ok {
				log.Fatalf("orchestrator: group %s references unknown agent %s", gspec.Name, name)
			}
			agentTopics = append(agentTopics, t)
		}
		group, err := groupchat.New(groupchat.Config{
			Name:        gspec.Name,
			AgentNames:  gspec.Agents,
			AgentTopics: agentTopics,
		}, b)
		if err != nil {
			log.Fatalf("orchestrator: build group %s: %v", gspec.Name, err)
		}
		nodes = append(nodes, group)
	}

	runners, err := noderunner.BindAll(ctx, b, nodes...)
	if err != nil {
		log.Fatalf("orchestrator: bind nodes: %v", err)
	}
	log.Printf("orchestrator: %d nodes bound, ready", len(nodes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("orchestrator: received %s, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	done := make(chan struct{})
	go func() {
		runners.Stop()
		stopBroker()
		close(done)
	}()

	select {
	case <-done:
		log.Print("orchestrator: shutdown complete")
	case <-time.After(10 * time.Second):
		log.Print("orchestrator: shutdown timed out, exiting anyway")
	}
}

func buildLLM(lc config.LLMConfig) llm.LLM {
	switch lc.Provider {
	case "stub":
		log.Print("orchestrator: using stub LLM client (no scripted responses configured)")
		return llm.NewStubLLM()
	default:
		return llm.NewClaudeClient(llm.Config{
			APIKey:      lc.APIKey,
			Model:       lc.Model,
			MaxTokens:   lc.MaxTokens,
			Temperature: lc.Temperature,
			Timeout:     time.Duration(lc.TimeoutSeconds) * time.Second,
			RetryCount:  lc.RetryCount,
		})
	}
}

func defaultRequestParams(lc config.LLMConfig) llm.RequestParams {
	return llm.RequestParams{
		MaxTokens:   lc.MaxTokens,
		Temperature: lc.Temperature,
	}
}

// buildToolNode constructs a tool node for spec. Tools with a configured
// Command run as a subprocess per call; tools without one are wired with a
// placeholder executor that reports a configuration error, so a
// misconfigured roster fails loudly on the first call instead of silently
// never firing.
func buildToolNode(spec config.ToolSpec, b broker.Broker) (*toolnode.Node, llm.ToolDefinition, error) {
	var exec toolnode.Executor
	if len(spec.Command) > 0 {
		e, err := toolnode.SubprocessExecutor(spec.Command)
		if err != nil {
			return nil, llm.ToolDefinition{}, err
		}
		exec = e
	} else {
		name := spec.Name
		exec = func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("tool %q has no command configured", name)
		}
	}

	var node *toolnode.Node
	var err error
	if len(spec.ArgsSchema) > 0 {
		node, err = toolnode.NewWithSchema(spec.Name, spec.Description, spec.ArgsSchema, exec, b)
	} else {
		node, err = toolnode.New(spec.Name, spec.Description, nil, exec, b)
	}
	if err != nil {
		return nil, llm.ToolDefinition{}, err
	}
	return node, node.Definition(), nil
}

// delegationToolDefinition exposes a sub-agent to the model as a callable
// tool: the model only ever supplies a single free-text "question" argument,
// the delegated agent's own router/chat loop handles the rest.
func delegationToolDefinition(agentName string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        agentName,
		Description: fmt.Sprintf("Delegate a question to the %s agent.", agentName),
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question or task to hand to this agent.",
				},
			},
			"required": []string{"question"},
		},
	}
}
