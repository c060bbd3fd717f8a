// Command agentcore is a thin CLI client for a running orchestrator: it
// publishes a single user prompt to a named agent's entrypoint topic and
// prints whatever final response comes back, for scripting and manual
// smoke-testing against a live broker.
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
	"time"

	"github.com/agencore/router/internal/bootstrap"
	"github.com/agencore/router/internal/config"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/noderunner"
	"github.com/agencore/router/internal/topics"
	"github.com/google/uuid"
)

func main() {
	configFlag := flag.String("config", "", "path to orchestrator.yaml")
	agentFlag := flag.String("agent", "", "name of the agent to address (required)")
	promptFlag := flag.String("prompt", "", "the user prompt to send (required)")
	timeoutFlag := flag.Duration("timeout", 60*time.Second, "how long to wait for a final response")
	flag.Parse()

	if *agentFlag == "" || *promptFlag == "" {
		fmt.Fprintln(os.Stderr, "agentcore: -agent and -prompt are required")
		os.Exit(2)
	}

	path := config.ResolvePath(*configFlag, "orchestrator.yaml")
	if path == "" {
		log.Fatal("agentcore: no config file found (use -config, AGENTROUTER_CONFIG_PATH, or config/orchestrator.yaml)")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("agentcore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	b, stopBroker, err := bootstrap.BuildBroker(ctx, cfg.Broker, "agentcore", false)
	if err != nil {
		log.Fatalf("agentcore: build broker: %v", err)
	}
	defer stopBroker()
	defer b.Close()

	returnTopic := "agentcore.reply." + uuid.New().String()
	bridge := noderunner.NewEventBridge(b)
	replies, cancelWatch, err := bridge.Watch(ctx, returnTopic)
	if err != nil {
		log.Fatalf("agentcore: watch reply topic: %v", err)
	}
	defer cancelWatch()

	env := envelope.New(envelope.KindUserPrompt, returnTopic)
	env.LatestMessage = &envelope.Message{Role: envelope.RoleUserInput, Text: *promptFlag}

	if err := b.Publish(ctx, topics.AgentPrivateTopic(*agentFlag), env); err != nil {
		log.Fatalf("agentcore: publish prompt: %v", err)
	}

	select {
	case reply := <-replies:
		if reply.LatestMessage != nil {
			fmt.Println(reply.LatestMessage.Text)
		}
	case <-ctx.Done():
		log.Fatalf("agentcore: timed out waiting for a reply from %q", *agentFlag)
	}
}
