// Package bootstrap holds the broker-construction logic shared by every
// entry point (cmd/orchestrator, cmd/agentcore) so picking "memory" vs
// "tcp" vs "redis" from configuration lives in exactly one place.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/config"
)

// BuildBroker constructs the Broker bc selects and returns an extra stop
// func for backends (tcp) that also need to tear down a locally hosted
// server goroutine. hostTCPServer is only consulted for bc.Kind == "tcp":
// the orchestrator hosts the listener its own client then dials (true);
// a standalone CLI client only ever dials a listener some other process
// already hosts (false).
func BuildBroker(ctx context.Context, bc config.BrokerConfig, clientName string, hostTCPServer bool) (broker.Broker, func(), error) {
	switch bc.Kind {
	case "", "memory":
		return broker.NewMemoryBroker(), func() {}, nil

	case "redis":
		rb, err := broker.NewRedisBroker(broker.RedisConfig{
			Addr:     bc.Addr,
			Password: bc.Password,
			DB:       bc.DB,
			Group:    bc.Group,
		})
		if err != nil {
			return nil, nil, err
		}
		return rb, func() {}, nil

	case "tcp":
		if !hostTCPServer {
			client, err := broker.NewTCPBroker(ctx, bc.Addr, clientName)
			if err != nil {
				return nil, nil, err
			}
			return client, func() {}, nil
		}

		server := broker.NewTCPServer(bc.Addr)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				log.Printf("bootstrap: tcp broker server: %v", err)
			}
		}()
		// give the listener a moment to come up before the client dials it.
		time.Sleep(50 * time.Millisecond)

		client, err := broker.NewTCPBroker(ctx, bc.Addr, clientName)
		if err != nil {
			server.Close()
			wg.Wait()
			return nil, nil, err
		}
		return client, func() { server.Close(); wg.Wait() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", bc.Kind)
	}
}
