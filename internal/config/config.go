// Package config loads the orchestrator's YAML configuration: broker
// selection, the LLM provider, and the agent/tool/group-chat roster that
// cmd/orchestrator wires up at startup.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Broker BrokerConfig `yaml:"broker"`
	LLM    LLMConfig    `yaml:"llm"`

	// BaseDir anchors every relative path below it (agents/tools/groups
	// glob patterns).
	BaseDir []string `yaml:"basedir"`

	// Agents/Tools/Groups are glob patterns (relative to BaseDir unless
	// absolute) naming the roster files to load.
	Agents []string `yaml:"agents"`
	Tools  []string `yaml:"tools"`
	Groups []string `yaml:"groups"`

	// JoinTimeoutSeconds bounds how long an agent router waits for every
	// tool_result of a dispatched model response before force-completing
	// the join with synthetic errors. 0 disables the bound.
	JoinTimeoutSeconds int `yaml:"join_timeout_seconds"`

	// ChatContextTokens is the default history window size, in tokens,
	// handed to a chat node absent a per-agent override.
	ChatContextTokens int `yaml:"chat_context_tokens"`
}

// BrokerConfig selects and configures the Broker implementation.
type BrokerConfig struct {
	// Kind is "memory" (default, in-process), "tcp", or "redis".
	Kind string `yaml:"kind"`

	Addr     string `yaml:"addr"`     // tcp/redis: host:port
	Password string `yaml:"password"` // redis
	DB       int    `yaml:"db"`       // redis
	Group    string `yaml:"group"`    // redis consumer group name
}

// LLMConfig selects and configures the model client.
type LLMConfig struct {
	// Provider is "anthropic" or "stub".
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RetryCount     int     `yaml:"retry_count"`
}

// Load reads and defaults the top-level config file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "memory"
	}
	if cfg.Broker.Group == "" {
		cfg.Broker.Group = "agentrouter"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.ChatContextTokens == 0 {
		cfg.ChatContextTokens = 32000
	}
	if cfg.JoinTimeoutSeconds < 0 {
		return nil, fmt.Errorf("config: join_timeout_seconds cannot be negative: %d", cfg.JoinTimeoutSeconds)
	}

	return &cfg, nil
}

// AgentSpec describes one agent router instance and the tools its model may
// call.
type AgentSpec struct {
	Name               string       `yaml:"name"`
	SystemPrompt       string       `yaml:"system_prompt"`
	Tools              []ToolWiring `yaml:"tools"`
	JoinTimeoutSeconds int          `yaml:"join_timeout_seconds"`
	ContextTokens      int          `yaml:"context_tokens"`
}

// ToolWiring names one tool an agent's model may call and whether it's a
// regular external capability or a delegated sub-agent.
type ToolWiring struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "regular" (default) or "delegation"
}

// ToolSpec describes one external-process-backed tool capability.
// Command, if set, is argv for a subprocess invoked with the tool's decoded
// arguments as JSON on stdin and the tool_result text expected on stdout.
// A tool without Command is still wired by cmd/orchestrator, with an
// executor that fails every call with a configuration error.
type ToolSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     []string       `yaml:"command,omitempty"`
	ArgsSchema  map[string]any `yaml:"args_schema,omitempty"`
}

// GroupSpec describes one group chat's fixed roster, by agent name.
type GroupSpec struct {
	Name   string   `yaml:"name"`
	Agents []string `yaml:"agents"`
}

// LoadAgents resolves cfg.Agents' glob patterns against cfg.BaseDir and
// loads every "---"-separated agent document they match.
func (c *Config) LoadAgents() ([]AgentSpec, error) {
	var out []AgentSpec
	err := c.loadDocs(c.Agents, func(dec *yaml.Decoder) error {
		var doc struct {
			Agent AgentSpec `yaml:"agent"`
		}
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		if doc.Agent.Name != "" {
			out = append(out, doc.Agent)
		}
		return nil
	})
	return out, err
}

// LoadTools resolves cfg.Tools' glob patterns and loads every tool document.
func (c *Config) LoadTools() ([]ToolSpec, error) {
	var out []ToolSpec
	err := c.loadDocs(c.Tools, func(dec *yaml.Decoder) error {
		var doc struct {
			Tool ToolSpec `yaml:"tool"`
		}
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		if doc.Tool.Name != "" {
			out = append(out, doc.Tool)
		}
		return nil
	})
	return out, err
}

// LoadGroups resolves cfg.Groups' glob patterns and loads every group-chat
// roster document.
func (c *Config) LoadGroups() ([]GroupSpec, error) {
	var out []GroupSpec
	err := c.loadDocs(c.Groups, func(dec *yaml.Decoder) error {
		var doc struct {
			Group GroupSpec `yaml:"group"`
		}
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		if doc.Group.Name != "" {
			out = append(out, doc.Group)
		}
		return nil
	})
	return out, err
}

// loadDocs expands every glob pattern in patterns (relative to BaseDir
// unless absolute) and runs decodeOne over every "---"-separated YAML
// document in every matched file.
func (c *Config) loadDocs(patterns []string, decodeOne func(*yaml.Decoder) error) error {
	for _, pattern := range patterns {
		resolved := pattern
		if !filepath.IsAbs(resolved) && len(c.BaseDir) > 0 {
			resolved = filepath.Join(c.BaseDir[0], resolved)
		}

		matches, err := filepath.Glob(resolved)
		if err != nil {
			return fmt.Errorf("config: invalid glob pattern %s: %w", resolved, err)
		}
		if c.Debug {
			fmt.Printf("[config] pattern %q -> %q matched %d files\n", pattern, resolved, len(matches))
		}

		for _, file := range matches {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("config: read %s: %w", file, err)
			}
			dec := yaml.NewDecoder(bytes.NewReader(data))
			for {
				if err := decodeOne(dec); err != nil {
					if err.Error() == "EOF" {
						break
					}
					return fmt.Errorf("config: parse %s: %w", file, err)
				}
			}
		}
	}
	return nil
}

// Validate checks that every agent's tool wiring of kind "delegation"
// references another configured agent, and every "regular" tool wiring
// references a configured tool, catching a misconfigured roster before the
// orchestrator starts routing traffic.
func Validate(agents []AgentSpec, tools []ToolSpec) error {
	agentNames := make(map[string]bool, len(agents))
	for _, a := range agents {
		agentNames[a.Name] = true
	}
	toolNames := make(map[string]bool, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = true
	}

	var problems []string
	for _, a := range agents {
		for _, w := range a.Tools {
			switch w.Kind {
			case "delegation":
				if !agentNames[w.Name] {
					problems = append(problems, fmt.Sprintf("agent %q delegates to unknown agent %q", a.Name, w.Name))
				}
			default:
				if !toolNames[w.Name] {
					problems = append(problems, fmt.Sprintf("agent %q references unknown tool %q", a.Name, w.Name))
				}
			}
		}
	}

	if len(problems) > 0 {
		msg := "config validation failed:\n"
		for _, p := range problems {
			msg += "  - " + p + "\n"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
