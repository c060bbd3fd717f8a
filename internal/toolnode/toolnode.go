// Package toolnode implements one named external capability, subscribed to
// tool.in.{tool_name}, publishing exactly one tool_result per
// tool_call_request it services. A request whose tool name does not match
// the node is logged and dropped without a tool_result.
package toolnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"reflect"

	"github.com/invopop/jsonschema"
	jsonschemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agencore/router/internal/broker"
	"github.com/agencore/router/internal/envelope"
	"github.com/agencore/router/internal/llm"
	"github.com/agencore/router/internal/telemetry"
	"github.com/agencore/router/internal/topics"
)

// Executor performs the capability's actual work. args is the decoded
// argument object; the returned string becomes the tool_return's text.
// Side effects are opaque to this package.
type Executor func(ctx context.Context, args map[string]any) (string, error)

var schemaReflector = jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: false}

// Node is one tool capability.
type Node struct {
	name        string
	description string
	schema      map[string]any
	validator   *jsonschemavalidate.Schema
	exec        Executor
	b           broker.Broker
}

// New builds a tool node with a schema reflected from argsShape (a struct
// or pointer to struct whose fields describe the tool's arguments). Every
// call's arguments are validated against that schema before exec runs.
func New(name, description string, argsShape any, exec Executor, b broker.Broker) (*Node, error) {
	schema, err := reflectSchema(argsShape)
	if err != nil {
		return nil, fmt.Errorf("toolnode %s: %w", name, err)
	}
	return newWithSchema(name, description, schema, exec, b)
}

// NewWithSchema builds a tool node from an already-authored JSON Schema
// object (e.g. one loaded from configuration) rather than one reflected
// from a Go struct. Arguments are validated against schema exactly as New
// validates against a reflected one, so a config-supplied schema is not
// merely cosmetic for the LLM-facing Definition — it is the schema calls
// are actually checked against.
func NewWithSchema(name, description string, schema map[string]any, exec Executor, b broker.Broker) (*Node, error) {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return newWithSchema(name, description, schema, exec, b)
}

func newWithSchema(name, description string, schema map[string]any, exec Executor, b broker.Broker) (*Node, error) {
	validator, err := compileSchema(name, schema)
	if err != nil {
		return nil, err
	}
	return &Node{name: name, description: description, schema: schema, validator: validator, exec: exec, b: b}, nil
}

// compileSchema compiles schema (a reflected or user-supplied JSON Schema
// object) into a validator the node can run each call's arguments through.
func compileSchema(name string, schema map[string]any) (*jsonschemavalidate.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolnode %s: marshal schema: %w", name, err)
	}
	resource := name + ".json"
	compiler := jsonschemavalidate.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("toolnode %s: add schema resource: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("toolnode %s: compile schema: %w", name, err)
	}
	return compiled, nil
}

// Name returns the tool's registered name, also used as the {name}
// placeholder in its topic templates.
func (n *Node) Name() string { return n.name }

// Definition surfaces this tool to the LLM client as a tool_schema.
func (n *Node) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: n.name, Description: n.description, Schema: n.schema}
}

func (n *Node) Wiring() []topics.Binding {
	return []topics.Binding{
		{Role: topics.SharedSubscribe, Topic: topics.ToolInTemplate},
		{Role: topics.Publish, Topic: topics.ToolOutTemplate},
	}
}

// Handle validates, decodes, executes, and publishes exactly one
// tool_result.
func (n *Node) Handle(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := telemetry.StartHop(ctx, "tool:"+n.name, env.TraceID)
	var err error
	defer func() { telemetry.EndHop(span, err) }()

	call, mismatch := n.soleCall(env)
	if mismatch != nil {
		log.Printf("toolnode %s: %v", n.name, mismatch)
		return nil // protocol error: logged, dropped
	}

	if call.DecodeError != "" {
		err = n.publishResult(ctx, env, call, "", fmt.Errorf("%s", call.DecodeError))
		return err
	}
	args := call.Arguments
	if args == nil {
		// A call with no arguments is an empty object, not JSON null.
		args = map[string]any{}
	}
	if n.validator != nil {
		if verr := n.validator.Validate(args); verr != nil {
			err = n.publishResult(ctx, env, call, "", fmt.Errorf("arguments failed schema validation: %w", verr))
			return err
		}
	}

	text, execErr := n.exec(ctx, args)
	err = n.publishResult(ctx, env, call, text, execErr)
	return err
}

// publishResult builds and publishes the tool_result for one call: a
// successful result when execErr is nil, a structured-error payload
// otherwise (decode failure, schema-validation failure, or executor error).
func (n *Node) publishResult(ctx context.Context, env *envelope.Envelope, call envelope.ToolCall, text string, execErr error) error {
	result := envelope.Message{
		Role:       envelope.RoleToolReturn,
		ToolCallID: call.ID,
		ToolName:   n.name,
	}
	if execErr != nil {
		result.IsError = true
		result.Text = fmt.Sprintf("tool %q failed: %v", n.name, execErr)
	} else {
		result.Text = text
	}

	out := env.Clone()
	out.Kind = envelope.KindToolResult
	out.LatestMessage = &result

	return n.b.Publish(ctx, topics.ToolOutTopic(n.name), out)
}

// MismatchedToolCallError reports a tool_call_request this node cannot
// service: wrong kind, missing or multiple tool calls, or a call addressed
// to a different tool name.
type MismatchedToolCallError struct {
	ToolNode string
	Reason   string
}

func (e *MismatchedToolCallError) Error() string {
	return fmt.Sprintf("toolnode %s: mismatched tool call: %s", e.ToolNode, e.Reason)
}

func (n *Node) soleCall(env *envelope.Envelope) (envelope.ToolCall, error) {
	if env.Kind != envelope.KindToolCallRequest {
		return envelope.ToolCall{}, &MismatchedToolCallError{ToolNode: n.name, Reason: fmt.Sprintf("kind %q is not tool_call_request", env.Kind)}
	}
	if env.LatestMessage == nil || len(env.LatestMessage.ToolCalls) != 1 {
		return envelope.ToolCall{}, &MismatchedToolCallError{ToolNode: n.name, Reason: "latest_message does not carry exactly one tool call"}
	}
	call := env.LatestMessage.ToolCalls[0]
	if call.ToolName != n.name {
		return envelope.ToolCall{}, &MismatchedToolCallError{ToolNode: n.name, Reason: fmt.Sprintf("call addressed %q", call.ToolName)}
	}
	return call, nil
}

func reflectSchema(argsShape any) (map[string]any, error) {
	if argsShape == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}, nil
	}
	t := reflect.TypeOf(argsShape)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("argsShape must be a struct or pointer to struct, got %s", t.Kind())
	}
	reflected := schemaReflector.Reflect(reflect.New(t).Interface())
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize reflected schema: %w", err)
	}
	return out, nil
}

// DecodeArgs validates that raw, if non-empty, is a JSON object and decodes
// it. Tool executors built over external processes (rather than typed
// struct args) can use this to get a map[string]any from a scripted call.
func DecodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return out, nil
}
