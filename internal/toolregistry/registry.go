// Package toolregistry implements the Tool Registry (C3): a concurrent
// name-to-handler map the dispatcher consults each turn to list tools
// visible to the LLM and to execute the ones it calls. Registration is
// idempotent by name, and adds JSON Schema validation of call arguments
// against each tool's declared InputSchema before the handler ever runs.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/payment"
	"github.com/nexuscore/agentengine/internal/search"
	"github.com/nexuscore/agentengine/internal/sessioncache"
	"github.com/nexuscore/agentengine/internal/skillregistry"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/pkg/models"
)

// Tool parameter limits, guarding against resource exhaustion.
const (
	MaxToolNameLength  = 256
	MaxToolParamsBytes = 10 << 20
)

// SubAgentSpawner is the narrow slice of the Sub-Agent Manager (C11) a tool
// needs to fan work out to children, kept as an interface here (rather than
// an import of internal/subagent) so C11 is free to depend on this package
// for tool execution without creating an import cycle.
type SubAgentSpawner interface {
	Spawn(ctx context.Context, task, label string, readOnly bool) (string, error)
	Status(parentID string) []models.SubAgent
}

// WalletProvider is the narrow read-only wallet surface tools need to sign
// or quote against, kept as an interface for the same import-cycle reason
// as SubAgentSpawner.
type WalletProvider interface {
	Address() string
}

// ToolContext bundles everything a Handler needs beyond its raw arguments:
// the caller's identity/session/channel, handles into the Durable Store
// (C1), Active Session Cache (C2), this registry (C3), the Skill Registry
// (C4), the Hybrid Search Engine (C6), the Payment Client (C7), the Event
// Broadcaster (C9), the Sub-Agent Manager (C11), a wallet provider, a
// per-turn Register for passing values between composite tool steps, and a
// random-access HTTP client.
type ToolContext struct {
	IdentityID string
	SessionID  int64
	ChannelID  string

	Store       storage.Store
	Sessions    *sessioncache.Cache
	Tools       *Registry
	Skills      *skillregistry.Registry
	Search      *search.Engine
	Payment     *payment.Client
	Broadcaster *events.Broadcaster
	SubAgents   SubAgentSpawner
	Wallet      WalletProvider

	Register   models.Register
	HTTPClient *http.Client
}

// ToolResult is what a Handler returns to the dispatcher.
type ToolResult struct {
	Content  string
	IsError  bool
	Metadata map[string]any
}

// Handler executes one tool call. Implementations should treat params as
// already validated against the tool's InputSchema.
type Handler func(ctx context.Context, tc ToolContext, params json.RawMessage) (*ToolResult, error)

type registeredTool struct {
	def     models.ToolDefinition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry is the Tool Registry. Safe for concurrent use.
type Registry struct {
	log *observability.Logger

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// New constructs an empty Registry.
func New(log *observability.Logger) *Registry {
	return &Registry{log: log, tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool by name. If def.InputSchema is non-empty
// it is compiled once at registration time so a malformed schema is caught
// immediately rather than on the first call.
func (r *Registry) Register(def models.ToolDefinition, handler Handler) error {
	var compiled *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return observability.NewError(observability.KindValidation, "invalid input schema for tool "+def.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		resourceURL := "mem://tool-schema/" + def.Name + ".json"
		if err := compiler.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
			return observability.NewError(observability.KindValidation, "invalid input schema for tool "+def.Name, err)
		}
		compiled, err = compiler.Compile(resourceURL)
		if err != nil {
			return observability.NewError(observability.KindValidation, "invalid input schema for tool "+def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &registeredTool{def: def, handler: handler, schema: compiled}
	r.log.Debug(context.Background(), "tool registered", "tool", def.Name)
	return nil
}

// Unregister removes a tool by name. It is a no-op if the tool isn't
// present, so hot-reload paths can call it unconditionally.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool's static definition by name.
func (r *Registry) Get(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return models.ToolDefinition{}, false
	}
	return t.def, true
}

// List returns every registered tool's definition, excluding hidden ones
// unless includeHidden is set.
func (r *Registry) List(includeHidden bool) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if t.def.Hidden && !includeHidden {
			continue
		}
		out = append(out, t.def)
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute validates params against the named tool's schema (if any) and
// runs its handler. Tool-not-found, oversized-input, and schema-validation
// failures are returned as error ToolResults rather than Go errors, so the
// dispatcher can feed them straight back to the LLM as a tool_result.
func (r *Registry) Execute(ctx context.Context, name string, tc ToolContext, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{IsError: true, Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)}, nil
	}
	if len(params) > MaxToolParamsBytes {
		return &ToolResult{IsError: true, Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsBytes)}, nil
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{IsError: true, Content: "tool not found: " + name}, nil
	}

	if t.schema != nil {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return &ToolResult{IsError: true, Content: "invalid JSON parameters: " + err.Error()}, nil
		}
		if err := t.schema.Validate(v); err != nil {
			return &ToolResult{IsError: true, Content: "parameters failed schema validation: " + err.Error()}, nil
		}
	}

	return t.handler(ctx, tc, params)
}
