package dispatcher

import (
	"context"
	"encoding/json"
)

// CompletionMessage is one turn of conversation handed to an LLMProvider.
// Role is one of "system", "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResultMessage
}

// ToolCall is a structured tool invocation the model asked for.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultMessage is the outcome of executing a ToolCall, fed back to the
// model as history on the next CallLLM.
type ToolResultMessage struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolSpec is the model-visible shape of one registered tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CompletionRequest is the provider-agnostic shape BuildContext assembles
// each turn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolSpec
	MaxTokens int
}

// CompletionResponse is what CallLLM gets back: either plain text or one or
// more tool calls (never both meaningfully — ClassifyResponse treats any
// non-empty ToolCalls as the tool-call branch regardless of Text).
type CompletionResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// LLMProvider is the narrow seam CallLLM talks to. Each concrete
// implementation wraps one upstream SDK (Anthropic, OpenAI-compatible,
// Bedrock) behind this single non-streaming Complete call — the dispatcher
// itself never depends on a provider-specific type.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Router picks a provider and model for a turn: subtype.PreferredModel,
// falling back to the engine-wide default model, then resolves which
// LLMProvider implementation serves that model.
type Router struct {
	providers    map[string]LLMProvider
	modelProvider map[string]string // model -> provider name
	defaultModel string
}

// NewRouter constructs a Router. defaultModel is used when the subtype
// names no preferred model.
func NewRouter(defaultModel string) *Router {
	return &Router{
		providers:     make(map[string]LLMProvider),
		modelProvider: make(map[string]string),
		defaultModel:  defaultModel,
	}
}

// Register associates every model in models with provider, so Resolve can
// route a model name back to the provider that serves it.
func (r *Router) Register(provider LLMProvider, models ...string) {
	r.providers[provider.Name()] = provider
	for _, m := range models {
		r.modelProvider[m] = provider.Name()
	}
}

// Resolve picks the model (preferred, else the router default) and returns
// the provider that serves it.
func (r *Router) Resolve(preferred string) (LLMProvider, string, bool) {
	model := preferred
	if model == "" {
		model = r.defaultModel
	}
	name, ok := r.modelProvider[model]
	if !ok {
		return nil, model, false
	}
	return r.providers[name], model, true
}
