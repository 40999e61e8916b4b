package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

func echoHandler(_ context.Context, _ ToolContext, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: string(params)}, nil
}

func TestRegisterAndExecute(t *testing.T) {
	r := New(observability.NewLogger(observability.LogConfig{}))

	def := models.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"text": map[string]any{"type": "string"}},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
		Group:       models.GroupSystem,
		SafetyLevel: models.SafetyReadOnly,
	}
	if err := r.Register(def, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", ToolContext{}, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
}

func TestExecute_SchemaRejectsMissingRequired(t *testing.T) {
	r := New(observability.NewLogger(observability.LogConfig{}))
	def := models.ToolDefinition{
		Name: "echo",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
	}
	if err := r.Register(def, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", ToolContext{}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected schema validation failure")
	}
}

func TestExecute_UnknownToolReturnsErrorResult(t *testing.T) {
	r := New(observability.NewLogger(observability.LogConfig{}))
	res, err := r.Execute(context.Background(), "missing", ToolContext{}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool-not-found error result")
	}
}

func TestUnregister_RemovesTool(t *testing.T) {
	r := New(observability.NewLogger(observability.LogConfig{}))
	def := models.ToolDefinition{Name: "echo"}
	if err := r.Register(def, echoHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Fatal("expected tool removed")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestList_HidesHiddenByDefault(t *testing.T) {
	r := New(observability.NewLogger(observability.LogConfig{}))
	if err := r.Register(models.ToolDefinition{Name: "visible"}, echoHandler); err != nil {
		t.Fatalf("register visible: %v", err)
	}
	if err := r.Register(models.ToolDefinition{Name: "hidden", Hidden: true}, echoHandler); err != nil {
		t.Fatalf("register hidden: %v", err)
	}

	visible := r.List(false)
	if len(visible) != 1 || visible[0].Name != "visible" {
		t.Fatalf("expected only 'visible' tool, got %+v", visible)
	}

	all := r.List(true)
	if len(all) != 2 {
		t.Fatalf("expected 2 tools with includeHidden, got %d", len(all))
	}
}
