package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

type stubSpawner struct {
	spawned []string
	status  []models.SubAgent
	err     error
}

func (s *stubSpawner) Spawn(ctx context.Context, task, label string, readOnly bool) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	id := "run-" + label
	s.spawned = append(s.spawned, id)
	return id, nil
}

func (s *stubSpawner) Status(parentID string) []models.SubAgent {
	return s.status
}

func TestSpawnSubagentsHandler_SpawnsEachTask(t *testing.T) {
	spawner := &stubSpawner{}
	tc := toolregistry.ToolContext{SubAgents: spawner}

	params := json.RawMessage(`{"tasks":[{"task":"research A","label":"a"},{"task":"research B","label":"b"}]}`)
	res, err := SpawnSubagentsHandler(context.Background(), tc, params)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if len(spawner.spawned) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(spawner.spawned))
	}
}

func TestSpawnSubagentsHandler_EmptyTasksIsError(t *testing.T) {
	tc := toolregistry.ToolContext{SubAgents: &stubSpawner{}}
	res, err := SpawnSubagentsHandler(context.Background(), tc, json.RawMessage(`{"tasks":[]}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for empty tasks")
	}
}

func TestSpawnSubagentsHandler_NoSpawnerConfigured(t *testing.T) {
	res, err := SpawnSubagentsHandler(context.Background(), toolregistry.ToolContext{}, json.RawMessage(`{"tasks":[{"task":"x"}]}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result when no spawner is configured")
	}
}

func TestSubagentStatusHandler_ReportsRecords(t *testing.T) {
	spawner := &stubSpawner{status: []models.SubAgent{
		{ID: "run-1", Label: "a", Task: "research A", Status: models.SubAgentCompleted},
	}}
	tc := toolregistry.ToolContext{SubAgents: spawner}

	res, err := SubagentStatusHandler(context.Background(), tc, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}
	if res.Content == "" {
		t.Fatal("expected non-empty status content")
	}
}

func TestSubagentStatusHandler_NoRecords(t *testing.T) {
	tc := toolregistry.ToolContext{SubAgents: &stubSpawner{}}
	res, err := SubagentStatusHandler(context.Background(), tc, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.Content != "no sub-agents found" {
		t.Fatalf("unexpected content: %q", res.Content)
	}
}
