// Package tools holds the builtin Handler implementations registered
// against the Tool Registry (C3) at startup. Each file groups the handlers
// for one component's tool-facing surface.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexuscore/agentengine/internal/toolregistry"
	"github.com/nexuscore/agentengine/pkg/models"
)

type spawnSubagentsParams struct {
	Tasks []struct {
		Task     string `json:"task"`
		Label    string `json:"label"`
		ReadOnly bool   `json:"read_only"`
	} `json:"tasks"`
}

// SpawnSubagentsDefinition is the spawn_subagents tool (C11): hands the
// model's requested tasks to the Sub-Agent Manager one at a time through
// its narrow Spawn surface, which runs each task to completion, and
// returns what each run produced.
var SpawnSubagentsDefinition = models.ToolDefinition{
	Name:        "spawn_subagents",
	Description: "Run one or more sub-agents on tasks, one after another, each to completion. Returns each sub-agent's result.",
	Group:       models.GroupSubAgent,
	SafetyLevel: models.SafetyStandard,
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"task":      map[string]any{"type": "string"},
						"label":     map[string]any{"type": "string"},
						"read_only": map[string]any{"type": "boolean"},
					},
					"required": []string{"task"},
				},
			},
		},
		"required": []string{"tasks"},
	},
}

// SpawnSubagentsHandler implements SpawnSubagentsDefinition.
func SpawnSubagentsHandler(ctx context.Context, tc toolregistry.ToolContext, params json.RawMessage) (*toolregistry.ToolResult, error) {
	if tc.SubAgents == nil {
		return &toolregistry.ToolResult{IsError: true, Content: "sub-agent spawning is not available"}, nil
	}

	var p spawnSubagentsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &toolregistry.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}, nil
	}
	if len(p.Tasks) == 0 {
		return &toolregistry.ToolResult{IsError: true, Content: "tasks must not be empty"}, nil
	}

	var ids []string
	for i, task := range p.Tasks {
		label := task.Label
		if label == "" {
			label = fmt.Sprintf("task-%d", i+1)
		}
		id, err := tc.SubAgents.Spawn(ctx, task.Task, label, task.ReadOnly)
		if err != nil {
			return &toolregistry.ToolResult{IsError: true, Content: fmt.Sprintf("spawn %q: %v", label, err)}, nil
		}
		ids = append(ids, id)
	}

	return &toolregistry.ToolResult{Content: fmt.Sprintf("spawned %d sub-agent(s): %s", len(ids), strings.Join(ids, ", "))}, nil
}

type subagentStatusParams struct {
	ParentID string `json:"parent_id"`
}

// SubagentStatusDefinition is the subagent_status tool (C11): reports the
// current state of every sub-agent spawned under parent_id.
var SubagentStatusDefinition = models.ToolDefinition{
	Name:        "subagent_status",
	Description: "List the status of sub-agents spawned from this session (or a given parent id).",
	Group:       models.GroupSubAgent,
	SafetyLevel: models.SafetyReadOnly,
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"parent_id": map[string]any{"type": "string"},
		},
	},
}

// SubagentStatusHandler implements SubagentStatusDefinition.
func SubagentStatusHandler(ctx context.Context, tc toolregistry.ToolContext, params json.RawMessage) (*toolregistry.ToolResult, error) {
	if tc.SubAgents == nil {
		return &toolregistry.ToolResult{IsError: true, Content: "sub-agent spawning is not available"}, nil
	}

	var p subagentStatusParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return &toolregistry.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}, nil
		}
	}

	records := tc.SubAgents.Status(p.ParentID)
	if len(records) == 0 {
		return &toolregistry.ToolResult{Content: "no sub-agents found"}, nil
	}

	var sb strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&sb, "%s [%s] %s: %s\n", rec.ID, rec.Status, rec.Label, rec.Task)
	}
	return &toolregistry.ToolResult{Content: strings.TrimSpace(sb.String())}, nil
}
