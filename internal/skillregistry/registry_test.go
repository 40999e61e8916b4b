package skillregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/storage"
)

func writeSkill(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SkillFilename), []byte(body), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

const greetSkill = `---
name: greet
description: says hi to someone
version: 1.0.0
arguments:
  name:
    required: true
---
Say a friendly hello to {{name}}.
`

func TestParseSkill_RoundTrips(t *testing.T) {
	skill, err := ParseSkill([]byte(greetSkill))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if skill.Name != "greet" || skill.Version != "1.0.0" {
		t.Fatalf("unexpected skill: %+v", skill)
	}
	if skill.PromptTemplate != "Say a friendly hello to {{name}}." {
		t.Fatalf("unexpected prompt template: %q", skill.PromptTemplate)
	}
}

func TestParseSkill_RejectsMissingName(t *testing.T) {
	_, err := ParseSkill([]byte("---\ndescription: x\n---\nbody\n"))
	if err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestRenderPrompt_SubstitutesAndDefaults(t *testing.T) {
	skill, err := ParseSkill([]byte(greetSkill))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := RenderPrompt(*skill, map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Say a friendly hello to Ada." {
		t.Fatalf("unexpected render: %q", out)
	}

	if _, err := RenderPrompt(*skill, nil); err == nil {
		t.Fatal("expected error for missing required argument")
	}
}

func TestReload_SyncsSkillsToStoreAndIndex(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greet", greetSkill)

	log := observability.NewLogger(observability.LogConfig{})
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := New(dir, store, log)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if reg.Len() != 1 {
		t.Fatalf("expected 1 skill loaded, got %d", reg.Len())
	}
	if _, ok := reg.Get("greet"); !ok {
		t.Fatal("expected greet skill in index")
	}

	persisted, err := store.GetSkill(context.Background(), "greet")
	if err != nil {
		t.Fatalf("get persisted skill: %v", err)
	}
	if !persisted.Enabled {
		t.Fatal("expected persisted skill enabled")
	}
}

func TestReload_DisablesRemovedSkill(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "greet", greetSkill)

	log := observability.NewLogger(observability.LogConfig{})
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := New(dir, store, log)
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("first reload: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(dir, "greet")); err != nil {
		t.Fatalf("remove skill dir: %v", err)
	}
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}

	if _, ok := reg.Get("greet"); ok {
		t.Fatal("expected skill removed from in-memory index")
	}
	persisted, err := store.GetSkill(context.Background(), "greet")
	if err != nil {
		t.Fatalf("get persisted skill: %v", err)
	}
	if persisted.Enabled {
		t.Fatal("expected persisted skill disabled, not deleted")
	}
}
