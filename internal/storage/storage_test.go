package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{})
	store, err := NewSQLiteStore(context.Background(), ":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetOrCreateIdentity_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.GetOrCreateIdentity(ctx, "telegram", "123", "alice")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	id2, err := store.GetOrCreateIdentity(ctx, "telegram", "123", "alice")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if id1.IdentityID != id2.IdentityID {
		t.Fatalf("expected same identity, got %s != %s", id1.IdentityID, id2.IdentityID)
	}
}

func TestLinkIdentity_AlreadyLinkedFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, err := store.GetOrCreateIdentity(ctx, "discord", "u1", "a")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := store.GetOrCreateIdentity(ctx, "discord", "u2", "b")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	err = store.LinkIdentity(ctx, b.IdentityID, "discord", "u1", "a")
	if err == nil {
		t.Fatal("expected AlreadyLinked error")
	}
	if observability.KindOf(err) != observability.KindValidation {
		t.Fatalf("expected Validation kind, got %v", observability.KindOf(err))
	}

	resolved, err := store.ResolveIdentityByPeer(ctx, "discord", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.IdentityID != a.IdentityID {
		t.Fatal("linked_accounts row changed despite failed link")
	}
}

func TestAddSessionMessage_DenseGapFreePositions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.GetOrCreateChatSession(ctx, "web", "1", "u", models.ScopeDM)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 5; i++ {
		pos, err := store.AddSessionMessage(ctx, &models.SessionMessage{
			SessionID: sess.SessionID, Role: models.RoleUser, Content: "hi",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if pos != int64(i+1) {
			t.Fatalf("expected position %d, got %d", i+1, pos)
		}
	}

	msgs, err := store.GetRecentSessionMessages(ctx, sess.SessionID, 10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Position != int64(i+1) {
			t.Fatalf("messages out of order at %d: position %d", i, m.Position)
		}
	}
}

func TestGetOrCreateChatSession_OneActivePerTuple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s1, err := store.GetOrCreateChatSession(ctx, "web", "c1", "u1", models.ScopeDM)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := store.GetOrCreateChatSession(ctx, "web", "c1", "u1", models.ScopeDM)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s1.SessionID != s2.SessionID {
		t.Fatalf("expected same active session, got %d != %d", s1.SessionID, s2.SessionID)
	}

	if err := store.CompleteAndRotateSession(ctx, s1.SessionID); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	s3, err := store.GetOrCreateChatSession(ctx, "web", "c1", "u1", models.ScopeDM)
	if err != nil {
		t.Fatalf("create after rotate: %v", err)
	}
	if s3.SessionID == s1.SessionID {
		t.Fatal("expected a fresh session after reset")
	}
}

func TestSearchMemories_FindsByContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateMemory(ctx, &models.Memory{
		MemoryType: models.MemoryLongTerm, Content: "the user prefers dark mode", Importance: 7, IdentityID: "id1",
	}); err != nil {
		t.Fatalf("create memory: %v", err)
	}
	if err := store.CreateMemory(ctx, &models.Memory{
		MemoryType: models.MemoryLongTerm, Content: "unrelated content about cooking", Importance: 5, IdentityID: "id1",
	}); err != nil {
		t.Fatalf("create memory: %v", err)
	}

	results, err := store.SearchMemories(ctx, "dark mode", MemoryFilters{IdentityID: "id1"}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one match")
	}
	if results[0].Memory.Content != "the user prefers dark mode" {
		t.Fatalf("unexpected top result: %s", results[0].Memory.Content)
	}
}

func TestDecayAndPrune_RemovesExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if err := store.CreateMemory(ctx, &models.Memory{
		MemoryType: models.MemoryFact, Content: "expired fact", Importance: 5, ExpiresAt: &past,
	}); err != nil {
		t.Fatalf("create memory: %v", err)
	}

	_, pruned, err := store.DecayAndPrune(ctx, 1, 0, time.Now())
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}

	results, err := store.SearchMemories(ctx, "expired", MemoryFilters{}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatal("expired memory should be absent after decay pass")
	}
}

func TestVectorSearch_RanksByCosineSimilarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertEmbedding(ctx, "memory", "a", []float32{1, 0, 0}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := store.UpsertEmbedding(ctx, "memory", "b", []float32{0, 1, 0}); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	matches, err := store.VectorSearch(ctx, "memory", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "a" {
		t.Fatalf("expected 'a' ranked first, got %+v", matches)
	}
}

func TestSkillLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	skill := models.Skill{Name: "greet", Version: "1.0.0", Description: "says hi", PromptTemplate: "Say hi to {{name}}"}
	if err := store.UpsertSkill(ctx, skill); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetSkill(ctx, "greet")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PromptTemplate != skill.PromptTemplate {
		t.Fatalf("round-trip mismatch: %q", got.PromptTemplate)
	}

	if err := store.SetSkillEnabled(ctx, "greet", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, _ = store.GetSkill(ctx, "greet")
	if !got.Enabled {
		t.Fatal("expected skill enabled")
	}

	if err := store.DeleteSkill(ctx, "greet"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSkill(ctx, "greet"); observability.KindOf(err) != observability.KindNotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}
