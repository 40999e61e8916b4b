// Package storage implements the Durable Store (C1): a single-writer,
// many-reader row store for identities, sessions, messages, memories,
// skills, and modules, with a full-text index over memories and a vector
// index for cosine-similarity retrieval.
//
// Two backends implement the same Store interface: a sqlite-backed one
// (database/sql + mattn/go-sqlite3) for single-process deployments, and a
// Postgres-backed one (database/sql + lib/pq) for deployments wanting a
// separately-reachable writer. Both serialize mutations behind a single
// logical write lock and let reads run concurrently.
package storage

import (
	"context"
	"time"

	"github.com/nexuscore/agentengine/pkg/models"
)

// MemoryFilters narrows SearchMemories results.
type MemoryFilters struct {
	IdentityID string
	MemoryType models.MemoryType
	SessionID  *int64
	Tags       []string
}

// VectorMatch is one hit from a cosine-similarity top-K query.
type VectorMatch struct {
	ID    string
	Score float64
}

// Store is the full C1 contract the rest of the engine depends on.
type Store interface {
	// Identity
	GetOrCreateIdentity(ctx context.Context, channelType, platformUserID, platformUserName string) (*models.Identity, error)
	LinkIdentity(ctx context.Context, identityID, channelType, platformUserID, platformUserName string) error
	UnlinkIdentity(ctx context.Context, channelType, platformUserID string) error
	ResolveIdentityByPeer(ctx context.Context, channelType, platformUserID string) (*models.Identity, error)

	// Sessions
	GetOrCreateChatSession(ctx context.Context, channelType, channelID, chatID string, scope models.SessionScope) (*models.ChatSession, error)
	GetChatSession(ctx context.Context, sessionID int64) (*models.ChatSession, error)
	AddSessionMessage(ctx context.Context, msg *models.SessionMessage) (int64, error)
	GetRecentSessionMessages(ctx context.Context, sessionID int64, limit int) ([]models.SessionMessage, error)
	UpdateSessionCompletionStatus(ctx context.Context, sessionID int64, status models.CompletionStatus) error
	UpdateSessionContextTokens(ctx context.Context, sessionID int64, tokens int) error
	CleanupStaleActiveSessions(ctx context.Context, maxMinutesWithoutUpdate int) (int, error)
	CleanupExcessSessions(ctx context.Context, maxTotal int) (int, error)
	CompleteAndRotateSession(ctx context.Context, sessionID int64) error

	// Memories
	CreateMemory(ctx context.Context, mem *models.Memory) error
	GetMemory(ctx context.Context, memoryID string) (*models.Memory, error)
	SearchMemories(ctx context.Context, query string, filters MemoryFilters, limit int) ([]models.ScoredMemory, error)
	GetMemoriesForIdentity(ctx context.Context, identityID string, minImportance int, limit int) ([]models.Memory, error)
	GetDailyLogs(ctx context.Context, identityID, logDate string) ([]models.Memory, error)
	DecayAndPrune(ctx context.Context, delta float64, minImportance int, now time.Time) (updated, pruned int, err error)
	RebuildIndex(ctx context.Context) error

	// Vector index
	UpsertEmbedding(ctx context.Context, kind, id string, vec []float32) error
	VectorSearch(ctx context.Context, kind string, query []float32, topK int) ([]VectorMatch, error)
	CreateMemoryAssociation(ctx context.Context, assoc models.MemoryAssociation) error
	MemoriesWithoutAssociations(ctx context.Context, limit int) ([]models.Memory, error)

	// Skills
	UpsertSkill(ctx context.Context, skill models.Skill) error
	GetSkill(ctx context.Context, name string) (*models.Skill, error)
	ListSkills(ctx context.Context) ([]models.Skill, error)
	SetSkillEnabled(ctx context.Context, name string, enabled bool) error
	DeleteSkill(ctx context.Context, name string) error

	// Modules
	UpsertModule(ctx context.Context, mod models.Module) error
	GetModule(ctx context.Context, name string) (*models.Module, error)
	ListModules(ctx context.Context) ([]models.Module, error)
	SetModuleEnabled(ctx context.Context, name string, enabled bool) error

	// Cron tasks (C12)
	CreateCronTask(ctx context.Context, task *models.CronTask) error
	ListCronTasks(ctx context.Context) ([]models.CronTask, error)
	UpdateCronTaskRun(ctx context.Context, id string, nextRun, lastRun time.Time, lastErr string) error
	SetCronTaskEnabled(ctx context.Context, id string, enabled bool) error
	DeleteCronTask(ctx context.Context, id string) error

	Close() error
}
