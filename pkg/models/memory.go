package models

import "time"

// MemoryType enumerates the kinds of knowledge the engine persists.
type MemoryType string

const (
	MemoryDailyLog        MemoryType = "daily_log"
	MemoryLongTerm        MemoryType = "long_term"
	MemoryPreference      MemoryType = "preference"
	MemoryFact            MemoryType = "fact"
	MemoryTask            MemoryType = "task"
	MemoryEntity          MemoryType = "entity"
	MemorySessionSummary  MemoryType = "session_summary"
	MemoryCompaction      MemoryType = "compaction"
)

// MemoryEntityRef names the (type, name) entity a memory is about, if any.
type MemoryEntityRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Memory is a persistent piece of knowledge indexed into FTS and (lazily)
// the vector index.
type Memory struct {
	MemoryID   string           `json:"memory_id"`
	MemoryType MemoryType       `json:"memory_type"`
	Content    string           `json:"content"`
	Category   string           `json:"category,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Importance int              `json:"importance"` // 1-10
	IdentityID string           `json:"identity_id,omitempty"`
	SessionID  *int64           `json:"session_id,omitempty"`
	Entity     *MemoryEntityRef `json:"entity,omitempty"`
	LogDate    string           `json:"log_date,omitempty"` // YYYY-MM-DD, set for daily_log
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Embedding  []float32        `json:"-"`
}

// MemoryAssociation is a directed edge between two memories discovered by a
// background cosine-similarity sweep.
type MemoryAssociation struct {
	SourceMemory    string  `json:"source_memory"`
	TargetMemory    string  `json:"target_memory"`
	AssociationType string  `json:"association_type"`
	Strength        float64 `json:"strength"` // [0,1]
}

// ScoredMemory pairs a Memory with the score it was retrieved with.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}
