package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

func (s *sqlStore) CreateMemory(ctx context.Context, mem *models.Memory) error {
	if mem.MemoryID == "" {
		mem.MemoryID = uuid.NewString()
	}
	now := time.Now()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now

	var entityType, entityName string
	if mem.Entity != nil {
		entityType, entityName = mem.Entity.Type, mem.Entity.Name
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO memories
			(memory_id, memory_type, content, category, tags, importance, identity_id, session_id, entity_type, entity_name, log_date, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			mem.MemoryID, string(mem.MemoryType), mem.Content, mem.Category, strings.Join(mem.Tags, ","), mem.Importance,
			mem.IdentityID, mem.SessionID, entityType, entityName, mem.LogDate, mem.CreatedAt, mem.UpdatedAt, mem.ExpiresAt)
		if err != nil {
			return err
		}
		if s.dialect == dialectSQLite {
			_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO memories_fts (rowid, memory_id, content) SELECT rowid, memory_id, content FROM memories WHERE memory_id = ?`), mem.MemoryID)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE memories SET content_tsv = to_tsvector('english', content) WHERE memory_id = ?`), mem.MemoryID)
		}
		return err
	})
}

// GetMemory loads a single memory by ID, used by internal/search to hydrate
// vector-only hits that the FTS leg of a hybrid query didn't also surface.
func (s *sqlStore) GetMemory(ctx context.Context, memoryID string) (*models.Memory, error) {
	rows, err := s.query(ctx, `SELECT memory_id, memory_type, content, category, tags, importance, identity_id,
			session_id, entity_type, entity_name, log_date, created_at, updated_at, expires_at
		FROM memories WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()
	mems, err := scanMemories(rows)
	if err != nil {
		return nil, observability.Internal(err)
	}
	if len(mems) == 0 {
		return nil, observability.NotFound("memory not found: " + memoryID)
	}
	return &mems[0], nil
}

// SearchMemories performs BM25-ranked full-text search over memory content,
// combined at call sites in internal/search with vector similarity. This
// method returns the FTS leg only.
func (s *sqlStore) SearchMemories(ctx context.Context, query string, filters MemoryFilters, limit int) ([]models.ScoredMemory, error) {
	var rows *sql.Rows
	var err error

	where, args := buildMemoryFilter(filters)

	if s.dialect == dialectSQLite {
		q := fmt.Sprintf(`SELECT m.memory_id, m.memory_type, m.content, m.category, m.tags, m.importance, m.identity_id,
				m.session_id, m.entity_type, m.entity_name, m.log_date, m.created_at, m.updated_at, m.expires_at,
				-bm25(memories_fts) AS score
			FROM memories_fts
			JOIN memories m ON m.memory_id = memories_fts.memory_id
			WHERE memories_fts MATCH ? %s
			ORDER BY score DESC LIMIT ?`, where)
		rows, err = s.query(ctx, q, append([]any{query}, append(args, limit)...)...)
	} else {
		q := fmt.Sprintf(`SELECT m.memory_id, m.memory_type, m.content, m.category, m.tags, m.importance, m.identity_id,
				m.session_id, m.entity_type, m.entity_name, m.log_date, m.created_at, m.updated_at, m.expires_at,
				ts_rank(m.content_tsv, plainto_tsquery('english', ?)) AS score
			FROM memories m
			WHERE m.content_tsv @@ plainto_tsquery('english', ?) %s
			ORDER BY score DESC LIMIT ?`, where)
		rows, err = s.query(ctx, q, append([]any{query, query}, append(args, limit)...)...)
	}
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var out []models.ScoredMemory
	for rows.Next() {
		sm, err := scanScoredMemory(rows)
		if err != nil {
			return nil, observability.Internal(err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func buildMemoryFilter(f MemoryFilters) (string, []any) {
	var clauses []string
	var args []any
	if f.IdentityID != "" {
		clauses = append(clauses, "m.identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.MemoryType != "" {
		clauses = append(clauses, "m.memory_type = ?")
		args = append(args, string(f.MemoryType))
	}
	if f.SessionID != nil {
		clauses = append(clauses, "m.session_id = ?")
		args = append(args, *f.SessionID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "AND " + strings.Join(clauses, " AND "), args
}

func scanScoredMemory(rows *sql.Rows) (models.ScoredMemory, error) {
	var m models.Memory
	var memType, entityType, entityName, tags string
	var sessionID sql.NullInt64
	var expiresAt sql.NullTime
	var score float64
	if err := rows.Scan(&m.MemoryID, &memType, &m.Content, &m.Category, &tags, &m.Importance, &m.IdentityID,
		&sessionID, &entityType, &entityName, &m.LogDate, &m.CreatedAt, &m.UpdatedAt, &expiresAt, &score); err != nil {
		return models.ScoredMemory{}, err
	}
	m.MemoryType = models.MemoryType(memType)
	if tags != "" {
		m.Tags = strings.Split(tags, ",")
	}
	if sessionID.Valid {
		m.SessionID = &sessionID.Int64
	}
	if entityType != "" {
		m.Entity = &models.MemoryEntityRef{Type: entityType, Name: entityName}
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	return models.ScoredMemory{Memory: m, Score: score}, nil
}

// GetMemoriesForIdentity returns top-K long-term memories at or above minImportance.
func (s *sqlStore) GetMemoriesForIdentity(ctx context.Context, identityID string, minImportance int, limit int) ([]models.Memory, error) {
	rows, err := s.query(ctx, `SELECT memory_id, memory_type, content, category, tags, importance, identity_id,
			session_id, entity_type, entity_name, log_date, created_at, updated_at, expires_at
		FROM memories WHERE identity_id = ? AND importance >= ? ORDER BY importance DESC, created_at DESC LIMIT ?`,
		identityID, minImportance, limit)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetDailyLogs returns all daily_log memories for an identity on a given log_date.
func (s *sqlStore) GetDailyLogs(ctx context.Context, identityID, logDate string) ([]models.Memory, error) {
	rows, err := s.query(ctx, `SELECT memory_id, memory_type, content, category, tags, importance, identity_id,
			session_id, entity_type, entity_name, log_date, created_at, updated_at, expires_at
		FROM memories WHERE identity_id = ? AND memory_type = 'daily_log' AND log_date = ? ORDER BY created_at ASC`,
		identityID, logDate)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]models.Memory, error) {
	var out []models.Memory
	for rows.Next() {
		var m models.Memory
		var memType, entityType, entityName, tags string
		var sessionID sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.MemoryID, &memType, &m.Content, &m.Category, &tags, &m.Importance, &m.IdentityID,
			&sessionID, &entityType, &entityName, &m.LogDate, &m.CreatedAt, &m.UpdatedAt, &expiresAt); err != nil {
			return nil, err
		}
		m.MemoryType = models.MemoryType(memType)
		if tags != "" {
			m.Tags = strings.Split(tags, ",")
		}
		if sessionID.Valid {
			m.SessionID = &sessionID.Int64
		}
		if entityType != "" {
			m.Entity = &models.MemoryEntityRef{Type: entityType, Name: entityName}
		}
		if expiresAt.Valid {
			m.ExpiresAt = &expiresAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DecayAndPrune lowers the importance of every memory above minImportance
// by delta (never below 1) and deletes memories whose expires_at has passed.
func (s *sqlStore) DecayAndPrune(ctx context.Context, delta float64, minImportance int, now time.Time) (int, int, error) {
	var updated, pruned int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE memories SET importance = MAX(1, importance - ?) WHERE importance > ?`), int(delta), minImportance)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		updated = int(n)

		res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`), now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		pruned = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, observability.Internal(err)
	}
	return updated, pruned, nil
}

func (s *sqlStore) UpsertEmbedding(ctx context.Context, kind, id string, vec []float32) error {
	_, err := s.exec(ctx, `INSERT INTO vector_index (kind, item_id, embedding) VALUES (?, ?, ?)
		ON CONFLICT(kind, item_id) DO UPDATE SET embedding = excluded.embedding`, kind, id, encodeVector(vec))
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

// VectorSearch loads all embeddings of kind and ranks them by cosine
// similarity in Go. A production deployment would push this into a native
// vector index; for this engine's scale the in-process scan keeps the
// Durable Store backend-agnostic (see internal/search for the combined
// hybrid ranking).
func (s *sqlStore) VectorSearch(ctx context.Context, kind string, query []float32, topK int) ([]VectorMatch, error) {
	rows, err := s.query(ctx, `SELECT item_id, embedding FROM vector_index WHERE kind = ?`, kind)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, observability.Internal(err)
		}
		vec := decodeVector(blob)
		matches = append(matches, VectorMatch{ID: id, Score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, observability.Internal(err)
	}

	sortMatchesDesc(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *sqlStore) CreateMemoryAssociation(ctx context.Context, assoc models.MemoryAssociation) error {
	_, err := s.exec(ctx, `INSERT INTO memory_associations (source_memory, target_memory, association_type, strength)
		VALUES (?, ?, ?, ?) ON CONFLICT(source_memory, target_memory, association_type) DO UPDATE SET strength = excluded.strength`,
		assoc.SourceMemory, assoc.TargetMemory, assoc.AssociationType, assoc.Strength)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

func (s *sqlStore) MemoriesWithoutAssociations(ctx context.Context, limit int) ([]models.Memory, error) {
	rows, err := s.query(ctx, `SELECT memory_id, memory_type, content, category, tags, importance, identity_id,
			session_id, entity_type, entity_name, log_date, created_at, updated_at, expires_at
		FROM memories m WHERE NOT EXISTS (SELECT 1 FROM memory_associations a WHERE a.source_memory = m.memory_id)
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()
	return scanMemories(rows)
}
