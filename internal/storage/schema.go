package storage

import "context"

// schema returns the CREATE TABLE/INDEX statements for the given dialect.
// sqlite uses an FTS5 virtual table with native bm25() ranking; Postgres
// uses a tsvector column plus a GIN index and ts_rank as its BM25-style
// substitute (documented in SPEC_FULL.md / DESIGN.md).
func schema(d dialect) []string {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blobType := "BLOB"
	jsonType := "TEXT"
	if d == dialectPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
		blobType = "BYTEA"
		jsonType = "JSONB"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			identity_id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS linked_accounts (
			identity_id TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			platform_user_name TEXT,
			PRIMARY KEY (channel_type, platform_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id ` + idType + `,
			channel_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			completion_status TEXT NOT NULL,
			context_tokens INTEGER NOT NULL DEFAULT 0,
			agent_subtype TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_active_session ON chat_sessions (channel_type, channel_id, chat_id, completion_status) WHERE completion_status = 'active'`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			session_id BIGINT NOT NULL,
			position BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id TEXT,
			user_name TEXT,
			platform_message_id TEXT,
			tool_call ` + jsonType + `,
			tool_result ` + jsonType + `,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			memory_id TEXT PRIMARY KEY,
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT,
			tags TEXT,
			importance INTEGER NOT NULL,
			identity_id TEXT,
			session_id BIGINT,
			entity_type TEXT,
			entity_name TEXT,
			log_date TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS memory_associations (
			source_memory TEXT NOT NULL,
			target_memory TEXT NOT NULL,
			association_type TEXT NOT NULL,
			strength REAL NOT NULL,
			PRIMARY KEY (source_memory, target_memory, association_type)
		)`,
		`CREATE TABLE IF NOT EXISTS vector_index (
			kind TEXT NOT NULL,
			item_id TEXT NOT NULL,
			embedding ` + blobType + ` NOT NULL,
			PRIMARY KEY (kind, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			name TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			description TEXT,
			prompt_template TEXT,
			payload ` + jsonType + `,
			enabled BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS modules (
			name TEXT PRIMARY KEY,
			payload ` + jsonType + ` NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS cron_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			prompt TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			next_run TIMESTAMP,
			last_run TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	if d == dialectSQLite {
		stmts = append(stmts,
			`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content, content=memories, content_rowid=rowid)`,
		)
	} else {
		stmts = append(stmts,
			`ALTER TABLE memories ADD COLUMN IF NOT EXISTS content_tsv tsvector`,
			`CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv)`,
		)
	}

	return stmts
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex rebuilds the FTS index from the memories table, recovering
// from crash-induced divergence between the two.
func (s *sqlStore) RebuildIndex(ctx context.Context) error {
	if s.dialect == dialectSQLite {
		_, err := s.exec(ctx, `INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`)
		return err
	}
	_, err := s.exec(ctx, `UPDATE memories SET content_tsv = to_tsvector('english', content)`)
	return err
}
