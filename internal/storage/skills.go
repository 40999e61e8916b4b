package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

// UpsertSkill syncs a disk-parsed Skill into the Durable Store so lookup is
// indexed (C4's sync_to_db operation).
func (s *sqlStore) UpsertSkill(ctx context.Context, skill models.Skill) error {
	payload, err := json.Marshal(skill)
	if err != nil {
		return observability.Internal(err)
	}
	_, err = s.exec(ctx, `INSERT INTO skills (name, version, description, prompt_template, payload, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET version = excluded.version, description = excluded.description,
			prompt_template = excluded.prompt_template, payload = excluded.payload`,
		skill.Name, skill.Version, skill.Description, skill.PromptTemplate, string(payload), skill.Enabled)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

func (s *sqlStore) GetSkill(ctx context.Context, name string) (*models.Skill, error) {
	row := s.queryRow(ctx, `SELECT payload, enabled FROM skills WHERE name = ?`, name)
	var payload string
	var enabled bool
	if err := row.Scan(&payload, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, observability.NotFound("skill not found: " + name)
		}
		return nil, observability.Internal(err)
	}
	var skill models.Skill
	if err := json.Unmarshal([]byte(payload), &skill); err != nil {
		return nil, observability.Internal(err)
	}
	skill.Enabled = enabled
	return &skill, nil
}

func (s *sqlStore) ListSkills(ctx context.Context) ([]models.Skill, error) {
	rows, err := s.query(ctx, `SELECT payload, enabled FROM skills ORDER BY name`)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var out []models.Skill
	for rows.Next() {
		var payload string
		var enabled bool
		if err := rows.Scan(&payload, &enabled); err != nil {
			return nil, observability.Internal(err)
		}
		var skill models.Skill
		if err := json.Unmarshal([]byte(payload), &skill); err != nil {
			return nil, observability.Internal(err)
		}
		skill.Enabled = enabled
		out = append(out, skill)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetSkillEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE skills SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return observability.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observability.NotFound("skill not found: " + name)
	}
	return nil
}

func (s *sqlStore) DeleteSkill(ctx context.Context, name string) error {
	_, err := s.exec(ctx, `DELETE FROM skills WHERE name = ?`, name)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}
