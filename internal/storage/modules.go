package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

func (s *sqlStore) UpsertModule(ctx context.Context, mod models.Module) error {
	if mod.InstalledAt.IsZero() {
		mod.InstalledAt = time.Now()
	}
	payload, err := json.Marshal(mod)
	if err != nil {
		return observability.Internal(err)
	}
	_, err = s.exec(ctx, `INSERT INTO modules (name, payload, enabled) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload`, mod.Name, string(payload), mod.Enabled)
	if err != nil {
		return observability.Internal(err)
	}
	return nil
}

func (s *sqlStore) GetModule(ctx context.Context, name string) (*models.Module, error) {
	row := s.queryRow(ctx, `SELECT payload, enabled FROM modules WHERE name = ?`, name)
	var payload string
	var enabled bool
	if err := row.Scan(&payload, &enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, observability.NotFound("module not found: " + name)
		}
		return nil, observability.Internal(err)
	}
	var mod models.Module
	if err := json.Unmarshal([]byte(payload), &mod); err != nil {
		return nil, observability.Internal(err)
	}
	mod.Enabled = enabled
	return &mod, nil
}

func (s *sqlStore) ListModules(ctx context.Context) ([]models.Module, error) {
	rows, err := s.query(ctx, `SELECT payload, enabled FROM modules ORDER BY name`)
	if err != nil {
		return nil, observability.Internal(err)
	}
	defer rows.Close()

	var out []models.Module
	for rows.Next() {
		var payload string
		var enabled bool
		if err := rows.Scan(&payload, &enabled); err != nil {
			return nil, observability.Internal(err)
		}
		var mod models.Module
		if err := json.Unmarshal([]byte(payload), &mod); err != nil {
			return nil, observability.Internal(err)
		}
		mod.Enabled = enabled
		out = append(out, mod)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetModuleEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE modules SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return observability.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return observability.NotFound("module not found: " + name)
	}
	return nil
}
