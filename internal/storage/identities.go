package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/pkg/models"
)

// GetOrCreateIdentity atomically resolves the Identity linked to
// (channelType, platformUserID), creating both the Identity and its first
// LinkedAccount if none exists yet.
func (s *sqlStore) GetOrCreateIdentity(ctx context.Context, channelType, platformUserID, platformUserName string) (*models.Identity, error) {
	var result *models.Identity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var identityID string
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT identity_id FROM linked_accounts WHERE channel_type = ? AND platform_user_id = ?`), channelType, platformUserID)
		switch err := row.Scan(&identityID); {
		case err == nil:
			result = &models.Identity{IdentityID: identityID}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to create
		default:
			return err
		}

		identityID = uuid.NewString()
		now := time.Now()
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO identities (identity_id, created_at) VALUES (?, ?)`), identityID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO linked_accounts (identity_id, channel_type, platform_user_id, platform_user_name) VALUES (?, ?, ?, ?)`),
			identityID, channelType, platformUserID, platformUserName); err != nil {
			return err
		}
		result = &models.Identity{IdentityID: identityID, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, observability.Internal(err)
	}
	return result, nil
}

// LinkIdentity adds a LinkedAccount to an existing Identity. Fails with
// KindValidation (AlreadyLinked) if the (channelType, platformUserID) pair
// already points elsewhere.
func (s *sqlStore) LinkIdentity(ctx context.Context, identityID, channelType, platformUserID, platformUserName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT identity_id FROM linked_accounts WHERE channel_type = ? AND platform_user_id = ?`), channelType, platformUserID)
		switch err := row.Scan(&existing); {
		case err == nil:
			if existing != identityID {
				return observability.NewError(observability.KindValidation, "AlreadyLinked", nil)
			}
			return nil // idempotent re-link to the same identity
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO linked_accounts (identity_id, channel_type, platform_user_id, platform_user_name) VALUES (?, ?, ?, ?)`),
				identityID, channelType, platformUserID, platformUserName)
			return err
		default:
			return err
		}
	})
}

// UnlinkIdentity removes a LinkedAccount without deleting the Identity
// (SPEC_FULL.md supplemented feature, grounded on unregister_identity.rs).
func (s *sqlStore) UnlinkIdentity(ctx context.Context, channelType, platformUserID string) error {
	_, err := s.exec(ctx, `DELETE FROM linked_accounts WHERE channel_type = ? AND platform_user_id = ?`, channelType, platformUserID)
	return err
}

// ResolveIdentityByPeer looks up the Identity linked to a channel/peer pair
// without creating one.
func (s *sqlStore) ResolveIdentityByPeer(ctx context.Context, channelType, platformUserID string) (*models.Identity, error) {
	row := s.queryRow(ctx, `SELECT i.identity_id, i.created_at FROM identities i JOIN linked_accounts la ON la.identity_id = i.identity_id WHERE la.channel_type = ? AND la.platform_user_id = ?`, channelType, platformUserID)
	var id models.Identity
	if err := row.Scan(&id.IdentityID, &id.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, observability.NotFound("identity not found")
		}
		return nil, observability.Internal(err)
	}
	return &id, nil
}
