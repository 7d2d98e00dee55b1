package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertSenderProfile inserts or updates a sender's denormalized
// profile shard. Empty incoming fields never clobber known values.
func (db *DB) UpsertSenderProfile(ctx context.Context, p *SenderProfile) error {
	return db.withWriteRetry(func() error {
		now := time.Now().UnixMilli()
		_, err := db.ExecContext(ctx, `
			INSERT INTO sender_profiles (email, nickname, avatar_path, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET
				nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE sender_profiles.nickname END,
				avatar_path = CASE WHEN excluded.avatar_path != '' THEN excluded.avatar_path ELSE sender_profiles.avatar_path END,
				updated_at = excluded.updated_at`,
			p.Email, p.Nickname, p.AvatarPath, now)
		return err
	})
}

// BulkUpsertSenderProfiles upserts multiple profiles in one transaction.
func (db *DB) BulkUpsertSenderProfiles(ctx context.Context, profiles []SenderProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	return db.withWriteRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		for _, p := range profiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sender_profiles (email, nickname, avatar_path, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(email) DO UPDATE SET
					nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE sender_profiles.nickname END,
					avatar_path = CASE WHEN excluded.avatar_path != '' THEN excluded.avatar_path ELSE sender_profiles.avatar_path END,
					updated_at = excluded.updated_at`,
				p.Email, p.Nickname, p.AvatarPath, now); err != nil {
				return fmt.Errorf("upsert profile %q: %w", p.Email, err)
			}
		}
		return tx.Commit()
	})
}

// GetSenderProfile returns a profile by email, or nil if unknown.
func (db *DB) GetSenderProfile(ctx context.Context, email string) (*SenderProfile, error) {
	var p SenderProfile
	err := db.QueryRowContext(ctx,
		`SELECT email, nickname, avatar_path FROM sender_profiles WHERE email = ?`, email).
		Scan(&p.Email, &p.Nickname, &p.AvatarPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetSyncState stores a sync checkpoint value (e.g. last reconcile
// time for a room).
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	return db.withWriteRetry(func() error {
		now := time.Now().UnixMilli()
		_, err := db.ExecContext(ctx, `
			INSERT INTO sync_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		return err
	})
}

// GetSyncState retrieves a sync checkpoint value; empty if unset.
func (db *DB) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
