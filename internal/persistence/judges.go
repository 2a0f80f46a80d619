package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrJudgeNotFound = errors.New("persistence: judge not found")

// JudgeKeyHash implements the auth CredentialSource contract. Disabled
// judges resolve as missing so they cannot authenticate.
func (d *DB) JudgeKeyHash(ctx context.Context, judgeID string) (string, error) {
	trimmed := strings.TrimSpace(judgeID)
	if trimmed == "" {
		return "", ErrJudgeNotFound
	}
	row := d.sql.QueryRowContext(ctx, `
		SELECT key_hash FROM judges WHERE judge_id = ? AND enabled = 1`, trimmed)
	var keyHash string
	err := row.Scan(&keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJudgeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load judge %s credential: %w", trimmed, err)
	}
	return keyHash, nil
}

func (d *DB) UpsertJudgeCredential(ctx context.Context, judgeID string, keyHash string, hashAlgo string) error {
	trimmedID := strings.TrimSpace(judgeID)
	trimmedHash := strings.TrimSpace(keyHash)
	if trimmedID == "" || trimmedHash == "" {
		return errors.New("judge_id and key_hash are required")
	}
	nowMS := time.Now().UnixMilli()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO judges (judge_id, key_hash, hash_algo, enabled, created_at_unix_ms, updated_at_unix_ms)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (judge_id) DO UPDATE SET
			key_hash = excluded.key_hash,
			hash_algo = excluded.hash_algo,
			updated_at_unix_ms = excluded.updated_at_unix_ms`,
		trimmedID, trimmedHash, hashAlgo, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("upsert judge %s credential: %w", trimmedID, err)
	}
	return nil
}

// SetJudgeEnabled toggles whether a judge may authenticate.
func (d *DB) SetJudgeEnabled(ctx context.Context, judgeID string, enabled bool) error {
	result, err := d.sql.ExecContext(ctx, `
		UPDATE judges SET enabled = ?, updated_at_unix_ms = ?
		WHERE judge_id = ?`,
		boolToInt(enabled), time.Now().UnixMilli(), strings.TrimSpace(judgeID))
	if err != nil {
		return fmt.Errorf("update judge %s: %w", judgeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJudgeNotFound
	}
	return nil
}
