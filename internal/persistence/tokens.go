package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupTokens returns the stored count for (modelID, role, content).
func (s *Store) LookupTokens(modelID, role, content string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.LookupTokensContext(ctx, modelID, role, content)
}

// LookupTokensContext is LookupTokens with a caller context.
func (s *Store) LookupTokensContext(ctx context.Context, modelID, role, content string) (int, bool, error) {
	var tokens int
	err := s.db.QueryRowContext(ctx, `
		SELECT tokens FROM token_counts
		WHERE model_id = ? AND role = ? AND digest = ? AND content_len = ?;
	`, modelID, role, Digest(content), len(content)).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup token count: %w", err)
	}
	return tokens, true, nil
}

// StoreTokens upserts the count for (modelID, role, content).
func (s *Store) StoreTokens(modelID, role, content string, tokens int) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.StoreTokensContext(ctx, modelID, role, content, tokens)
}

// StoreTokensContext is StoreTokens with a caller context.
func (s *Store) StoreTokensContext(ctx context.Context, modelID, role, content string, tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("store token count: negative count %d", tokens)
	}
	digest := Digest(content)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO token_counts (model_id, role, digest, content_len, tokens)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(model_id, role, digest, content_len)
			DO UPDATE SET tokens = excluded.tokens, updated_at = CURRENT_TIMESTAMP;
		`, modelID, role, digest, len(content), tokens)
		if err != nil {
			return fmt.Errorf("store token count: %w", err)
		}
		return nil
	})
}

// CountEntries returns the number of stored counts.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_counts;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count token_counts: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes counts not written within the last days days.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_counts WHERE updated_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge token_counts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
