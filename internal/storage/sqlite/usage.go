package sqlite

import (
	"context"
	"strings"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []proxy.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 13
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.RequestID, r.UserToken,
			string(r.Service), string(r.Family), r.Model, r.KeyHash,
			r.PromptTokens, r.CompletionTokens, r.CostUSD,
			boolToInt(r.Streamed), r.Retries, r.LatencyMs,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(request_id, user_token, service, family, model, key_hash,
		 prompt_tokens, completion_tokens, cost_usd, streamed, retries, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// PruneUsageBefore deletes usage records created before cutoff and returns
// the number of rows removed.
func (s *Store) PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SumUsageCost returns the total accumulated cost for a user token.
func (s *Store) SumUsageCost(ctx context.Context, userToken string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE user_token = ?`, userToken,
	).Scan(&total)
	return total, err
}
