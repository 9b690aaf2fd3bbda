package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const DefaultCleanupInterval = time.Hour

// StartCleaner periodically removes expired tokens and abandoned visitors
// until ctx is done.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go s.cleanupLoop(ctx, interval, logger)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, visitors, err := s.CleanupExpired(ctx)
			if err != nil {
				logger.Error("cleanup visitors failed", zap.Error(err))
				continue
			}
			if tokens > 0 || visitors > 0 {
				logger.Info("expired visitors cleaned",
					zap.Int64("tokens", tokens),
					zap.Int64("visitors", visitors))
			}
		}
	}
}

// CleanupExpired deletes expired tokens, then visitors without a live token.
// Their transcripts go with them.
func (s *Service) CleanupExpired(ctx context.Context) (tokens, visitors int64, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM visitor_tokens WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	tokens, _ = res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE visitor_id NOT IN (SELECT visitor_id FROM visitor_tokens)`,
	); err != nil {
		return tokens, 0, fmt.Errorf("delete orphan messages: %w", err)
	}
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM visitors WHERE id NOT IN (SELECT visitor_id FROM visitor_tokens)`,
	)
	if err != nil {
		return tokens, 0, fmt.Errorf("delete orphan visitors: %w", err)
	}
	visitors, _ = res.RowsAffected()
	return tokens, visitors, nil
}
