package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taxresearch/internal/models"
	"taxresearch/internal/redis"

	"go.uber.org/zap"
)

// Service stores each visitor's chat transcript.
type Service struct {
	db     *sql.DB
	cache  *transcriptCache
	logger *zap.Logger
}

// NewService creates the transcript store. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		cache:  newTranscriptCache(cache, logger),
		logger: logger,
	}
}

// AppendMessage stores one message and marks the visitor as active.
func (s *Service) AppendMessage(ctx context.Context, visitorID int64, role models.Role, content string) (*models.Message, error) {
	if visitorID <= 0 {
		return nil, errors.New("visitor_id is required")
	}
	switch role {
	case models.RoleUser, models.RoleBot:
	default:
		return nil, fmt.Errorf("invalid role %q", role)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (visitor_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		visitorID, string(role), content, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE visitors SET last_seen_at = ? WHERE id = ?`, now, visitorID); err != nil {
		return nil, fmt.Errorf("touch visitor: %w", err)
	}
	s.cache.invalidate(ctx, visitorID)
	return &models.Message{
		ID:        id,
		VisitorID: visitorID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ErrQuestionCleared reports that the question being answered was removed by
// a reset before its answer arrived.
var ErrQuestionCleared = errors.New("question no longer in transcript")

// AppendReply stores the bot answer to questionID. The insert only happens
// while the question row still exists, so an answer that finishes after a
// reset is dropped with ErrQuestionCleared.
func (s *Service) AppendReply(ctx context.Context, visitorID, questionID int64, content string) (*models.Message, error) {
	if visitorID <= 0 {
		return nil, errors.New("visitor_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (visitor_id, role, content, created_at)
		 SELECT ?, ?, ?, ? FROM messages WHERE id = ? AND visitor_id = ? AND role = ?`,
		visitorID, string(models.RoleBot), content, now, questionID, visitorID, string(models.RoleUser),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reply: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("reply rows: %w", err)
	} else if n == 0 {
		return nil, ErrQuestionCleared
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE visitors SET last_seen_at = ? WHERE id = ?`, now, visitorID); err != nil {
		return nil, fmt.Errorf("touch visitor: %w", err)
	}
	s.cache.invalidate(ctx, visitorID)
	return &models.Message{
		ID:        id,
		VisitorID: visitorID,
		Role:      models.RoleBot,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// ListMessages returns the visitor's transcript oldest first.
func (s *Service) ListMessages(ctx context.Context, visitorID int64) ([]*models.Message, error) {
	version, cacheable := s.cache.version(ctx, visitorID)
	if cacheable {
		if messages, ok := s.cache.load(ctx, visitorID, version); ok {
			return messages, nil
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, visitor_id, role, content, created_at FROM messages WHERE visitor_id = ? ORDER BY id ASC`,
		visitorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var role string
		if err := rows.Scan(&m.ID, &m.VisitorID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.store(ctx, visitorID, version, messages)
	}
	return messages, nil
}

// History rebuilds question/answer pairs from the transcript, keeping the
// newest maxPairs. Bot messages with no preceding question (the greeting) and
// unanswered questions are skipped.
func (s *Service) History(ctx context.Context, visitorID int64, maxPairs int) ([]models.Turn, error) {
	messages, err := s.ListMessages(ctx, visitorID)
	if err != nil {
		return nil, err
	}
	return PairTurns(messages, maxPairs), nil
}

// PairTurns pairs every user message with the bot reply that follows it.
func PairTurns(messages []*models.Message, maxPairs int) []models.Turn {
	var (
		turns    []models.Turn
		question *string
	)
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			q := m.Content
			question = &q
		case models.RoleBot:
			if question == nil {
				continue
			}
			turns = append(turns, models.Turn{Question: *question, Answer: m.Content})
			question = nil
		}
	}
	return models.TrimHistory(turns, maxPairs)
}

// Clear deletes the visitor's transcript.
func (s *Service) Clear(ctx context.Context, visitorID int64) error {
	if visitorID <= 0 {
		return errors.New("invalid visitor id")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE visitor_id = ?`, visitorID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	s.cache.invalidate(ctx, visitorID)
	return nil
}
