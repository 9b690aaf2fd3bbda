package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taxresearch/internal/models"
	"taxresearch/internal/redis"
)

const redisTokenPrefix = "auth:visitor_token:"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Service issues, validates, and revokes anonymous visitor tokens.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	csrfCookieName string
	csrfHeaderName string
	csrfFormField  string
	secureCookies  bool
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "visitor_token",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		csrfFormField:  "csrf_token",
	}
}

// SetSecureCookies marks issued cookies Secure (HTTPS deployments).
func (s *Service) SetSecureCookies(secure bool) {
	s.secureCookies = secure
}

// CreateVisitor registers a new anonymous visitor and returns its token.
func (s *Service) CreateVisitor(ctx context.Context) (*models.Visitor, string, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO visitors (created_at, last_seen_at) VALUES (?, ?)`, now, now,
	)
	if err != nil {
		return nil, "", fmt.Errorf("create visitor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("visitor id: %w", err)
	}
	token, err := s.IssueToken(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return &models.Visitor{ID: id, CreatedAt: now, LastSeenAt: now}, token, nil
}

// IssueToken mints a new random token for the visitor and persists it.
func (s *Service) IssueToken(ctx context.Context, visitorID int64) (string, error) {
	if visitorID <= 0 {
		return "", errors.New("invalid visitor id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO visitor_tokens (token, visitor_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, visitorID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, visitorID, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies the token exists and has not expired, returning the visitor id.
func (s *Service) ValidateToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, errors.New("token required")
	}
	if id, ok := s.cachedToken(ctx, token); ok {
		return id, nil
	}
	var visitorID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT visitor_id, expires_at FROM visitor_tokens WHERE token = ?`, token,
	).Scan(&visitorID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM visitor_tokens WHERE token = ?`, token)
		return 0, ErrTokenExpired
	}
	s.cacheToken(ctx, token, visitorID, remaining)
	return visitorID, nil
}

// revokeToken deletes a single token.
func (s *Service) revokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM visitor_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, redisTokenPrefix+token)
	}
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token string, visitorID int64, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, redisTokenPrefix+token, strconv.FormatInt(visitorID, 10), ttl)
}

func (s *Service) cachedToken(ctx context.Context, token string) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	raw, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// CSRFFormField returns the form field carrying the CSRF token.
func (s *Service) CSRFFormField() string {
	return s.csrfFormField
}
