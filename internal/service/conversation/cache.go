package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taxresearch/internal/models"
	"taxresearch/internal/redis"

	"go.uber.org/zap"
)

const (
	transcriptTTL = 30 * time.Minute
	// refreshed on every store, so the counter outlives its entries
	versionTTL = 24 * time.Hour
)

// transcriptCache keeps recently read transcripts in redis. Entries are keyed
// by a per-visitor version that every write bumps, so a reader that loaded the
// database before a concurrent write stores under a version nobody reads
// again. With a nil client every transcript is uncacheable.
type transcriptCache struct {
	client *redis.Client
	logger *zap.Logger
}

func newTranscriptCache(client *redis.Client, logger *zap.Logger) *transcriptCache {
	return &transcriptCache{client: client, logger: logger}
}

func versionKey(visitorID int64) string {
	return fmt.Sprintf("conversation:transcript:%d:version", visitorID)
}

func transcriptKey(visitorID, version int64) string {
	return fmt.Sprintf("conversation:transcript:%d:v%d", visitorID, version)
}

// version returns the visitor's current cache version. ok is false when redis
// could not be read, in which case nothing should be stored.
func (c *transcriptCache) version(ctx context.Context, visitorID int64) (int64, bool) {
	if c.client == nil {
		return 0, false
	}
	raw, err := c.client.Get(ctx, versionKey(visitorID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return 0, true
	}
	if err != nil {
		c.logger.Warn("transcript cache read failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return version, true
}

// load returns the cached transcript for version.
func (c *transcriptCache) load(ctx context.Context, visitorID, version int64) ([]*models.Message, bool) {
	raw, err := c.client.Get(ctx, transcriptKey(visitorID, version))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("transcript cache read failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
		}
		return nil, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.logger.Warn("transcript cache decode failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
		return nil, false
	}
	for _, m := range messages {
		if m == nil || m.VisitorID != visitorID {
			return nil, false
		}
	}
	return messages, true
}

// store caches messages read after version was observed.
func (c *transcriptCache) store(ctx context.Context, visitorID, version int64, messages []*models.Message) {
	data, err := json.Marshal(messages)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, transcriptKey(visitorID, version), data, transcriptTTL); err != nil {
		c.logger.Warn("transcript cache write failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
		return
	}
	if err := c.client.Expire(ctx, versionKey(visitorID), versionTTL); err != nil {
		c.logger.Warn("transcript cache write failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
	}
}

// invalidate bumps the version after a write has reached the database.
func (c *transcriptCache) invalidate(ctx context.Context, visitorID int64) {
	if c.client == nil {
		return
	}
	if _, err := c.client.Incr(ctx, versionKey(visitorID), versionTTL); err != nil {
		c.logger.Warn("transcript cache invalidate failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
	}
}
