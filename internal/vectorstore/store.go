package vectorstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taxresearch/internal/config"
	"taxresearch/internal/models"
	"taxresearch/internal/redis"

	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyIndex is returned by Search before any document has been indexed.
var ErrEmptyIndex = errors.New("vector index is empty")

const reloadChannel = "index:reload"

// Result is one search hit.
type Result struct {
	Document models.Document
	Score    float64
}

type reloadMessage struct {
	Origin    string `json:"origin"`
	Documents int    `json:"documents"`
}

// Store keeps every document embedding in memory for brute-force cosine
// search and persists them in the documents table.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	cache    *redis.Client
	cfg      config.EmbeddingConfig
	logger   *zap.Logger
	origin   string

	mu    sync.RWMutex
	docs  []models.Document
	norms []float64
}

// New creates an empty store. cache may be nil.
func New(db *sql.DB, embedder embedding.Embedder, cache *redis.Client, cfg config.EmbeddingConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Store{
		db:       db,
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		origin:   randomID(),
	}
}

// Len reports the number of indexed documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Load replaces the in-memory index with the documents stored in the database.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, topic, content, embedding, created_at FROM documents`)
	if err != nil {
		return fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var (
			doc  models.Document
			blob []byte
		)
		if err := rows.Scan(&doc.ID, &doc.Topic, &doc.Content, &blob, &doc.CreatedAt); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fmt.Errorf("decode embedding for %s: %w", doc.ID, err)
		}
		doc.Embedding = vec
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}
	sortByID(docs)
	s.swap(docs)
	s.logger.Info("vector index loaded", zap.Int("documents", len(docs)))
	return nil
}

// Rebuild embeds docs, replaces the stored index in one transaction and
// notifies other replicas to reload.
func (s *Store) Rebuild(ctx context.Context, docs []models.Document) error {
	if len(docs) == 0 {
		return errors.New("no documents to index")
	}
	docs = append([]models.Document(nil), docs...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(docs); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(docs))
		batch := docs[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, d := range batch {
				texts[i] = d.Content
			}
			vectors, err := s.embedder.EmbedStrings(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed documents %d-%d: %w", start, end, err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf("embed documents %d-%d: got %d vectors", start, end, len(vectors))
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			s.logger.Debug("embedded batch", zap.Int("from", start), zap.Int("to", end))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.persist(ctx, docs); err != nil {
		return err
	}
	sortByID(docs)
	s.swap(docs)
	s.logger.Info("vector index rebuilt", zap.Int("documents", len(docs)))
	s.publishReload(ctx, len(docs))
	return nil
}

func (s *Store) persist(ctx context.Context, docs []models.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (id, topic, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, doc := range docs {
		created := doc.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Topic, doc.Content, encodeVector(doc.Embedding), created); err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit documents: %w", err)
	}
	return nil
}

// Search returns the k documents most similar to query, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if s.Len() == 0 {
		return nil, ErrEmptyIndex
	}
	vec, err := s.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}
	qnorm := norm(vec)

	s.mu.RLock()
	results := make([]Result, 0, len(s.docs))
	for i, doc := range s.docs {
		results = append(results, Result{
			Document: doc,
			Score:    cosine(vec, qnorm, doc.Embedding, s.norms[i]),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Retrieve returns the content of the k documents most similar to query.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	results, err := s.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Document.Content
	}
	return texts, nil
}

func (s *Store) queryVector(ctx context.Context, query string) ([]float64, error) {
	key := s.cacheKey(query)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var vec []float64
			if err := json.Unmarshal([]byte(raw), &vec); err == nil && len(vec) > 0 {
				return vec, nil
			}
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("query embedding cache read failed", zap.Error(err))
		}
	}

	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, errors.New("embed query: empty embedding")
	}
	vec := vectors[0]

	if s.cache != nil {
		if data, err := json.Marshal(vec); err == nil {
			ttl := time.Duration(s.cfg.CacheTTL) * time.Minute
			if err := s.cache.Set(ctx, key, data, ttl); err != nil {
				s.logger.Warn("query embedding cache write failed", zap.Error(err))
			}
		}
	}
	return vec, nil
}

func (s *Store) cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("embed:%s:%s", s.cfg.Model, hex.EncodeToString(sum[:]))
}

func (s *Store) swap(docs []models.Document) {
	norms := make([]float64, len(docs))
	for i, d := range docs {
		norms[i] = norm(d.Embedding)
	}
	s.mu.Lock()
	s.docs = docs
	s.norms = norms
	s.mu.Unlock()
}

func (s *Store) publishReload(ctx context.Context, count int) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(reloadMessage{Origin: s.origin, Documents: count})
	if err != nil {
		return
	}
	if err := s.cache.Publish(ctx, reloadChannel, payload); err != nil {
		s.logger.Warn("publish index reload failed", zap.Error(err))
	}
}

// Listen reloads the index whenever another replica rebuilds it. It blocks
// until ctx is done and returns nil immediately without redis.
func (s *Store) Listen(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	ch, err := s.cache.Subscribe(ctx, reloadChannel)
	if err != nil {
		return err
	}
	for payload := range ch {
		var msg reloadMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			s.logger.Warn("index reload decode failed", zap.Error(err))
			continue
		}
		if msg.Origin == s.origin {
			continue
		}
		if err := s.Load(ctx); err != nil {
			s.logger.Error("index reload failed", zap.Error(err))
		}
	}
	return nil
}

func sortByID(docs []models.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docOrder(docs[i].ID) < docOrder(docs[j].ID)
	})
}

// docOrder sorts doc_<n> ids numerically and anything else after them.
func docOrder(id string) int {
	var n int
	if _, err := fmt.Sscanf(id, "doc_%d", &n); err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
