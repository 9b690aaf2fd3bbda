package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"

	"taxresearch/internal/config"
	"taxresearch/internal/logging"
	"taxresearch/internal/redis"
	"taxresearch/internal/service/ai"
	"taxresearch/internal/service/chatbot"
	"taxresearch/internal/storage"
	"taxresearch/internal/vectorstore"
)

const dbTypeEnv = "TAXRESEARCH_DB"

// app holds the resources shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	rdb    *redis.Client
}

func newApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log, verbose)
	if err != nil {
		return nil, err
	}

	dbType := os.Getenv(dbTypeEnv)
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.Debug("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Create necessary tables: visitors, visitor_tokens, messages, documents
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return &app{cfg: cfg, logger: logger, db: db, rdb: rdb}, nil
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) vectorStore(ctx context.Context) (*vectorstore.Store, error) {
	embedder, err := ai.NewEmbedder(ctx, a.cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return vectorstore.New(a.db, embedder, a.rdb, a.cfg.Embedding, a.logger.Named("vectorstore")), nil
}

// loadedStore returns the vector store filled from the database.
func (a *app) loadedStore(ctx context.Context) (*vectorstore.Store, error) {
	store, err := a.vectorStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	if store.Len() == 0 {
		a.logger.Warn("vector index is empty, run the index command first")
	}
	return store, nil
}

func (a *app) chatbot(ctx context.Context, retriever chatbot.Retriever) (*chatbot.Service, error) {
	chatModel, err := ai.NewChatModel(ctx, a.cfg, a.cfg.Chat.Provider, a.cfg.Chat.Model)
	if err != nil {
		return nil, err
	}
	return chatbot.NewService(chatModel, retriever, chatbot.Options{
		TopK:         a.cfg.Chat.TopK,
		HistoryPairs: a.cfg.Chat.HistoryPairs,
	}, a.logger.Named("chatbot")), nil
}
