package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taxresearch/internal/api"
	"taxresearch/internal/auth"
	"taxresearch/internal/logging"
	"taxresearch/internal/service/conversation"
	"taxresearch/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	store, err := a.loadedStore(ctx)
	if err != nil {
		return err
	}
	bot, err := a.chatbot(ctx, store)
	if err != nil {
		return err
	}

	workers := worker.NewManager(bot, worker.DispatcherConfig{
		MinWorkers:          cfg.BasicConfig.MinWorkers,
		MaxWorkers:          cfg.BasicConfig.MaxWorkers,
		QueueSize:           cfg.BasicConfig.QueueSize,
		MaxPendingPerClient: cfg.BasicConfig.MaxPendingPerUser,
		IdleTimeout:         time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger.Named("worker"))
	defer workers.Close()

	authService := auth.NewService(a.db, a.rdb, time.Duration(cfg.BasicConfig.VisitorTTL)*time.Hour)
	authService.SetSecureCookies(cfg.BasicConfig.SecureCookies)
	authService.StartCleaner(ctx, time.Duration(cfg.BasicConfig.CleanInterval)*time.Minute, logger.Named("auth"))

	conversations := conversation.NewService(a.db, a.rdb, logger.Named("conversation"))
	handler := api.NewHandler(bot, conversations, authService, workers, api.Options{
		Title:          cfg.Chat.Title,
		HistoryPairs:   cfg.Chat.HistoryPairs,
		RequestTimeout: time.Duration(cfg.BasicConfig.RequestTimeout) * time.Second,
		AllowedOrigins: cfg.BasicConfig.AllowedOrigins,
		RatePerMinute:  cfg.BasicConfig.RateLimit,
		RateBurst:      cfg.BasicConfig.RateBurst,
	}, logger.Named("api"))

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.BasicConfig.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery(), logging.GinMiddleware(logger.Named("http")))
	handler.RegisterRoutes(router)

	go func() {
		if err := store.Listen(ctx); err != nil {
			logger.Warn("index reload listener stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
