package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxresearch/internal/auth"
	"taxresearch/internal/models"
	"taxresearch/internal/service/chatbot"
	"taxresearch/internal/service/conversation"
	"taxresearch/internal/web"
	"taxresearch/internal/worker"
)

type WorkerManager interface {
	Ask(worker.AskRequest) (*worker.AskResult, error)
	Cancel(clientKey string) int
}

// Greeter provides the first bot message of a chat.
type Greeter interface {
	Greeting() string
}

type Options struct {
	Title          string
	HistoryPairs   int
	RequestTimeout time.Duration
	AllowedOrigins []string
	RatePerMinute  float64
	RateBurst      int
}

// Handler wires HTTP routes to the chatbot workers and the visitor transcripts.
type Handler struct {
	greeter       Greeter
	conversations *conversation.Service
	auth          *auth.Service
	workers       WorkerManager
	limiter       *clientLimiter
	opts          Options
	logger        *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(greeter Greeter, conversations *conversation.Service, authService *auth.Service, workers WorkerManager, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Handler{
		greeter:       greeter,
		conversations: conversations,
		auth:          authService,
		workers:       workers,
		limiter:       newClientLimiter(opts.RatePerMinute, opts.RateBurst),
		opts:          opts,
		logger:        logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.corsMiddleware())
	web.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/hello", h.hello)
	router.POST("/chatbot", h.rateLimit(remoteKey), h.chatbot)

	router.GET("/", h.visitorChain(h.index)...)
	// limited by address before the visitor is resolved, then per visitor
	send := append([]gin.HandlerFunc{h.rateLimit(remoteKey)}, h.visitorChain(h.rateLimit(clientKey), h.send)...)
	router.POST("/send", send...)
	router.POST("/reset", h.visitorChain(h.reset)...)
	router.GET("/api/messages", h.visitorChain(h.listMessages)...)
}

// visitorChain prefixes handlers with visitor resolution and CSRF checks.
func (h *Handler) visitorChain(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
	chain := []gin.HandlerFunc{h.auth.VisitorMiddleware(), h.auth.CSRFMiddleware()}
	return append(chain, handlers...)
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", h.auth.CSRFHeaderName()},
		AllowCredentials: true,
		MaxAge:           5 * time.Minute,
	}
	switch {
	case len(h.opts.AllowedOrigins) == 0:
		// same origin only
		return func(c *gin.Context) { c.Next() }
	case len(h.opts.AllowedOrigins) == 1 && h.opts.AllowedOrigins[0] == "*":
		cfg.AllowOriginFunc = func(string) bool { return true }
	default:
		cfg.AllowOrigins = h.opts.AllowedOrigins
	}
	return cors.New(cfg)
}

func (h *Handler) hello(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.greeter.Greeting())
}

// chatbot answers {"question", "chat_history"} with [answer, chat_history].
// Answers are HTML, so the JSON is written without HTML escaping.
func (h *Handler) chatbot(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
	defer cancel()

	result, err := h.workers.Ask(worker.AskRequest{
		Context:   ctx,
		ClientKey: clientKey(c),
		Question:  req.Question,
		History:   req.ChatHistory,
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		h.logger.Error("chatbot failed", zap.Error(err))
		c.PureJSON(http.StatusInternalServerError, []any{chatbot.ErrorHTML(err), []models.Turn{}})
		return
	}
	history := result.History
	if history == nil {
		history = []models.Turn{}
	}
	c.PureJSON(http.StatusOK, []any{result.Answer, history})
}

func (h *Handler) authorizedVisitorID(c *gin.Context) (int64, bool) {
	visitorID, ok := auth.VisitorIDFromContext(c)
	if !ok || visitorID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "visitor session required"})
		return 0, false
	}
	return visitorID, true
}

// index renders the transcript, greeting a visitor whose transcript is empty.
func (h *Handler) index(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	messages, err := h.conversations.ListMessages(ctx, visitorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(messages) == 0 {
		greeting, err := h.conversations.AppendMessage(ctx, visitorID, models.RoleBot, h.greeter.Greeting())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		messages = append(messages, greeting)
	}
	page := web.NewPage(h.opts.Title, auth.CSRFTokenFromContext(c), messages)
	page.CSRFField = h.auth.CSRFFormField()
	c.HTML(http.StatusOK, web.PageTemplate, page)
}

// send handles the chat form: store the question, answer it, redirect back.
func (h *Handler) send(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	question := strings.TrimSpace(c.PostForm("message"))
	if question == "" {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	ctx := c.Request.Context()
	history, err := h.conversations.History(ctx, visitorID, h.opts.HistoryPairs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	asked, err := h.conversations.AppendMessage(ctx, visitorID, models.RoleUser, question)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	askCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
	defer cancel()
	result, err := h.workers.Ask(worker.AskRequest{
		Context:   askCtx,
		ClientKey: clientKey(c),
		Question:  question,
		History:   history,
	})
	var answer string
	switch {
	case err == nil:
		answer = result.Answer
	case errors.Is(err, context.Canceled):
		// reset while waiting; the transcript is already gone
		c.Redirect(http.StatusSeeOther, "/")
		return
	default:
		h.logger.Warn("send failed", zap.Int64("visitor_id", visitorID), zap.Error(err))
		answer = chatbot.ErrorHTML(err)
	}

	if _, err := h.conversations.AppendReply(ctx, visitorID, asked.ID, answer); err != nil {
		if errors.Is(err, conversation.ErrQuestionCleared) {
			h.logger.Debug("dropped answer after reset", zap.Int64("visitor_id", visitorID))
			c.Redirect(http.StatusSeeOther, "/")
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) reset(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	if dropped := h.workers.Cancel(clientKey(c)); dropped > 0 {
		h.logger.Debug("dropped queued questions", zap.Int64("visitor_id", visitorID), zap.Int("count", dropped))
	}
	if err := h.conversations.Clear(c.Request.Context(), visitorID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) listMessages(c *gin.Context) {
	visitorID, ok := h.authorizedVisitorID(c)
	if !ok {
		return
	}
	messages, err := h.conversations.ListMessages(c.Request.Context(), visitorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// clientKey identifies the caller for fair queueing and rate limiting:
// the visitor on page routes, the remote address otherwise.
func clientKey(c *gin.Context) string {
	if visitorID, ok := auth.VisitorIDFromContext(c); ok && visitorID > 0 {
		return fmt.Sprintf("visitor:%d", visitorID)
	}
	return remoteKey(c)
}

func remoteKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}
