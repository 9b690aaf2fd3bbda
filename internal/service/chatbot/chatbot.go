package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taxresearch/internal/models"
	"taxresearch/internal/service/ai"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"
)

// DefaultQuestion replaces a blank question.
const DefaultQuestion = "What types of questions can you answer?"

const greeting = `<p>Hello!<br /><br /> I can answer questions about various state income tax research topics. How can I help you?</p>`

// Retriever finds the research texts most relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

type Options struct {
	TopK         int
	HistoryPairs int
}

// Service answers tax research questions from the indexed research.
type Service struct {
	model     model.BaseChatModel
	retriever Retriever
	opts      Options
	logger    *zap.Logger
}

func NewService(chatModel model.BaseChatModel, retriever Retriever, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK <= 0 {
		opts.TopK = 50
	}
	return &Service{
		model:     chatModel,
		retriever: retriever,
		opts:      opts,
		logger:    logger,
	}
}

// Greeting is the first bot message shown when the chat opens.
func (s *Service) Greeting() string {
	return greeting
}

// Answer runs retrieval and the chat model for question. It returns the HTML
// answer and history extended with the new turn.
func (s *Service) Answer(ctx context.Context, question string, history []models.Turn) (string, []models.Turn, error) {
	if strings.TrimSpace(question) == "" {
		question = DefaultQuestion
	}
	if s.model == nil || s.retriever == nil {
		return "", history, errors.New("chatbot is not configured")
	}

	docs, err := s.retriever.Retrieve(ctx, question, s.opts.TopK)
	if err != nil {
		return "", history, fmt.Errorf("retrieve research: %w", err)
	}

	prior := models.TrimHistory(history, s.opts.HistoryPairs)
	messages := ai.BuildMessages(ai.JoinContext(docs), question, prior)
	resp, err := s.model.Generate(ctx, messages)
	if err != nil {
		return "", history, fmt.Errorf("generate answer: %w", err)
	}
	if resp == nil {
		return "", history, errors.New("generate answer: empty response")
	}
	answer := ai.CleanAnswer(resp.Content)

	s.logger.Info("question answered",
		zap.String("question", question),
		zap.String("answer", answer),
		zap.Int("context_docs", len(docs)))

	updated := make([]models.Turn, 0, len(history)+1)
	updated = append(updated, history...)
	updated = append(updated, models.Turn{Question: question, Answer: answer})
	return answer, models.TrimHistory(updated, s.opts.HistoryPairs), nil
}

// ErrorHTML renders a pipeline failure the way the chat displays it.
func ErrorHTML(err error) string {
	return fmt.Sprintf("<p>Sorry, an error occurred: %s</p>", err)
}
