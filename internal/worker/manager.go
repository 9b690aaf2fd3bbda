package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"taxresearch/internal/models"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy means the job queue is full or the client already has
	// the maximum number of pending questions.
	ErrDispatcherBusy   = errors.New("dispatcher busy")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Answerer produces the answer for one question.
type Answerer interface {
	Answer(ctx context.Context, question string, history []models.Turn) (string, []models.Turn, error)
}

type DispatcherConfig struct {
	MinWorkers          int
	MaxWorkers          int
	QueueSize           int
	MaxPendingPerClient int
	IdleTimeout         time.Duration
}

// Manager accepts questions, queues them fairly and waits for the answer.
type Manager struct {
	answerer   Answerer
	dispatcher *Dispatcher
	maxPending int
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   map[string]int
	gens      map[string]uint64
}

func NewManager(answerer Answerer, cfg DispatcherConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		answerer:   answerer,
		maxPending: cfg.MaxPendingPerClient,
		logger:     logger,
		pending:    make(map[string]int),
		gens:       make(map[string]uint64),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout, m.handle, logger)
	return m
}

// Ask queues the question and blocks until it is answered or req.Context ends.
func (m *Manager) Ask(req AskRequest) (*AskResult, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
		req.Context = ctx
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := req.ClientKey
	task := &askTask{req: req, resultCh: make(chan askReturn, 1)}
	task.done = func() { m.release(key) }
	if err := m.submit(Job{Type: Ask, AskTask: task}); err != nil {
		return nil, err
	}

	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-ctx.Done():
		// the worker skips the job once it sees the cancelled context
		return nil, ctx.Err()
	}
}

func (m *Manager) submit(job Job) error {
	key := job.clientKey()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrDispatcherClosed
	}
	gen, ok := m.reserve(key)
	if !ok {
		return ErrDispatcherBusy
	}
	job.AskTask.gen = gen
	select {
	case m.dispatcher.JobQueue <- job:
		return nil
	default:
		job.AskTask.finish()
		return ErrDispatcherBusy
	}
}

// reserve counts a pending question for key and returns the client's
// current cancel generation.
func (m *Manager) reserve(key string) (uint64, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.maxPending > 0 && m.pending[key] >= m.maxPending {
		return 0, false
	}
	m.pending[key]++
	return m.gens[key], true
}

func (m *Manager) release(key string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending[key] <= 1 {
		delete(m.pending, key)
		delete(m.gens, key)
		return
	}
	m.pending[key]--
}

// inFlight reports how many questions of key are queued or running.
func (m *Manager) inFlight(key string) int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return m.pending[key]
}

// Cancel drops every question of key that has not started yet. Their
// callers get context.Canceled; a question already running completes.
func (m *Manager) Cancel(key string) int {
	m.pendingMu.Lock()
	if m.pending[key] > 0 {
		m.gens[key]++
	}
	m.pendingMu.Unlock()
	return m.dispatcher.CancelClient(key, context.Canceled)
}

func (m *Manager) cancelled(task *askTask) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return task.gen < m.gens[task.req.ClientKey]
}

// Close stops accepting questions and shuts the dispatcher and workers down.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.dispatcher.Close()
}

func (m *Manager) handle(job Job) {
	switch job.Type {
	case Ask:
		m.handleAsk(job.AskTask)
	default:
		m.logger.Warn("unexpected job", zap.Stringer("type", job.Type))
	}
}

func (m *Manager) handleAsk(task *askTask) {
	req := task.req
	defer task.finish()

	if err := req.Context.Err(); err != nil {
		m.logger.Debug("skip cancelled question", zap.String("client", req.ClientKey))
		task.resultCh <- askReturn{err: err}
		return
	}
	if m.cancelled(task) {
		m.logger.Debug("skip reset question", zap.String("client", req.ClientKey))
		task.resultCh <- askReturn{err: context.Canceled}
		return
	}
	answer, history, err := m.answerer.Answer(req.Context, req.Question, req.History)
	if err != nil {
		task.resultCh <- askReturn{err: err}
		return
	}
	task.resultCh <- askReturn{result: &AskResult{Answer: answer, History: history}}
}
