package worker

import (
	"context"
	"sync"

	"taxresearch/internal/models"
)

type JobType int

const (
	Ask JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Ask:
		return "ask"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

type Job struct {
	Type    JobType
	AskTask *askTask
}

// AskRequest is one question submitted by a client (visitor or remote address).
type AskRequest struct {
	Context   context.Context
	ClientKey string
	Question  string
	History   []models.Turn
}

type AskResult struct {
	Answer  string
	History []models.Turn
}

type askTask struct {
	req      AskRequest
	resultCh chan askReturn // buffered, receives exactly one value
	gen      uint64         // client cancel generation at submit time
	done     func()
	once     sync.Once
}

// finish runs the completion hook once, whether the task was handled or failed.
func (t *askTask) finish() {
	t.once.Do(func() {
		if t.done != nil {
			t.done()
		}
	})
}

type askReturn struct {
	result *AskResult
	err    error
}

func (job Job) clientKey() string {
	if job.Type == Ask && job.AskTask != nil {
		return job.AskTask.req.ClientKey
	}
	return ""
}

// fail completes a job that will never reach a worker.
func (job Job) fail(err error) {
	if job.Type == Ask && job.AskTask != nil {
		job.AskTask.resultCh <- askReturn{err: err}
		job.AskTask.finish()
	}
}
