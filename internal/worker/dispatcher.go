package worker

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

type clientQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher serves per-client FIFO queues round-robin so one client with
// many pending questions cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[string]*clientQueue // job queue for each client
	ready     *list.List              // round-robin queue of client keys
	positions map[string]*list.Element

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, handle func(Job), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, handle, logger)

	d := &Dispatcher{
		queues:    make(map[string]*clientQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		logger:    logger,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// warm up the minimum number of workers
	for i := 0; i < pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of the client in the front of the ready queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // nothing queued, block for the next job
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		// take in everything that arrived meanwhile so the round robin sees it
		for drained := false; !drained; {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			default:
				drained = true
			}
		}
	}
}

// CancelClient drops every queued job of the client, failing it with err.
// Jobs already handed to a worker are not affected.
func (d *Dispatcher) CancelClient(key string, err error) int {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	if q == nil {
		return 0
	}
	for _, job := range q.jobs {
		job.fail(err)
	}
	return len(q.jobs)
}

func (d *Dispatcher) enqueueJob(job Job) {
	key := job.clientKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		q = &clientQueue{}
		d.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// client already waiting for its turn
		return
	}
	q.enqueued = true
	d.positions[key] = d.ready.PushBack(key)
}

// dispatchOne hands the next job of the front client to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this client, it leaves the ready queue
		delete(d.queues, key)
		d.ready.Remove(elem)
		delete(d.positions, key)
	} else {
		// back of the line
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		job.fail(ErrDispatcherClosed)
		return true
	}
	d.logger.Debug("dispatch job",
		zap.Stringer("type", job.Type),
		zap.String("client", key),
		zap.Int("worker", d.pool.workerID(workerChan)))
	select {
	case workerChan <- job:
	case <-d.pool.quit:
		job.fail(ErrDispatcherClosed)
	}
	return true
}

// Close stops dispatching, fails every job still queued and waits for the
// workers to finish their current job.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
		// closing the pool first unblocks a dispatch waiting for a worker
		d.pool.close()
		<-d.done

		d.mu.Lock()
		queues := d.queues
		d.queues = make(map[string]*clientQueue)
		d.ready.Init()
		d.positions = make(map[string]*list.Element)
		d.mu.Unlock()
		for _, q := range queues {
			for _, job := range q.jobs {
				job.fail(ErrDispatcherClosed)
			}
		}
		for {
			select {
			case job := <-d.JobQueue:
				job.fail(ErrDispatcherClosed)
			default:
				return
			}
		}
	})
}
