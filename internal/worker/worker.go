package worker

// Worker runs jobs handed to it through its private channel.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	handle     func(Job)
}

func NewWorker(pool *jobChannelPool, handle func(Job)) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		handle:     handle,
	}
}

// Start runs the worker loop. The pool must have registered the worker first.
func (w *Worker) Start() {
	go func() {
		defer w.pool.wg.Done()
		defer w.pool.retire(w.jobChannel)
		for {
			// announce ourselves as idle, then wait for work
			w.pool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					return
				}
				w.handle(job)
			case <-w.pool.quit:
				return
			}
		}
	}()
}
