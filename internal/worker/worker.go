package worker

// Worker runs jobs handed to it by the pool until told to stop.
type Worker struct {
	id         int
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				debugLog("[worker-%d] stopped", w.id)
				return
			}
			w.manager.handleReply(job)
			if !w.pool.Release(w.jobChannel) {
				debugLog("[worker-%d] exiting after pool close", w.id)
				return
			}
		}
	}()
}
