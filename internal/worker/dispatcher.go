package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("reply queue full, retry later")

// ErrDispatcherClosed is returned for jobs submitted or pending at shutdown.
var ErrDispatcherClosed = errors.New("dispatcher closed")

type JobType int

const (
	Reply JobType = iota
	Stop
)

// Job is a unit of work handed to a pool worker. Key identifies the caller
// for fair scheduling ("user:<id>" or "anon:<ip>").
type Job struct {
	Type JobType
	Key  string
	task *replyTask
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher schedules jobs round-robin across callers so one caller's
// backlog never starves another, then hands them to an elastic worker pool.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager

	mu        sync.Mutex
	queues    map[string]*keyQueue
	ready     *list.List // LRU of caller keys with pending jobs
	positions map[string]*list.Element
	pending   int
	limit     int
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager),
		JobQueue:  make(chan Job, queueSize),
		Manager:   manager,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		limit:     queueSize,
		quit:      make(chan struct{}),
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

// Submit admits a job without blocking. Callers beyond the queue limit get ErrDispatcherBusy.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	d.mu.Lock()
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// CancelKey drops every queued job for key. Jobs already running finish.
func (d *Dispatcher) CancelKey(key string) int {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		d.pending -= len(dropped)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.task.finish("", errJobCancelled)
	}
	return len(dropped)
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// nextJob pops the head job of the least recently served caller.
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne hands the next job to a worker, blocking until one is free.
// The job counts against the queue limit until a worker takes it.
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.nextJob()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan != nil {
		debugLog("[dispatcher] assign job for %s to worker-%d", job.Key, d.pool.workerID(workerChan))
		workerChan <- job
	}
	d.mu.Lock()
	if d.pending > 0 {
		d.pending--
	}
	d.mu.Unlock()
	if workerChan == nil {
		job.task.finish("", ErrDispatcherClosed)
	}
	return true
}

// Stats reports a snapshot of queue and pool occupancy.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	queued := d.pending
	callers := d.ready.Len()
	d.mu.Unlock()
	st := d.pool.stats()
	st.Queued = queued
	st.WaitingCallers = callers
	return st
}

// Close stops dispatching, fails queued jobs and retires idle workers.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		var dropped []Job
		for _, q := range d.queues {
			dropped = append(dropped, q.jobs...)
		}
		d.queues = make(map[string]*keyQueue)
		d.positions = make(map[string]*list.Element)
		d.ready.Init()
		d.pending = 0
		d.mu.Unlock()
	drain:
		for {
			select {
			case job := <-d.JobQueue:
				dropped = append(dropped, job)
			default:
				break drain
			}
		}
		for _, job := range dropped {
			job.task.finish("", ErrDispatcherClosed)
		}
		d.pool.close()
	})
}
