package worker

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"keepchat/internal/redis"
	"keepchat/internal/service/ai"
)

var errJobCancelled = errors.New("reply cancelled")

// Replier produces the assistant's answer to a single prompt.
type Replier interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

// DispatcherConfig sizes the worker pool and the intake queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager accepts reply requests and runs them on the dispatcher's pool.
type Manager struct {
	replier    Replier
	dispatcher *Dispatcher
	counters   *counters
	bus        *cancelBus
	closed     chan struct{}
	closeOnce  sync.Once
}

type replyTask struct {
	ctx      context.Context
	prompt   string
	resultCh chan replyResult
	once     sync.Once
}

type replyResult struct {
	reply string
	err   error
}

func (t *replyTask) finish(reply string, err error) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.resultCh <- replyResult{reply: reply, err: err}
	})
}

// NewManager starts the dispatcher. cache may be nil; when set, CancelKey is
// broadcast to every server instance sharing the redis.
func NewManager(replier Replier, cfg DispatcherConfig, cache *redis.Client) *Manager {
	m := &Manager{
		replier:  replier,
		counters: &counters{},
		closed:   make(chan struct{}),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout)
	m.bus = newCancelBus(cache)
	m.bus.start(func(key string) {
		if n := m.dispatcher.CancelKey(key); n > 0 {
			debugLog("[manager] dropped %d queued jobs for %s on remote cancel", n, key)
		}
	})
	return m
}

// Reply queues prompt under key and waits for the answer or ctx expiry.
func (m *Manager) Reply(ctx context.Context, key, prompt string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(prompt) == "" {
		return "", ai.ErrEmptyPrompt
	}
	task := &replyTask{ctx: ctx, prompt: prompt, resultCh: make(chan replyResult, 1)}
	if err := m.dispatcher.Submit(Job{Type: Reply, Key: key, task: task}); err != nil {
		m.counters.rejected.Add(1)
		return "", err
	}
	select {
	case res := <-task.resultCh:
		return res.reply, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.closed:
		return "", ErrDispatcherClosed
	}
}

// CancelKey drops queued work for key here and on peer instances.
func (m *Manager) CancelKey(key string) {
	m.dispatcher.CancelKey(key)
	m.bus.publish(key)
}

// Stats reports pool occupancy and lifetime counters.
func (m *Manager) Stats() Stats {
	st := m.dispatcher.Stats()
	m.counters.fill(&st)
	return st
}

// Close stops the dispatcher; waiting callers get ErrDispatcherClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.dispatcher.Close()
		m.bus.close()
	})
}

func (m *Manager) handleReply(job Job) {
	task := job.task
	if task == nil {
		return
	}
	if err := task.ctx.Err(); err != nil {
		m.counters.expired.Add(1)
		task.finish("", err)
		return
	}
	start := time.Now()
	reply, err := m.replier.Reply(ai.WithCaller(task.ctx, job.Key), task.prompt)
	if err != nil {
		m.counters.failed.Add(1)
		log.Printf("worker: reply for %s failed after %s: %v", job.Key, time.Since(start).Round(time.Millisecond), err)
	} else {
		m.counters.completed.Add(1)
		debugLog("[manager] reply for %s in %s", job.Key, time.Since(start).Round(time.Millisecond))
	}
	task.finish(reply, err)
}
