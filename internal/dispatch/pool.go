// Package dispatch runs fire-and-forget side calls on a bounded worker pool.
//
// Submit never blocks: when the pool-wide backlog is full the task is dropped,
// logged and counted. Each task runs on a context detached from the submitter,
// bounded by its own timeout, so a finished HTTP request never cancels its
// deliveries. Tasks of one patient form a serial lane and run in submission
// order; a slow task only holds up its own patient.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/metrics"
)

// ErrQueueFull is returned by Submit when the task was dropped.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatch pool closed")

// Task is one unit of background work.
type Task struct {
	// Name identifies the task in logs, e.g. "deliver".
	Name string
	// PatientID keys the serial lane. Empty means no ordering constraint.
	PatientID string
	// Timeout overrides the pool default when positive.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// lane holds the queued tasks of one key. A lane sits in the ready channel
// at most once and is handed to one worker at a time.
type lane struct {
	key    string
	tasks  []Task
	active bool
}

// Pool executes tasks on a fixed number of workers sharing one backlog.
type Pool struct {
	ready     chan *lane
	queueSize int
	timeout   time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	lanes    map[string]*lane
	pending  int
	closed   bool
	inflight sync.WaitGroup
	workers  sync.WaitGroup

	drainOnce sync.Once
	drained   chan struct{}
}

// NewPool starts workers goroutines sharing queueSize slots of backlog.
// metrics may be nil.
func NewPool(workers, queueSize int, timeout time.Duration, m *metrics.Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Pool{
		// Lanes in ready never outnumber queued tasks, so sends never block.
		ready:     make(chan *lane, queueSize),
		queueSize: queueSize,
		timeout:   timeout,
		metrics:   m,
		lanes:     make(map[string]*lane),
		drained:   make(chan struct{}),
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	log.Info().Int("workers", workers).Int("queue", queueSize).Dur("timeout", timeout).Msg("Dispatch pool started")
	return p
}

// Submit enqueues t without waiting. The returned error reports only whether
// the task was accepted, never its outcome.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.pending >= p.queueSize {
		log.Warn().Str("task", t.Name).Str("patient_id", t.PatientID).Msg("Dispatch queue full, dropping task")
		if p.metrics != nil {
			p.metrics.DispatchDropped.Inc()
		}
		return ErrQueueFull
	}

	l := p.lanes[t.PatientID]
	if l == nil {
		l = &lane{key: t.PatientID}
		if t.PatientID != "" {
			p.lanes[t.PatientID] = l
		}
	}
	l.tasks = append(l.tasks, t)
	p.pending++
	p.inflight.Add(1)
	if !l.active {
		l.active = true
		p.ready <- l
	}
	p.observeDepth()
	return nil
}

// Close stops accepting tasks and waits for queued ones to finish or for
// ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.drainOnce.Do(func() {
		go func() {
			p.inflight.Wait()
			close(p.ready)
			p.workers.Wait()
			close(p.drained)
		}()
	})
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for l := range p.ready {
		p.mu.Lock()
		t := l.tasks[0]
		l.tasks[0] = Task{}
		l.tasks = l.tasks[1:]
		p.pending--
		p.observeDepth()
		p.mu.Unlock()

		p.run(t)

		p.mu.Lock()
		if len(l.tasks) > 0 {
			p.ready <- l
		} else {
			l.active = false
			if l.key != "" {
				delete(p.lanes, l.key)
			}
		}
		p.mu.Unlock()
		p.inflight.Done()
	}
}

func (p *Pool) run(t Task) {
	timeout := p.timeout
	if t.Timeout > 0 {
		timeout = t.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", t.Name).Str("patient_id", t.PatientID).Msg("Dispatch task panicked")
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		log.Warn().Err(err).Str("task", t.Name).Str("patient_id", t.PatientID).
			Dur("elapsed", time.Since(start)).Msg("Dispatch task failed")
		return
	}
	log.Debug().Str("task", t.Name).Str("patient_id", t.PatientID).Dur("elapsed", time.Since(start)).Msg("Dispatch task done")
}

// observeDepth must be called with mu held.
func (p *Pool) observeDepth() {
	if p.metrics == nil {
		return
	}
	p.metrics.DispatchQueue.Set(float64(p.pending))
}
