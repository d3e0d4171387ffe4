package async

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned when submitting to a closed pool
var ErrPoolClosed = errors.New("worker pool is closed")

// Policy decides what happens to a task submitted to a saturated pool
type Policy int

const (
	// CallerRuns executes the task on the submitting goroutine
	CallerRuns Policy = iota
	// DiscardOldest drops the oldest queued task to make room
	DiscardOldest
)

func (p Policy) String() string {
	if p == DiscardOldest {
		return "discard-oldest"
	}
	return "caller-runs"
}

// Pool is a fixed-size worker pool fronted by a bounded queue. Tasks wait in
// the queue while every worker is busy; once the queue is full the pool's
// Policy applies.
type Pool struct {
	name    string
	workers *ants.Pool
	queue   chan func()
	policy  Policy
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool creates a pool with size workers and a queue of queueSize tasks
func NewPool(name string, size, queueSize int, policy Policy) (*Pool, error) {
	logger := log.WithComponent("async").With().Str("pool", name).Logger()

	workers, err := ants.NewPool(size,
		ants.WithPanicHandler(func(p any) {
			logger.Error().Interface("panic", p).Msg("Worker panic recovered")
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan func(), queueSize),
		policy:  policy,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.dispatch()
	return p, nil
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

// dispatch hands queued tasks to the workers, blocking while all are busy
func (p *Pool) dispatch() {
	defer close(p.doneCh)
	for {
		select {
		case task := <-p.queue:
			metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
			if err := p.workers.Submit(task); err != nil {
				p.logger.Warn().Err(err).Msg("Worker submit failed, running task inline")
				go task()
			}
		case <-p.stopCh:
			return
		}
	}
}

// Submit queues task for execution. It never blocks on a busy pool: a full
// queue is handled by the pool's Policy.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}

	for {
		select {
		case p.queue <- task:
			metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
			p.mu.RUnlock()
			return nil
		default:
		}

		metrics.PoolSaturationTotal.WithLabelValues(p.name, p.policy.String()).Inc()

		switch p.policy {
		case DiscardOldest:
			select {
			case <-p.queue:
				p.logger.Debug().Msg("Queue full, discarded oldest task")
			default:
			}
			// retry the enqueue
		default:
			p.mu.RUnlock()
			task()
			return nil
		}
	}
}

// After submits task once d has elapsed. No worker is held while waiting.
func (p *Pool) After(d time.Duration, task func()) {
	time.AfterFunc(d, func() {
		if err := p.Submit(task); err != nil {
			p.logger.Debug().Err(err).Msg("Delayed task dropped")
		}
	})
}

// Running returns the number of busy workers
func (p *Pool) Running() int {
	return p.workers.Running()
}

// Close stops accepting tasks and releases the workers. Queued tasks that
// have not started are dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
	p.workers.Release()
}
