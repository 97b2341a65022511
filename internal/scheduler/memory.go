package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sdrdh/guessgame/internal/observability"
)

// Config is shared by every Scheduler implementation.
type Config struct {
	// MaxReceiveCount is the number of handler attempts before a task is dead-lettered.
	MaxReceiveCount int
	// RedeliveryBackoff is the delay before retrying after a handler error.
	RedeliveryBackoff time.Duration
	// Concurrency is the number of tasks handled at once.
	Concurrency int
	// HandlerTimeout bounds one handler call. Zero means no bound.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReceiveCount < 1 {
		c.MaxReceiveCount = 3
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

type memTask struct {
	seq      uint64
	task     Task
	due      time.Time
	attempts int
}

type taskHeap []*memTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*memTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Memory is an in-process Scheduler with the same delivery rules as the
// JetStream one: due-time ordering, redelivery backoff and a dead-letter list.
// Tasks do not survive a restart.
type Memory struct {
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	queue    taskHeap
	inflight int
	seq      uint64
	dead     []DeadLetter
	handler  Handler
	changed  chan struct{} // closed and replaced on every push
}

var _ Scheduler = (*Memory)(nil)

func NewMemory(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
		changed: make(chan struct{}),
	}
}

func (m *Memory) OnDeliver(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Memory) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	m.push(task, time.Now().Add(delay), 0)
	m.metrics.TasksEnqueued.Inc()
	return nil
}

func (m *Memory) push(task Task, due time.Time, attempts int) {
	m.mu.Lock()
	m.seq++
	heap.Push(&m.queue, &memTask{seq: m.seq, task: task, due: due, attempts: attempts})
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
}

// Pending counts queued and in-flight tasks.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) + m.inflight
}

// DeadLetters returns a copy of the dead-letter list.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out
}

// Requeue moves a dead letter back onto the queue with a fresh attempt budget.
func (m *Memory) Requeue(id uint64) bool {
	m.mu.Lock()
	var task *Task
	for i, d := range m.dead {
		if d.ID == id {
			t := d.Task
			task = &t
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if task == nil {
		return false
	}
	m.push(*task, time.Now(), 0)
	return true
}

func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return ErrNoHandler
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < m.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				it, err := m.next(ctx)
				if err != nil {
					return err
				}
				m.deliver(ctx, h, it)
			}
		})
	}
	return g.Wait()
}

// next blocks until a task is due or ctx is cancelled.
func (m *Memory) next(ctx context.Context) (*memTask, error) {
	for {
		m.mu.Lock()
		changed := m.changed
		var wait time.Duration = -1
		if len(m.queue) > 0 {
			head := m.queue[0]
			wait = time.Until(head.due)
			if wait <= 0 {
				it := heap.Pop(&m.queue).(*memTask)
				m.inflight++
				m.mu.Unlock()
				return it, nil
			}
		}
		m.mu.Unlock()

		var timer *time.Timer
		var fired <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fired = timer.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (m *Memory) deliver(ctx context.Context, h Handler, it *memTask) {
	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	it.attempts++
	m.metrics.TasksDelivered.Inc()

	hctx := ctx
	if m.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, m.cfg.HandlerTimeout)
		defer cancel()
	}

	err := h(hctx, it.task)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// shutting down: keep the task for the next Run
		m.push(it.task, time.Now(), it.attempts-1)
		return
	}

	log := m.logger.With().Str("guess_id", it.task.GuessID).Int("attempt", it.attempts).Logger()
	switch {
	case IsPermanent(err):
		m.deadLetter(it, ReasonPermanent, err)
	case it.attempts >= m.cfg.MaxReceiveCount:
		m.deadLetter(it, ReasonMaxReceiveCount, err)
	default:
		log.Warn().Err(err).Dur("backoff", m.cfg.RedeliveryBackoff).Msg("task failed, redelivering")
		m.metrics.TaskRedeliveries.Inc()
		m.push(it.task, time.Now().Add(m.cfg.RedeliveryBackoff), it.attempts)
	}
}

func (m *Memory) deadLetter(it *memTask, reason string, err error) {
	payload, _ := json.Marshal(it.task)
	m.mu.Lock()
	m.seq++
	m.dead = append(m.dead, DeadLetter{
		ID:       m.seq,
		Task:     it.task,
		Payload:  payload,
		Reason:   reason,
		Attempts: it.attempts,
		Error:    err.Error(),
		At:       time.Now().UTC(),
	})
	m.mu.Unlock()
	m.metrics.DeadLetters.WithLabelValues(reason).Inc()
	m.logger.Error().Err(err).Str("guess_id", it.task.GuessID).Str("reason", reason).
		Int("attempts", it.attempts).Msg("task dead-lettered")
}
