package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/ratelimit"
)

// TaskKind labels a fetch task for logging and metrics.
type TaskKind string

const (
	TaskFolderList      TaskKind = "folder-list"
	TaskEnvelopeBatch   TaskKind = "envelope-batch"
	TaskBodyFetch       TaskKind = "body-fetch"
	TaskAttachmentFetch TaskKind = "attachment-fetch"
	TaskCalDAVDelta     TaskKind = "caldav-delta"
	TaskCalDAVEvent     TaskKind = "caldav-event"
)

// Priority orders tasks within one account: recent-window fetches beat
// IDLE incrementals beat backfill beat attachment downloads.
type Priority int

const (
	PriRecent Priority = iota
	PriIncremental
	PriBackfill
	PriAttachment
	priorityLevels
)

// Task is one unit of fetch work. Run carries the closure the worker
// executes; failures re-queue with backoff according to their class.
type Task struct {
	Account  string
	Kind     TaskKind
	Priority Priority
	Attempt  int
	Deadline time.Duration
	Run      func(ctx context.Context) error
}

const (
	maxAttempts     = 6
	defaultDeadline = 2 * time.Minute
)

// queue is strict-priority within an account and round-robin across
// accounts.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	accounts []string // ring order
	next     int
	pending  map[string]*[priorityLevels][]*Task
	closed   bool
}

func newQueue() *queue {
	q := &queue{pending: map[string]*[priorityLevels][]*Task{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	slots, ok := q.pending[t.Account]
	if !ok {
		slots = new([priorityLevels][]*Task)
		q.pending[t.Account] = slots
		q.accounts = append(q.accounts, t.Account)
	}
	slots[t.Priority] = append(slots[t.Priority], t)
	q.cond.Signal()
}

// pop blocks for the next task, walking the account ring so no account
// starves another.
func (q *queue) pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		if t := q.takeLocked(); t != nil {
			return t, true
		}
		q.cond.Wait()
	}
}

func (q *queue) takeLocked() *Task {
	n := len(q.accounts)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		slots := q.pending[q.accounts[idx]]
		for p := range slots {
			if len(slots[p]) > 0 {
				t := slots[p][0]
				slots[p] = slots[p][1:]
				q.next = (idx + 1) % n
				return t
			}
		}
	}
	return nil
}

// drop discards everything pending for one account (Disabled or
// NeedsReauth).
func (q *queue) drop(account string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slots, ok := q.pending[account]; ok {
		for p := range slots {
			slots[p] = nil
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pool is the bounded fetch-worker pool shared by every account in the
// writer process.
type Pool struct {
	queue   *queue
	limiter *ratelimit.Limiter
	log     *slog.Logger
	workers int

	// onAuthErr parks the task's account in NeedsReauth.
	onAuthErr func(account string, err error)

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped map[string]bool
	stopMu  sync.Mutex
}

// NewPool builds a pool with the given worker count
// (sync.max_concurrent_fetches).
func NewPool(workers int, limiter *ratelimit.Limiter, log *slog.Logger, onAuthErr func(string, error)) *Pool {
	if workers <= 0 {
		workers = 8
	}
	return &Pool{
		queue:     newQueue(),
		limiter:   limiter,
		log:       log,
		workers:   workers,
		onAuthErr: onAuthErr,
		stopped:   map[string]bool{},
	}
}

// Start launches the workers until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains the queue signal and waits for in-flight tasks.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.queue.close()
	p.wg.Wait()
}

// Submit enqueues a task.
func (p *Pool) Submit(t *Task) {
	p.stopMu.Lock()
	quiesced := p.stopped[t.Account]
	p.stopMu.Unlock()
	if quiesced {
		return
	}
	p.queue.push(t)
}

// Quiesce cancels pending work for an account and rejects new
// submissions until Resume.
func (p *Pool) Quiesce(account string) {
	p.stopMu.Lock()
	p.stopped[account] = true
	p.stopMu.Unlock()
	p.queue.drop(account)
}

// Resume re-admits an account's tasks.
func (p *Pool) Resume(account string) {
	p.stopMu.Lock()
	delete(p.stopped, account)
	p.stopMu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t, ok := p.queue.pop()
		if !ok {
			return
		}
		p.execute(t)
	}
}

func (p *Pool) execute(t *Task) {
	deadline := t.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(p.ctx, deadline)
	defer cancel()

	// Backfill pays into its own budget on top of the shared buckets.
	var err error
	if t.Priority == PriBackfill {
		err = p.limiter.AcquireBackfill(ctx, t.Account, 1)
	} else {
		err = p.limiter.Acquire(ctx, t.Account, 1)
	}
	if err != nil {
		p.requeue(t, err)
		return
	}

	err = t.Run(ctx)
	if err == nil {
		return
	}

	if after, ok := errs.RetryAfter(err); ok {
		p.limiter.SetRetryAfter(after)
	}

	switch {
	case errs.IsAuth(err):
		p.log.Warn("fetch auth failure", "account", t.Account, "kind", t.Kind, "err", err)
		if p.onAuthErr != nil {
			p.onAuthErr(t.Account, err)
		}
	case errs.IsPoison(err):
		// Already quarantined by the task; log once and move on.
		p.log.Warn("poison payload skipped", "account", t.Account, "kind", t.Kind, "err", err)
	case errs.IsNotFound(err):
		// Provider no longer has the item; the task deleted it.
	case errs.IsTransient(err) || ctx.Err() != nil:
		p.requeue(t, err)
	default:
		p.log.Error("fetch failed", "account", t.Account, "kind", t.Kind, "attempt", t.Attempt, "err", err)
		p.requeue(t, err)
	}
}

// requeue re-submits with exponential backoff (1, 2, 4, ... 60s),
// dropping the task after maxAttempts. No failure in one account can
// block progress on another: the delay runs off-queue.
func (p *Pool) requeue(t *Task, cause error) {
	if t.Attempt+1 >= maxAttempts {
		p.log.Error("fetch gave up", "account", t.Account, "kind", t.Kind, "attempts", t.Attempt+1, "err", cause)
		return
	}
	next := *t
	next.Attempt = t.Attempt + 1
	delay := Backoff(next.Attempt)
	p.log.Debug("fetch requeued", "account", t.Account, "kind", t.Kind, "attempt", next.Attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		select {
		case <-p.ctx.Done():
		default:
			p.Submit(&next)
		}
	})
}

// Backoff returns the exponential delay for an attempt: 1, 2, 4, 8,
// ... capped at 60 seconds.
func Backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 60*time.Second || d <= 0 {
		d = 60 * time.Second
	}
	return d
}
