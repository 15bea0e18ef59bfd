// Package queue serializes reactive work per user while capping global
// concurrency. One user's flood never reorders their own messages and never
// starves the loop.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of reactive work. Panics are contained to the task.
type Task func(ctx context.Context)

type userQueue struct {
	pending []Task
	running bool
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// Queue runs tasks FIFO per user, with a global concurrency cap shared
// across users and slot borrowers.
type Queue struct {
	sem        *semaphore.Weighted
	maxPerUser int
	logger     *slog.Logger

	mu       sync.Mutex
	users    map[string]*userQueue
	active   int // tasks and borrowed slots currently holding the cap
	draining bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(maxConcurrent, maxPerUser int, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		maxPerUser: maxPerUser,
		logger:     logger,
		users:      map[string]*userQueue{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit enqueues a task for a user, rejecting when their backlog is full.
func (q *Queue) Submit(userID string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining || q.ctx.Err() != nil {
		return fmt.Errorf("queue is shut down")
	}

	uq := q.users[userID]
	if uq == nil {
		uq = &userQueue{}
		q.users[userID] = uq
	}

	depth := len(uq.pending)
	if uq.running {
		depth++
	}
	if depth >= q.maxPerUser {
		return fmt.Errorf("queue full for user %s (%d queued)", userID, depth)
	}

	uq.pending = append(uq.pending, task)
	if !uq.running {
		uq.running = true
		q.wg.Add(1)
		go q.drainUser(userID, uq)
	}
	return nil
}

// AcquireSlot borrows a slot from the global cap for work outside the
// per-user queues (crons, tool runs). Callers must ReleaseSlot.
func (q *Queue) AcquireSlot(ctx context.Context) error {
	q.mu.Lock()
	shut := q.draining || q.ctx.Err() != nil
	q.mu.Unlock()
	if shut {
		return fmt.Errorf("queue is shut down")
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.mu.Lock()
	q.active++
	q.mu.Unlock()
	return nil
}

// ReleaseSlot returns a slot taken with AcquireSlot.
func (q *Queue) ReleaseSlot() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	q.sem.Release(1)
}

// drainUser runs one user's tasks in order until the backlog empties.
func (q *Queue) drainUser(userID string, uq *userQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(uq.pending) == 0 || q.ctx.Err() != nil {
			uq.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		// A task blocked on the cap still counts as waiting; it is only
		// popped once it holds a slot.
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			continue
		}
		q.mu.Lock()
		task := uq.pending[0]
		uq.pending = uq.pending[1:]
		q.active++
		q.mu.Unlock()

		q.runOne(userID, task)

		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.sem.Release(1)
	}
}

func (q *Queue) runOne(userID string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked", "user", userID, "panic", r)
		}
	}()
	task(q.ctx)
}

// Stats reports how many tasks hold a slot right now and how many are
// waiting behind them.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Running: q.active}
	for _, uq := range q.users {
		s.Waiting += len(uq.pending)
	}
	return s
}

// Drain stops intake and lets queued work finish within the timeout; only
// stragglers past the deadline are cancelled.
func (q *Queue) Drain(timeout time.Duration) error {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-time.After(timeout):
		q.cancel()
		return fmt.Errorf("queue drain timed out after %s", timeout)
	}
}
