package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPerUserFIFO(t *testing.T) {
	q := New(3, 10, slog.Default())
	defer q.Drain(time.Second)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		err := q.Submit("user-a", func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not finish")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly FIFO", order)
		}
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	q := New(2, 10, slog.Default())
	defer q.Drain(2 * time.Second)

	var current, peak int64
	var wg sync.WaitGroup
	wg.Add(6)

	// Six users, one task each, all runnable at once.
	for _, user := range []string{"a", "b", "c", "d", "e", "f"} {
		err := q.Submit(user, func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	wg.Wait()
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	q := New(1, 2, slog.Default())
	defer q.Drain(2 * time.Second)

	release := make(chan struct{})
	q.Submit("user-a", func(ctx context.Context) { <-release })
	q.Submit("user-a", func(ctx context.Context) {})

	if err := q.Submit("user-a", func(ctx context.Context) {}); err == nil {
		t.Error("third task should be rejected at maxPerUser=2")
	}
	// A different user is unaffected.
	if err := q.Submit("user-b", func(ctx context.Context) {}); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
	close(release)
}

func TestPanicDoesNotKillQueue(t *testing.T) {
	q := New(1, 10, slog.Default())
	defer q.Drain(time.Second)

	done := make(chan struct{})
	q.Submit("user-a", func(ctx context.Context) { panic("task exploded") })
	q.Submit("user-a", func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue died after a panicking task")
	}
}

func TestDrainStopsIntake(t *testing.T) {
	q := New(1, 10, slog.Default())
	if err := q.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Submit("user-a", func(ctx context.Context) {}); err == nil {
		t.Error("submit after drain should fail")
	}
}

func TestStatsCountsRunningAndWaiting(t *testing.T) {
	q := New(1, 10, slog.Default())
	defer q.Drain(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	q.Submit("user-a", func(ctx context.Context) {
		close(started)
		<-release
	})
	q.Submit("user-a", func(ctx context.Context) {})
	q.Submit("user-a", func(ctx context.Context) {})
	<-started

	s := q.Stats()
	if s.Running != 1 || s.Waiting != 2 {
		t.Errorf("stats = %+v, want 1 running / 2 waiting", s)
	}
	close(release)
}

func TestAcquireSlotCooperatesWithCap(t *testing.T) {
	q := New(1, 10, slog.Default())
	defer q.Drain(2 * time.Second)

	// A borrowed slot occupies the whole cap.
	if err := q.AcquireSlot(context.Background()); err != nil {
		t.Fatal(err)
	}
	ran := make(chan struct{})
	q.Submit("user-a", func(ctx context.Context) { close(ran) })

	select {
	case <-ran:
		t.Fatal("task ran while the only slot was borrowed")
	case <-time.After(100 * time.Millisecond):
	}
	if s := q.Stats(); s.Running != 1 {
		t.Errorf("borrowed slot not counted as running: %+v", s)
	}

	q.ReleaseSlot()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran after the slot was returned")
	}
}

func TestDrainFinishesPendingWork(t *testing.T) {
	q := New(1, 10, slog.Default())

	var done atomic.Int64
	for i := 0; i < 3; i++ {
		q.Submit("user-a", func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
		})
	}
	if err := q.Drain(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := done.Load(); got != 3 {
		t.Errorf("drained with %d of 3 tasks finished", got)
	}
}
