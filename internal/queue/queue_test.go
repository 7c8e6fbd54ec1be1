package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blockrelay/blockrelay/internal/delivery"
)

func newDelivery(id string, maxAttempts int) *delivery.Delivery {
	return &delivery.Delivery{
		ID:             id,
		WebhookID:      "wh-1",
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: time.Millisecond,
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		ceiling time.Duration
		want    time.Duration
	}{
		{name: "first retry", attempt: 1, base: time.Second, ceiling: time.Minute, want: time.Second},
		{name: "second retry doubles", attempt: 2, base: time.Second, ceiling: time.Minute, want: 2 * time.Second},
		{name: "third retry", attempt: 3, base: time.Second, ceiling: time.Minute, want: 4 * time.Second},
		{name: "capped", attempt: 10, base: time.Second, ceiling: time.Minute, want: time.Minute},
		{name: "cap below base", attempt: 1, base: 2 * time.Minute, ceiling: time.Minute, want: time.Minute},
		{name: "zero attempt clamps to one", attempt: 0, base: time.Second, ceiling: time.Minute, want: time.Second},
		{name: "large attempt does not overflow", attempt: 64, base: time.Second, ceiling: time.Minute, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.attempt, tt.base, tt.ceiling, 0); got != tt.want {
				t.Errorf("Backoff(%d, %v, %v, 0) = %v, want %v", tt.attempt, tt.base, tt.ceiling, got, tt.want)
			}
		})
	}
}

func TestBackoff_Jitter(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := Backoff(1, base, time.Minute, 0.25)
		if got < 7500*time.Millisecond || got > 12500*time.Millisecond {
			t.Fatalf("Backoff with 25%% jitter = %v, want within [7.5s, 12.5s]", got)
		}
	}
}

func TestEnqueue_Size(t *testing.T) {
	q := New(Options{})

	if got := q.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
	q.Enqueue(newDelivery("a", 3))
	q.Enqueue(newDelivery("b", 3))
	if got := q.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}
	if got := q.ProcessingCount(); got != 0 {
		t.Errorf("ProcessingCount() = %d, want 0 before start", got)
	}
}

func TestProcessing_Success(t *testing.T) {
	q := New(Options{MaxConcurrent: 2})
	var handled atomic.Int32
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		handled.Add(1)
		return nil
	})
	defer q.StopProcessing()

	d := newDelivery("a", 3)
	q.Enqueue(d)

	waitFor(t, time.Second, func() bool { return handled.Load() == 1 })
	waitFor(t, time.Second, func() bool { return q.Size() == 0 && q.ProcessingCount() == 0 })

	if d.Status != delivery.StatusCompleted {
		t.Errorf("Status = %s, want %s", d.Status, delivery.StatusCompleted)
	}
	if d.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", d.Attempts)
	}
}

func TestProcessing_RetriesUntilSuccess(t *testing.T) {
	q := New(Options{MaxConcurrent: 2})
	var calls atomic.Int32
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	defer q.StopProcessing()

	d := newDelivery("a", 5)
	q.Enqueue(d)

	// Poll the counter and queue state, not the delivery itself; reading d is
	// only safe once the queue is drained.
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() == 3 && q.Size() == 0 && q.ProcessingCount() == 0
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
	if d.Status != delivery.StatusCompleted {
		t.Errorf("Status = %s, want %s", d.Status, delivery.StatusCompleted)
	}
	if d.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", d.Attempts)
	}
}

func TestProcessing_ConcurrentRetryChurn(t *testing.T) {
	q := New(Options{MaxConcurrent: 4})
	var perDelivery sync.Map
	var completed atomic.Int32
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		v, _ := perDelivery.LoadOrStore(d.ID, new(atomic.Int32))
		if v.(*atomic.Int32).Add(1) < 3 {
			return errors.New("flaky")
		}
		completed.Add(1)
		return nil
	})
	defer q.StopProcessing()

	const n = 8
	for i := 0; i < n; i++ {
		q.Enqueue(newDelivery(string(rune('a'+i)), 5))
	}

	waitFor(t, 5*time.Second, func() bool {
		return completed.Load() == n && q.Size() == 0 && q.ProcessingCount() == 0
	})
	perDelivery.Range(func(_, v any) bool {
		if got := v.(*atomic.Int32).Load(); got != 3 {
			t.Errorf("handler calls per delivery = %d, want 3", got)
		}
		return true
	})
}

func TestProcessing_ExhaustionInvokesCallbackOnce(t *testing.T) {
	var exhausted atomic.Int32
	var lastErr error
	var mu sync.Mutex

	q := New(Options{MaxConcurrent: 2})
	q.OnExhausted(func(d *delivery.Delivery, err error) {
		exhausted.Add(1)
		mu.Lock()
		lastErr = err
		mu.Unlock()
	})

	var calls atomic.Int32
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		calls.Add(1)
		return errors.New("always down")
	})
	defer q.StopProcessing()

	d := newDelivery("a", 3)
	q.Enqueue(d)

	waitFor(t, 2*time.Second, func() bool { return exhausted.Load() == 1 })

	// No further dispatches after exhaustion.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want exactly maxAttempts (3)", got)
	}
	if got := exhausted.Load(); got != 1 {
		t.Errorf("exhaustion callbacks = %d, want 1", got)
	}
	if d.Attempts != d.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", d.Attempts, d.MaxAttempts)
	}
	if d.Status != delivery.StatusDeadLettered {
		t.Errorf("Status = %s, want %s", d.Status, delivery.StatusDeadLettered)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after exhaustion", q.Size())
	}
	mu.Lock()
	defer mu.Unlock()
	if lastErr == nil || lastErr.Error() != "always down" {
		t.Errorf("exhaustion error = %v, want the handler's last error", lastErr)
	}
}

func TestProcessing_AttemptsNeverExceedMax(t *testing.T) {
	q := New(Options{MaxConcurrent: 4})
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		if d.Attempts > d.MaxAttempts {
			t.Errorf("delivery %s dispatched with attempts %d > max %d", d.ID, d.Attempts, d.MaxAttempts)
		}
		return errors.New("fail")
	})
	defer q.StopProcessing()

	var exhausted atomic.Int32
	q.OnExhausted(func(d *delivery.Delivery, err error) { exhausted.Add(1) })

	for i := 0; i < 5; i++ {
		q.Enqueue(newDelivery(string(rune('a'+i)), 2))
	}
	waitFor(t, 2*time.Second, func() bool { return exhausted.Load() == 5 })
}

func TestConcurrencyCeiling_NoOverlap(t *testing.T) {
	q := New(Options{MaxConcurrent: 1})

	type window struct{ start, end time.Time }
	var mu sync.Mutex
	var windows []window

	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		start := time.Now()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		windows = append(windows, window{start: start, end: time.Now()})
		mu.Unlock()
		return nil
	})
	defer q.StopProcessing()

	d1 := newDelivery("a", 3)
	d1.WebhookID = "wh-1"
	d2 := newDelivery("b", 3)
	d2.WebhookID = "wh-2"
	q.Enqueue(d1)
	q.Enqueue(d2)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(windows) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	a, b := windows[0], windows[1]
	if a.end.After(b.start) && b.end.After(a.start) {
		t.Errorf("delivering windows overlap under MaxConcurrent=1: %+v vs %+v", a, b)
	}
}

func TestStopProcessing_LetsInFlightFinish(t *testing.T) {
	q := New(Options{MaxConcurrent: 1})

	started := make(chan struct{})
	var finished atomic.Bool
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	d := newDelivery("a", 3)
	q.Enqueue(d)
	<-started

	q.StopProcessing()

	if !finished.Load() {
		t.Error("StopProcessing() returned before the in-flight delivery finished")
	}
	if d.Status != delivery.StatusCompleted {
		t.Errorf("Status = %s, want %s", d.Status, delivery.StatusCompleted)
	}
}

func TestStopProcessing_KeepsPendingWork(t *testing.T) {
	q := New(Options{MaxConcurrent: 1})
	block := make(chan struct{})
	var handled atomic.Int32
	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error {
		handled.Add(1)
		<-block
		return nil
	})

	q.Enqueue(newDelivery("a", 3))
	waitFor(t, time.Second, func() bool { return handled.Load() == 1 })
	q.Enqueue(newDelivery("b", 3))

	close(block)
	q.StopProcessing()

	// b was never dispatched and survives for the next start.
	if got := q.Size(); got != 1 {
		t.Errorf("Size() after stop = %d, want 1", got)
	}

	q.StartProcessing(func(ctx context.Context, d *delivery.Delivery) error { return nil })
	defer q.StopProcessing()
	waitFor(t, time.Second, func() bool { return q.Size() == 0 })
}

func TestStartProcessing_Twice(t *testing.T) {
	q := New(Options{})
	handler := func(ctx context.Context, d *delivery.Delivery) error { return nil }
	q.StartProcessing(handler)
	q.StartProcessing(handler) // warns and no-ops
	q.StopProcessing()
	q.StopProcessing() // no-op
}
