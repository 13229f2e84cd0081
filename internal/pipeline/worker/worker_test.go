package worker_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/flathunt/pipeline/internal/pipeline/worker"
)

func TestProcessAllPreservesOrder(t *testing.T) {
	t.Parallel()

	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	out := worker.ProcessAll(context.Background(), items, func(_ context.Context, n int) (string, error) {
		return strconv.Itoa(n * 2), nil
	}, 8)

	if len(out) != 50 {
		t.Fatalf("expected 50 results, got %d", len(out))
	}
	for i, res := range out {
		if res.Err != nil || res.Output != strconv.Itoa(i*2) {
			t.Fatalf("unexpected result at %d: %#v", i, res)
		}
	}
}

func TestProcessAllPartialFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	out := worker.ProcessAll(context.Background(), []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n, nil
	}, 2)

	if out[0].Err != nil || out[2].Err != nil {
		t.Fatalf("healthy items must succeed: %#v", out)
	}
	if !errors.Is(out[1].Err, boom) {
		t.Fatalf("expected item error preserved, got %#v", out[1])
	}
}

func TestProcessAllCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	out := worker.ProcessAll(ctx, []int{1, 2, 3, 4}, func(context.Context, int) (int, error) {
		calls.Add(1)
		return 0, nil
	}, 2)

	if calls.Load() != 0 {
		t.Fatalf("cancelled context must not invoke fn, got %d calls", calls.Load())
	}
	for i, res := range out {
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("item %d should carry the context error: %#v", i, res)
		}
	}
}

func TestProcessAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	items := make([]int, 40)

	worker.ProcessAll(context.Background(), items, func(context.Context, int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return 0, nil
	}, 4)

	if peak.Load() > 4 {
		t.Fatalf("expected at most 4 concurrent workers, saw %d", peak.Load())
	}
}
