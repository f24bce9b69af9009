package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func makeItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("item-%02d", i), Input: i}
	}
	return items
}

func TestRun_OrderAndCounts(t *testing.T) {
	items := makeItems(10)
	failing := map[string]bool{"item-03": true, "item-07": true}

	results, summary := Run(context.Background(), items, func(_ context.Context, item Item) (any, error) {
		if failing[item.ID] {
			return nil, errors.New("boom")
		}
		return item.Input, nil
	}, Options{MaxConcurrency: 3})

	if summary.Total != 10 || summary.Succeeded != 8 || summary.Failed != 2 {
		t.Errorf("summary = %+v, want total=10 successful=8 failed=2", summary)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i, r := range results {
		if r.ID != items[i].ID {
			t.Errorf("result %d = %s, want %s (input order)", i, r.ID, items[i].ID)
		}
		if failing[r.ID] == r.Success {
			t.Errorf("result %s success = %v", r.ID, r.Success)
		}
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := makeItems(12)

	Run(context.Background(), items, func(_ context.Context, _ Item) (any, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}, Options{MaxConcurrency: 3})

	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestRun_StopOnError(t *testing.T) {
	items := makeItems(9)
	results, summary := Run(context.Background(), items, func(_ context.Context, item Item) (any, error) {
		if item.ID == "item-01" {
			return nil, errors.New("boom")
		}
		return nil, nil
	}, Options{MaxConcurrency: 3, StopOnError: true})

	// First window (3 items) drains; later windows never dispatch.
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
	if summary.Total != 9 {
		t.Errorf("summary total = %d, want 9", summary.Total)
	}
	if summary.Failed != 1 {
		t.Errorf("summary failed = %d, want 1", summary.Failed)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	items := makeItems(9)

	var calls atomic.Int32
	results, _ := Run(ctx, items, func(_ context.Context, _ Item) (any, error) {
		calls.Add(1)
		cancel()
		return nil, nil
	}, Options{MaxConcurrency: 3})

	if int(calls.Load()) > 3 {
		t.Errorf("dispatched %d items after cancellation, want <= 3", calls.Load())
	}
	if len(results) > 3 {
		t.Errorf("got %d results, want <= 3", len(results))
	}
}

func TestRun_Progress(t *testing.T) {
	items := makeItems(7)
	var reports []Progress

	Run(context.Background(), items, func(_ context.Context, _ Item) (any, error) {
		return nil, nil
	}, Options{MaxConcurrency: 3, OnProgress: func(p Progress) { reports = append(reports, p) }})

	if len(reports) != 3 {
		t.Fatalf("got %d progress reports, want 3", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Completed != 7 || last.Failed != 0 || last.Total != 7 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestRun_DefaultConcurrency(t *testing.T) {
	results, summary := Run(context.Background(), makeItems(2), func(_ context.Context, item Item) (any, error) {
		return item.Input, nil
	}, Options{})

	if summary.Succeeded != 2 || len(results) != 2 {
		t.Errorf("summary = %+v, results = %d", summary, len(results))
	}
	if summary.MeanItemTime < 0 {
		t.Errorf("mean item time = %v", summary.MeanItemTime)
	}
}
