// Package batch runs independent units of work with a bounded concurrency
// window, collecting per-item outcomes and an aggregate summary. Results
// always come back in input order regardless of completion order.
package batch

import (
	"context"
	"time"
)

// Item is one unit of work.
type Item struct {
	ID    string
	Input any
}

// Result is the outcome of one item.
type Result struct {
	ID       string        `json:"id"`
	Success  bool          `json:"success"`
	Value    any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"processing_time_ms"`
}

// Progress is reported after each window completes.
type Progress struct {
	Total     int
	Completed int
	Failed    int
	InFlight  int
}

// Summary aggregates a full run.
type Summary struct {
	Total        int           `json:"total"`
	Succeeded    int           `json:"successful"`
	Failed       int           `json:"failed"`
	TotalTime    time.Duration `json:"total_time"`
	MeanItemTime time.Duration `json:"mean_item_time"`
}

// Func processes one item. It must honor ctx cancellation.
type Func func(ctx context.Context, item Item) (any, error)

// Options configure a run.
type Options struct {
	// MaxConcurrency bounds the window width. Defaults to 5.
	MaxConcurrency int
	// StopOnError halts dispatch of further windows once any item fails.
	// In-flight items in the current window still complete.
	StopOnError bool
	// OnProgress, if set, is called after each window completes.
	OnProgress func(Progress)
}

const defaultConcurrency = 5

// Run executes items window by window. Each window of up to MaxConcurrency
// items runs concurrently; the engine waits for the window to drain before
// dispatching the next, so a cancelled context or a StopOnError failure
// stops new work promptly. Items never dispatched (after cancellation or a
// stop) are omitted from the returned results; Summary.Total still counts
// every input item.
func Run(ctx context.Context, items []Item, fn Func, opts Options) ([]Result, Summary) {
	width := opts.MaxConcurrency
	if width <= 0 {
		width = defaultConcurrency
	}

	start := time.Now()
	results := make([]Result, 0, len(items))
	var itemTime time.Duration
	failed := 0

	for offset := 0; offset < len(items); offset += width {
		if ctx.Err() != nil {
			break
		}
		if opts.StopOnError && failed > 0 {
			break
		}

		end := offset + width
		if end > len(items) {
			end = len(items)
		}
		window := items[offset:end]

		// Indexed slots keep window results in input order even though
		// completion order is arbitrary.
		slots := make([]Result, len(window))
		done := make(chan struct{})
		for i, item := range window {
			go func(i int, item Item) {
				defer func() { done <- struct{}{} }()
				itemStart := time.Now()
				value, err := fn(ctx, item)
				r := Result{ID: item.ID, Duration: time.Since(itemStart)}
				if err != nil {
					r.Error = err.Error()
				} else {
					r.Success = true
					r.Value = value
				}
				slots[i] = r
			}(i, item)
		}
		for range window {
			<-done
		}

		for _, r := range slots {
			if !r.Success {
				failed++
			}
			itemTime += r.Duration
			results = append(results, r)
		}

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Total:     len(items),
				Completed: len(results) - failed,
				Failed:    failed,
				InFlight:  0,
			})
		}
	}

	summary := Summary{
		Total:     len(items),
		Succeeded: len(results) - failed,
		Failed:    failed,
		TotalTime: time.Since(start),
	}
	if len(results) > 0 {
		summary.MeanItemTime = itemTime / time.Duration(len(results))
	}
	return results, summary
}
