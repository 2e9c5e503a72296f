// Package batch runs a per-item operation over a list in fixed-size groups,
// each group concurrent and bounded by one deadline.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/screener-cli/internal/model"
	"github.com/sells-group/screener-cli/internal/resilience"
)

// Options controls a batch run.
type Options struct {
	// Size is the number of items per group. Default: 50.
	Size int
	// Timeout bounds each group. Zero means no group deadline.
	Timeout time.Duration
	// Label names the run in progress logs.
	Label string
	// OnProgress receives an observation after every group. Defaults to a
	// zap log line.
	OnProgress func(Progress)
}

// Progress is emitted after each group.
type Progress struct {
	Label     string
	Batch     int
	Batches   int
	Processed int
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	ETA       time.Duration
}

// Report is the outcome of a batch run. Results are in input order.
type Report[R any] struct {
	Results   []R
	Skipped   *model.SkipLedger
	Succeeded int
	Failed    int
	// Retryable counts failed items whose error was transient, so a later
	// run may still succeed for them.
	Retryable int
	Batches   int
	TimedOut  int
	Elapsed   time.Duration
}

// Run applies op to every item. A group that misses its deadline is
// cancelled and every one of its items is ledgered as "Batch Timeout", even
// those that finished. Failed items are ledgered under the reason carried by
// their error. Run always waits for a group's operations to return before
// starting the next group.
func Run[I, R any](ctx context.Context, items []I, opts Options, key func(I) string, op func(ctx context.Context, item I) (R, error)) Report[R] {
	if opts.Size <= 0 {
		opts.Size = 50
	}
	if opts.OnProgress == nil {
		opts.OnProgress = LogProgress
	}

	start := time.Now()
	rep := Report[R]{
		Results: make([]R, 0, len(items)),
		Skipped: model.NewSkipLedger(),
	}
	batches := (len(items) + opts.Size - 1) / opts.Size

	for lo := 0; lo < len(items); lo += opts.Size {
		hi := min(lo+opts.Size, len(items))
		group := items[lo:hi]

		if ctx.Err() != nil {
			for _, it := range items[lo:] {
				rep.Skipped.Add(model.ReasonCancelled, key(it))
			}
			rep.Failed += len(items) - lo
			break
		}

		rep.Batches++
		vals, errs, timedOut := runGroup(ctx, group, opts.Timeout, op)
		if timedOut {
			zap.L().Warn("batch: group timed out",
				zap.String("label", opts.Label),
				zap.Int("batch", rep.Batches),
				zap.Int("items", len(group)),
				zap.Duration("timeout", opts.Timeout),
			)
			for _, it := range group {
				rep.Skipped.Add(model.ReasonBatchTimeout, key(it))
			}
			rep.Failed += len(group)
			rep.TimedOut += len(group)
		} else {
			for i, it := range group {
				if errs[i] != nil {
					rep.Skipped.Add(reasonFor(errs[i]), key(it))
					rep.Failed++
					if resilience.OutcomeOf(errs[i]) == resilience.OutcomeRetryable {
						rep.Retryable++
					}
					continue
				}
				rep.Results = append(rep.Results, vals[i])
				rep.Succeeded++
			}
		}

		elapsed := time.Since(start)
		p := Progress{
			Label:     opts.Label,
			Batch:     rep.Batches,
			Batches:   batches,
			Processed: hi,
			Total:     len(items),
			Succeeded: rep.Succeeded,
			Failed:    rep.Failed,
			Elapsed:   elapsed,
		}
		if hi > 0 && hi < len(items) {
			p.ETA = time.Duration(float64(elapsed) / float64(hi) * float64(len(items)-hi))
		}
		opts.OnProgress(p)
	}

	rep.Elapsed = time.Since(start)
	return rep
}

func runGroup[I, R any](ctx context.Context, group []I, timeout time.Duration, op func(ctx context.Context, item I) (R, error)) ([]R, []error, bool) {
	var (
		gctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		gctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		gctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	vals := make([]R, len(group))
	errs := make([]error, len(group))

	var g errgroup.Group
	for i, it := range group {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = model.Skip(model.ReasonUnexpected, eris.Errorf("batch: panic: %v", r))
				}
			}()
			vals[i], errs[i] = op(gctx, it)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return vals, errs, false
	case <-gctx.Done():
		select {
		case <-done:
			return vals, errs, false
		default:
		}
		timedOut := ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded)
		cancel()
		<-done
		return vals, errs, timedOut
	}
}

func reasonFor(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.SkipReason(err, model.ReasonCancelled)
	}
	return model.SkipReason(err, model.ReasonUnexpected)
}

// LogProgress writes a progress observation as a log line.
func LogProgress(p Progress) {
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Processed) / float64(p.Total) * 100
	}
	zap.L().Info("batch: progress",
		zap.String("label", p.Label),
		zap.Int("batch", p.Batch),
		zap.Int("batches", p.Batches),
		zap.Int("processed", p.Processed),
		zap.Int("total", p.Total),
		zap.Float64("pct", pct),
		zap.Int("succeeded", p.Succeeded),
		zap.Int("failed", p.Failed),
		zap.Duration("elapsed", p.Elapsed),
		zap.Duration("eta", p.ETA),
	)
}
