// Package fallback races the same request across several sources and keeps
// the first success.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screener-cli/internal/resilience"
)

// ErrNoSources is returned when Race is given no sources.
var ErrNoSources = eris.New("fallback: no sources")

// Result is the winning attempt.
type Result[T any] struct {
	Value  T
	Source string
	// Index is the winner's position in the source list.
	Index int
}

// Failure is one source's failed attempt.
type Failure struct {
	Source string
	Kind   resilience.Kind
	Err    error
}

// AllFailedError is returned when every source failed. Failures are in
// source order, one per source.
type AllFailedError struct {
	Failures []Failure
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%s): %v", f.Source, f.Kind, f.Err)
	}
	return fmt.Sprintf("fallback: all %d sources failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the most specific failure so kind classification sees it.
func (e *AllFailedError) Unwrap() error {
	return e.MostSpecific().Err
}

// specificity ranks kinds by how much they say about the asset itself.
var specificity = map[resilience.Kind]int{
	resilience.KindDataInsufficient: 5,
	resilience.KindNotFound:         4,
	resilience.KindNetwork:          3,
	resilience.KindRateLimited:      2,
	resilience.KindUnavailable:      1,
	resilience.KindOther:            0,
}

// MostSpecific returns the failure with the most informative kind. Ties go to
// the later source.
func (e *AllFailedError) MostSpecific() Failure {
	var best Failure
	bestRank := -1
	for _, f := range e.Failures {
		if r := specificity[f.Kind]; r >= bestRank {
			best, bestRank = f, r
		}
	}
	return best
}

type outcome[T any] struct {
	idx int
	val T
	err error
}

// Race runs attempt for every source concurrently. The first success cancels
// the others; Race returns only after every attempt has exited, so losers
// never outlive the call. When all attempts fail the error is an
// *AllFailedError. A panicking attempt counts as a failure of its source.
func Race[T any](ctx context.Context, sources []string, attempt func(ctx context.Context, source string) (T, error)) (Result[T], error) {
	if len(sources) == 0 {
		return Result[T]{}, ErrNoSources
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					var zero T
					results <- outcome[T]{idx: i, val: zero, err: resilience.NewKindError(
						resilience.KindOther, eris.Errorf("fallback: panic in %s attempt: %v", src, r))}
				}
			}()
			val, err := attempt(raceCtx, src)
			results <- outcome[T]{idx: i, val: val, err: err}
		}()
	}

	errs := make([]error, len(sources))
	for received := 0; received < len(sources); received++ {
		select {
		case o := <-results:
			if o.err == nil {
				cancel()
				wg.Wait()
				return Result[T]{Value: o.val, Source: sources[o.idx], Index: o.idx}, nil
			}
			errs[o.idx] = o.err
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return Result[T]{}, ctx.Err()
		}
	}

	failures := make([]Failure, len(sources))
	for i, err := range errs {
		failures[i] = Failure{Source: sources[i], Kind: resilience.Classify(err), Err: err}
	}
	return Result[T]{}, &AllFailedError{Failures: failures}
}
