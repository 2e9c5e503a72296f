package model

import (
	"errors"
	"sort"
)

// Common skip reasons shared across stages.
const (
	ReasonBlacklist         = "Blacklist"
	ReasonVolume            = "Volume"
	ReasonNoSupportedSource = "No supported exchange"
	ReasonBatchTimeout      = "Batch Timeout"
	ReasonUnexpected        = "Unexpected Error"
	ReasonCancelled         = "Cancelled"
)

// SkipLedger maps a skip reason to the set of asset ids skipped for it. It
// only ever grows. Not safe for concurrent use.
type SkipLedger struct {
	reasons map[string]map[string]struct{}
}

// NewSkipLedger returns an empty ledger.
func NewSkipLedger() *SkipLedger {
	return &SkipLedger{reasons: make(map[string]map[string]struct{})}
}

// Add records ids under reason.
func (l *SkipLedger) Add(reason string, ids ...string) {
	if l.reasons == nil {
		l.reasons = make(map[string]map[string]struct{})
	}
	set, ok := l.reasons[reason]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		l.reasons[reason] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// Merge adds every entry of other into l.
func (l *SkipLedger) Merge(other *SkipLedger) {
	if other == nil {
		return
	}
	for reason, set := range other.reasons {
		for id := range set {
			l.Add(reason, id)
		}
	}
}

// Has reports whether id was skipped for reason.
func (l *SkipLedger) Has(reason, id string) bool {
	if l == nil {
		return false
	}
	_, ok := l.reasons[reason][id]
	return ok
}

// Contains reports whether id was skipped for any reason.
func (l *SkipLedger) Contains(id string) bool {
	if l == nil {
		return false
	}
	for _, set := range l.reasons {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of ids skipped for reason.
func (l *SkipLedger) Len(reason string) int {
	if l == nil {
		return 0
	}
	return len(l.reasons[reason])
}

// Count returns the number of entries across all reasons.
func (l *SkipLedger) Count() int {
	if l == nil {
		return 0
	}
	var n int
	for _, set := range l.reasons {
		n += len(set)
	}
	return n
}

// Counts returns the number of ids per reason.
func (l *SkipLedger) Counts() map[string]int {
	out := make(map[string]int)
	if l == nil {
		return out
	}
	for reason, set := range l.reasons {
		out[reason] = len(set)
	}
	return out
}

// IDs returns the sorted ids recorded under reason.
func (l *SkipLedger) IDs(reason string) []string {
	if l == nil {
		return nil
	}
	set := l.reasons[reason]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reasons returns reasons ordered by descending count, then name.
func (l *SkipLedger) Reasons() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.reasons))
	for reason := range l.reasons {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := len(l.reasons[out[i]]), len(l.reasons[out[j]])
		if ni != nj {
			return ni > nj
		}
		return out[i] < out[j]
	})
	return out
}

// SkipError carries the ledger reason for a per-item failure.
type SkipError struct {
	Reason string
	Err    error
}

func (e *SkipError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// Skip wraps err with a ledger reason.
func Skip(reason string, err error) error {
	return &SkipError{Reason: reason, Err: err}
}

// SkipReason extracts the ledger reason from err, or returns fallback when
// err carries none.
func SkipReason(err error, fallback string) string {
	var se *SkipError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return fallback
}
