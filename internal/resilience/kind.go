package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a remote failure for retry decisions.
type Kind int

const (
	// KindOther is anything unrecognised. Retried once.
	KindOther Kind = iota
	// KindUnavailable means the source is down or in maintenance. Never
	// retried; the source is excluded for the rest of the run.
	KindUnavailable
	// KindRateLimited means the source rejected us for exceeding its limit.
	KindRateLimited
	// KindNetwork covers timeouts and connection-level failures.
	KindNetwork
	// KindNotFound means the asset or market does not exist on the source.
	KindNotFound
	// KindDataInsufficient means the source answered but without enough data.
	KindDataInsufficient
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindDataInsufficient:
		return "data_insufficient"
	default:
		return "other"
	}
}

// Outcome is the retry verdict for one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Outcome returns the retry verdict for a failure of this kind.
func (k Kind) Outcome() Outcome {
	switch k {
	case KindRateLimited, KindNetwork, KindOther:
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}

// OutcomeOf returns the verdict for err, OutcomeSuccess when nil.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return Classify(err).Outcome()
}

// KindError tags an error with its Kind and optional HTTP status.
type KindError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError wraps err with a kind.
func NewKindError(kind Kind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// NewHTTPError wraps err with the kind derived from an HTTP status code.
func NewHTTPError(err error, statusCode int) *KindError {
	return &KindError{Kind: KindFromHTTPStatus(statusCode), StatusCode: statusCode, Err: err}
}

// Classify returns the kind of err. Explicit tags win; otherwise network
// timeouts, connection resets and a handful of client error strings are
// treated as network failures and everything else as KindOther.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var re *RetryError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return KindNetwork
		}
	}
	return KindOther
}

var networkPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// KindFromHTTPStatus maps an HTTP status code to a failure kind.
func KindFromHTTPStatus(statusCode int) Kind {
	switch statusCode {
	case 418, 429:
		return KindRateLimited
	case 502, 503, 504:
		return KindUnavailable
	case 404:
		return KindNotFound
	case 408, 500:
		return KindNetwork
	default:
		return KindOther
	}
}
