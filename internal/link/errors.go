package link

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCongestion reports that a send waited the full MaxWait on a
	// congestion threshold. The link stays usable.
	ErrCongestion = errors.New("link: congestion")
	// ErrDetached is the terminal error handed to callers blocked on a link
	// that has been detached or whose session ended.
	ErrDetached       = errors.New("link: detached")
	ErrCreditTimeout  = errors.New("link: credit wait timed out")
	ErrCreditExceeded = errors.New("link: transfer exceeds granted credit")
	ErrInvalidConfig  = errors.New("link: invalid config")
)

// Threshold names a congestion gate.
type Threshold string

const (
	ThresholdUnsent    Threshold = "unsent"
	ThresholdUnsettled Threshold = "unsettled"
)

type CongestionError struct {
	Threshold Threshold
	Limit     int
	Waited    time.Duration
}

func (e *CongestionError) Error() string {
	return fmt.Sprintf("link: congestion on %s threshold (limit=%d waited=%s)", e.Threshold, e.Limit, e.Waited)
}

func (e *CongestionError) Unwrap() error { return ErrCongestion }

// detachedError wraps a cause so callers can match both ErrDetached and the cause.
type detachedError struct {
	cause error
}

func (e *detachedError) Error() string {
	if e.cause == nil {
		return ErrDetached.Error()
	}
	return fmt.Sprintf("%s: %v", ErrDetached, e.cause)
}

func (e *detachedError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrDetached}
	}
	return []error{ErrDetached, e.cause}
}

// Detached returns an error matching ErrDetached and, when non-nil, cause.
func Detached(cause error) error {
	if cause != nil && errors.Is(cause, ErrDetached) {
		return cause
	}
	return &detachedError{cause: cause}
}
