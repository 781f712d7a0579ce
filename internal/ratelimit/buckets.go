package ratelimit

import (
	"time"

	"github.com/ashureev/infergate/internal/wire"
)

// Bucket identifies which sliding window a frame type is checked against.
type Bucket string

const (
	BucketMessage Bucket = "message"
	BucketCancel  Bucket = "cancel"
)

// ErrorCode returns the wire error code for a rejected bucket
// (spec.md §4.5 "label ∈ {message, cancel}").
func (b Bucket) ErrorCode() string {
	switch b {
	case BucketCancel:
		return wire.ErrCancelRateLimited
	default:
		return wire.ErrMessageRateLimited
	}
}

// SessionLimiter owns the two per-session buckets described in spec.md
// §4.5: a message bucket (applied to `start`) and a separate cancel bucket,
// so a cancel burst cannot starve starts or vice versa. `ping`/`pong`/`end`
// are exempt and never reach either bucket.
type SessionLimiter struct {
	message *Window
	cancel  *Window
}

// NewSessionLimiter builds per-session buckets from config.
func NewSessionLimiter(messageLimit int, messageWindow time.Duration, cancelLimit int, cancelWindow time.Duration) *SessionLimiter {
	return &SessionLimiter{
		message: New(messageLimit, messageWindow),
		cancel:  New(cancelLimit, cancelWindow),
	}
}

// RateLimitError reports that a bucket rejected a frame, per spec.md §4.5.
type RateLimitError struct {
	Bucket  Bucket
	RetryIn time.Duration
}

func (e *RateLimitError) Error() string {
	return string(e.Bucket) + " rate limit exceeded"
}

// Class implements wire.Classified.
func (e *RateLimitError) Class() wire.Class { return wire.ClassRateLimit }

// Allow checks and consumes one token from the bucket for the given
// message type. Bucket selection mirrors the dispatch table in spec.md
// §4.1: only `start` consumes the message bucket and only `cancel`
// consumes the cancel bucket; every other type is exempt and always
// allowed (open question #2 in spec.md §9 — exactly one bucket applies
// per type, so there is no tie-break to make).
func (l *SessionLimiter) Allow(frameType string, now time.Time) error {
	var (
		bucket Bucket
		win    *Window
	)
	switch frameType {
	case "start":
		bucket, win = BucketMessage, l.message
	case "cancel":
		bucket, win = BucketCancel, l.cancel
	default:
		return nil
	}

	ok, retryIn := win.Consume(now)
	if ok {
		return nil
	}
	return &RateLimitError{Bucket: bucket, RetryIn: retryIn}
}
