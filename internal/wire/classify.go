package wire

import (
	"errors"
	"sync"
	"time"
)

// Class is the stable label attached to a caught error for logs and for
// any downstream deduplication (spec.md §7 "Classifier hook").
type Class string

const (
	ClassValidation     Class = "validation"
	ClassRateLimit      Class = "rate_limit"
	ClassCancelled      Class = "cancelled"
	ClassEngineNotReady Class = "engine_not_ready"
	ClassEngineShutdown Class = "engine_shutdown"
	ClassTimeout        Class = "timeout"
	ClassConnection     Class = "connection"
	ClassUnknown        Class = "unknown"
)

// Classified is implemented by sentinel errors that already know their
// class, so Classify does not need a giant type switch for every caller.
type Classified interface {
	error
	Class() Class
}

// Classify maps any error to a stable label. Errors that implement
// Classified report their own class; everything else is ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return ClassUnknown
}

type classifiedError struct {
	msg   string
	class Class
	cause error
}

func (e *classifiedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *classifiedError) Class() Class { return e.class }

func (e *classifiedError) Unwrap() error { return e.cause }

// NewClassified builds an error carrying an explicit class label.
func NewClassified(class Class, msg string) error {
	return &classifiedError{msg: msg, class: class}
}

// WrapClassified attaches a class label to an existing error.
func WrapClassified(class Class, msg string, cause error) error {
	return &classifiedError{msg: msg, class: class, cause: cause}
}

// reportWindow bounds error reporting to at most one report per Class
// within the window, mirroring the original implementation's per-type
// Sentry rate-limit (_examples/original_source/src/telemetry/sentry.py
// capture_error's _error_timestamps gate and
// src/config/telemetry.py's SENTRY_RATE_LIMIT_S = 10.0).
const reportWindow = 10 * time.Second

// Reporter deduplicates repeated error reports per Class so a hot failure
// loop logs (or, with a real error-tracking SDK wired in, reports) at
// most once per reportWindow instead of once per occurrence. The actual
// Sentry SDK is out of scope here (spec.md Non-goals exclude third-party
// error-tracking integrations); Reporter occupies the same position in
// the pipeline that capture_error does, gating structured logging
// instead of an SDK call.
type Reporter struct {
	mu   sync.Mutex
	last map[Class]time.Time
}

// NewReporter returns a Reporter with no prior reports recorded.
func NewReporter() *Reporter {
	return &Reporter{last: make(map[Class]time.Time)}
}

// ShouldReport reports whether class is due for reporting: either it has
// never been reported, or its last report was at least reportWindow ago.
// A true result marks class as reported as of now.
func (r *Reporter) ShouldReport(class Class, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[class]; ok && now.Sub(last) < reportWindow {
		return false
	}
	r.last[class] = now
	return true
}
