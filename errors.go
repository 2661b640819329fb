package chatcore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInputInvalid is returned when the Turn Executor's Start state rejects an
// incoming request before any model or tool call is attempted.
var ErrInputInvalid = errors.New("input invalid")

// ErrAborted is returned by any long-running producer (model streaming, tool
// execution, summarization) that observes AbortRegistry.IsAborted mid-flight.
var ErrAborted = errors.New("aborted")

// ErrContextOverflow is returned by the Context Builder when the assembled
// prompt window still exceeds budget after one summarize-and-retry pass.
var ErrContextOverflow = errors.New("context overflow")

// ErrProviderRejection wraps a non-2xx response from a Model Adapter that is
// not a retryable transient failure (e.g. invalid request, auth failure).
type ErrProviderRejection struct {
	Provider string
	Message  string
}

func (e *ErrProviderRejection) Error() string {
	return fmt.Sprintf("%s rejected request: %s", e.Provider, e.Message)
}

// ErrHTTP is a normalized non-2xx response from a Model Adapter's transport.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter converts a Retry-After header given in delay-seconds to a
// duration. It returns 0 for an empty, non-numeric or non-positive value;
// HTTP-date values are not parsed.
func ParseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
