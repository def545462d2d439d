package mail

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrFolderNotFound means a folder name did not resolve; it is a caller
	// error and not retried
	ErrFolderNotFound = errors.New("folder not found")
	ErrNotFound       = errors.New("not found")
	// ErrTransient covers network failures, timeouts and 5xx responses
	ErrTransient = errors.New("transient provider error")
	// ErrRateLimited is only returned when waiting out a throttle window
	// would outlive the caller's context
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// APIError is a non-2xx provider response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match status classes against the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrTransient:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
	}
	return false
}

// StatusCode returns the provider status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ParseRateHeaders reads RateLimit-* and Retry-After headers. ok is false
// when the response carried none of them.
func ParseRateHeaders(h http.Header, now time.Time) (RateInfo, bool) {
	info := RateInfo{Limit: -1, Remaining: -1}
	found := false

	if v, err := strconv.Atoi(h.Get("RateLimit-Limit")); err == nil {
		info.Limit = v
		found = true
	}
	if v, err := strconv.Atoi(h.Get("RateLimit-Remaining")); err == nil {
		info.Remaining = v
		found = true
	}
	if v, err := strconv.Atoi(h.Get("RateLimit-Reset")); err == nil {
		info.Reset = now.Add(time.Duration(v) * time.Second)
		found = true
	}
	if d, ok := ParseRetryAfter(h.Get("Retry-After"), now); ok {
		info.RetryAfter = d
		found = true
	}
	return info, found
}

// ParseRetryAfter accepts delta seconds or an HTTP date
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
