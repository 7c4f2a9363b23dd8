// Package apierr classifies failures of third-party provider calls
// (search, scraping, completion, embedding) into retry categories.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTransient covers timeouts, resets and 5xx responses. Retried with backoff.
	ErrTransient = errors.New("transient provider error")
	// ErrMalformed means the provider answered with a payload we could not use.
	ErrMalformed = errors.New("malformed provider response")
	// ErrAuth covers bad credentials and bad endpoints. Never retried.
	ErrAuth = errors.New("provider authentication or configuration error")
	// ErrRateLimited means the provider is throttling us. Retried with a longer backoff.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// StatusError is a non-2xx HTTP answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, body)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusBadRequest,
		e.StatusCode == http.StatusUnauthorized,
		e.StatusCode == http.StatusForbidden,
		e.StatusCode == http.StatusNotFound,
		e.StatusCode == http.StatusUnprocessableEntity:
		return ErrAuth
	default:
		return ErrTransient
	}
}

var (
	authMarkers = []string{
		"401", "403", "unauthorized", "unauthenticated", "permission_denied",
		"permission denied", "invalid api key", "incorrect api key", "api key not valid",
		"api key is missing", "api key is required",
	}
	rateMarkers = []string{"429", "rate limit", "resource_exhausted", "quota", "too many requests"}
)

// Classify returns the taxonomy sentinel that best describes err, or nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrAuth, ErrRateLimited, ErrMalformed, ErrTransient} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return ErrAuth
		}
	}
	for _, m := range rateMarkers {
		if strings.Contains(msg, m) {
			return ErrRateLimited
		}
	}
	return ErrTransient
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	return err != nil && Classify(err) != ErrAuth
}

// Backoff returns the delay before the next attempt. The delay grows linearly
// with the attempt index and doubles when the provider is throttling.
func Backoff(attempt int, base time.Duration, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * base
	if Classify(err) == ErrRateLimited {
		d *= 2
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
