// Package netutil decides how sends to the Telegram API are retried.
package netutil

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	tele "gopkg.in/telebot.v4"
)

// ShouldRetry reports whether a network error is transient: a timeout, a
// refused dial or a timeout wrapped in a url.Error.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Timeout() || opErr.Op == "dial") {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && !errors.Is(urlErr.Err, err) {
		return urlErr.Timeout() || ShouldRetry(urlErr.Err)
	}
	return false
}

// RetryAfter returns the wait Telegram asked for in a flood error.
func RetryAfter(err error) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) && flood.RetryAfter > 0 {
		return time.Duration(flood.RetryAfter) * time.Second, true
	}
	return 0, false
}

// Backoff returns how long to wait before attempt+1, growing linearly from
// base. Flood errors use the server's wait. The bool is false when err is
// not worth retrying.
func Backoff(err error, attempt int, base time.Duration) (time.Duration, bool) {
	if d, ok := RetryAfter(err); ok {
		return d, true
	}
	if !ShouldRetry(err) {
		return 0, false
	}
	return base * time.Duration(max(attempt, 1)), true
}
