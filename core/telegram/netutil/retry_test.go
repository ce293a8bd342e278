package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestShouldRetry(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	require.True(t, ShouldRetry(dial))
	require.True(t, ShouldRetry(&url.Error{Op: "Post", URL: "https://api.telegram.org", Err: timeoutErr{}}))
	require.True(t, ShouldRetry(fmt.Errorf("send: %w", dial)))

	require.False(t, ShouldRetry(nil))
	require.False(t, ShouldRetry(context.Canceled))
	require.False(t, ShouldRetry(errors.New("telegram: bad request (400)")))
}

func TestBackoff(t *testing.T) {
	d, ok := Backoff(tele.FloodError{RetryAfter: 3}, 1, time.Second)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, d)

	d, ok = Backoff(timeoutErr{}, 2, 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, 200*time.Millisecond, d)

	_, ok = Backoff(errors.New("forbidden"), 1, time.Second)
	require.False(t, ok)
}
