package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func TestDispatcherKeepsPerKeyOrder(t *testing.T) {
	d := NewDispatcher(Options{Workers: 4, QueueSize: 128})
	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)
	for i := range 50 {
		for _, key := range []string{"1", "1:5", "2"} {
			require.NoError(t, d.Enqueue(context.Background(), Job{
				Key:    key,
				Action: "send.text",
				Run: func() error {
					mu.Lock()
					got[key] = append(got[key], i)
					mu.Unlock()
					return nil
				},
			}))
		}
	}
	d.Close()

	for _, key := range []string{"1", "1:5", "2"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			require.Equal(t, i, v, "key %s", key)
		}
	}
	require.EqualValues(t, 150, d.SentCount())
	require.ErrorIs(t, d.Enqueue(context.Background(), Job{Run: func() error { return nil }}), ErrQueueClosed)
	d.Close()
}

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond})
	calls := 0
	require.NoError(t, d.Enqueue(context.Background(), Job{Run: func() error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return nil
	}}))
	d.Close()
	require.Equal(t, 3, calls)
	require.Zero(t, d.ErrorCount())
}

func TestDispatcherCountsPermanentFailures(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 3})
	calls := 0
	require.NoError(t, d.Enqueue(context.Background(), Job{Run: func() error {
		calls++
		return errors.New("bad request (400)")
	}}))
	d.Close()
	require.Equal(t, 1, calls)
	require.EqualValues(t, 1, d.ErrorCount())
}

func TestDispatcherDropsWhenLaneIsFull(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, QueueSize: 1})
	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, d.Enqueue(context.Background(), Job{Key: "1", Run: func() error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	noop := Job{Key: "1", Run: func() error { return nil }}
	require.NoError(t, d.Enqueue(context.Background(), noop))
	require.ErrorIs(t, d.Enqueue(context.Background(), noop), ErrQueueFull)
	close(release)
	d.Close()

	require.EqualValues(t, 2, d.SentCount())
	require.EqualValues(t, 1, d.DroppedCount())
}

func TestDispatcherRejectsNilRun(t *testing.T) {
	d := NewDispatcher(Options{})
	defer d.Close()
	require.Error(t, d.Enqueue(context.Background(), Job{}))
}

func TestClassifyError(t *testing.T) {
	require.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	require.Equal(t, "dial", classifyError(&net.OpError{Op: "dial", Err: errors.New("x")}))
	require.Equal(t, "flood", classifyError(tele.FloodError{RetryAfter: 3}))
	require.Equal(t, "http_4xx", classifyError(errors.New("telegram: chat not found (400)")))
	require.Equal(t, "http_5xx", classifyError(fmt.Errorf("wrapped: %w", &tele.Error{Code: 502})))
	require.Equal(t, "unknown", classifyError(errors.New("plain")))
}

func TestSanitizeErrorMessage(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123456:AA-bb_cc/sendMessage": EOF`)
	require.NotContains(t, sanitizeErrorMessage(err), "123456:AA")
	require.Contains(t, sanitizeErrorMessage(err), "bot<redacted>")
}
