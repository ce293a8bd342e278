package middleware

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/telegram/state"
)

// fakeContext implements the parts of tele.Context the middleware touch.
type fakeContext struct {
	tele.Context
	update tele.Update
	store  map[string]any
}

func newFakeContext(upd tele.Update) *fakeContext {
	return &fakeContext{update: upd, store: make(map[string]any)}
}

func (f *fakeContext) Update() tele.Update { return f.update }

func (f *fakeContext) Sender() *tele.User {
	switch {
	case f.update.Message != nil:
		return f.update.Message.Sender
	case f.update.Callback != nil:
		return f.update.Callback.Sender
	}
	return nil
}

func (f *fakeContext) Chat() *tele.Chat {
	if f.update.Message != nil {
		return f.update.Message.Chat
	}
	if f.update.Callback != nil && f.update.Callback.Message != nil {
		return f.update.Callback.Message.Chat
	}
	return nil
}

func (f *fakeContext) Text() string {
	if f.update.Message != nil {
		return f.update.Message.Text
	}
	return ""
}

func (f *fakeContext) Get(key string) any { return f.store[key] }
func (f *fakeContext) Set(key string, v any) { f.store[key] = v }
func (f *fakeContext) Callback() *tele.Callback { return f.update.Callback }
func (f *fakeContext) Send(any, ...any) error { return nil }

func message(userID, chatID int64, thread int, text string) tele.Update {
	return tele.Update{ID: 1, Message: &tele.Message{
		Sender:   &tele.User{ID: userID},
		Chat:     &tele.Chat{ID: chatID},
		ThreadID: thread,
		Text:     text,
	}}
}

func TestRateLimitPerUser(t *testing.T) {
	limited := 0
	mw := RateLimitMiddleware(RateLimitOptions{
		Interval:  time.Hour,
		Burst:     2,
		OnLimited: func(tele.Context) error { limited++; return nil },
	})
	calls := 0
	h := mw(func(tele.Context) error { calls++; return nil })

	for range 3 {
		require.NoError(t, h(newFakeContext(message(1, 10, 0, "hi"))))
	}
	require.NoError(t, h(newFakeContext(message(2, 10, 0, "hi"))))
	require.Equal(t, 3, calls)
	require.Equal(t, 1, limited)
}

func TestRateLimitExclusions(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitOptions{
		Interval: time.Hour,
		Exclude:  map[string]struct{}{"callback": {}},
	})
	calls := 0
	h := mw(func(tele.Context) error { calls++; return nil })
	cb := tele.Update{Callback: &tele.Callback{Sender: &tele.User{ID: 1}}}
	for range 5 {
		require.NoError(t, h(newFakeContext(cb)))
	}
	require.Equal(t, 5, calls)
}

func TestUpdateKind(t *testing.T) {
	require.Equal(t, "message", UpdateKind(tele.Update{Message: &tele.Message{}}))
	require.Equal(t, "callback", UpdateKind(tele.Update{Callback: &tele.Callback{}}))
	require.Equal(t, "inline_query", UpdateKind(tele.Update{Query: &tele.Query{}}))
	require.Equal(t, "other", UpdateKind(tele.Update{}))
}

func TestAdminOnly(t *testing.T) {
	rejected := 0
	opts := AdminOptions{AdminID: 7, OnReject: func(tele.Context) error { rejected++; return nil }}
	calls := 0
	h := WithAdminCheck(opts, true, func(tele.Context) error { calls++; return nil })

	require.NoError(t, h(newFakeContext(message(7, 1, 0, "/stats"))))
	require.NoError(t, h(newFakeContext(message(8, 1, 0, "/stats"))))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, rejected)

	open := WithAdminCheck(opts, false, func(tele.Context) error { calls++; return nil })
	require.NoError(t, open(newFakeContext(message(8, 1, 0, "/pago"))))
	require.Equal(t, 2, calls)
}

func TestRecoverReturnsError(t *testing.T) {
	h := RecoverMiddleware(func(tele.Context) error { panic("boom") })
	err := h(newFakeContext(message(1, 1, 0, "x")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	want := errors.New("plain")
	h = RecoverMiddleware(func(tele.Context) error { return want })
	require.ErrorIs(t, h(newFakeContext(message(1, 1, 0, "x"))), want)
}

func TestStateGateUsesScope(t *testing.T) {
	store := state.NewStateMap[string](nil)
	store.Set(10, "awaiting_policy", state.Thread(3))

	calls := 0
	h := State(store, "awaiting_policy", nil)(func(tele.Context) error { calls++; return nil })

	require.NoError(t, h(newFakeContext(message(1, 10, 3, "POL-1"))))
	require.NoError(t, h(newFakeContext(message(1, 10, 4, "POL-1"))))
	require.NoError(t, h(newFakeContext(message(1, 10, 0, "POL-1"))))
	require.Equal(t, 1, calls)

	missed := 0
	h = State(store, "awaiting_policy", func(tele.Context) error { missed++; return nil })(func(tele.Context) error { calls++; return nil })
	require.NoError(t, h(newFakeContext(message(1, 10, 4, "POL-1"))))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, missed)
}

func TestMessageCounters(t *testing.T) {
	c := newFakeContext(message(1, 1, 0, "x"))
	h := MessageMetricsMiddleware(func(ctx tele.Context) error {
		require.NoError(t, ctx.Send("uno"))
		return ctx.Send("dos", &tele.ReplyMarkup{})
	})
	require.NoError(t, h(c))
	msgs, kb := GetCounters(c)
	require.Equal(t, 2, msgs)
	require.True(t, kb)
}
