package middleware

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/metrics"
)

const repliesKey = "replies"

// replyStats counts what a handler sent back for one update.
type replyStats struct {
	messages int
	keyboard bool
}

func (s *replyStats) note(opts []any) {
	s.messages++
	for _, o := range opts {
		switch v := o.(type) {
		case *tele.SendOptions:
			s.keyboard = s.keyboard || (v != nil && v.ReplyMarkup != nil)
		case *tele.ReplyMarkup:
			s.keyboard = s.keyboard || v != nil
		}
	}
}

// countingContext records successful sends and edits in its replyStats.
type countingContext struct {
	tele.Context
	stats *replyStats
}

func (c countingContext) count(err error, opts []any) error {
	if err == nil {
		c.stats.note(opts)
	}
	return err
}

func (c countingContext) Send(what any, opts ...any) error {
	return c.count(c.Context.Send(what, opts...), opts)
}

func (c countingContext) Reply(what any, opts ...any) error {
	return c.count(c.Context.Reply(what, opts...), opts)
}

func (c countingContext) Edit(what any, opts ...any) error {
	return c.count(c.Context.Edit(what, opts...), opts)
}

func (c countingContext) EditOrSend(what any, opts ...any) error {
	return c.count(c.Context.EditOrSend(what, opts...), opts)
}

func (c countingContext) EditOrReply(what any, opts ...any) error {
	return c.count(c.Context.EditOrReply(what, opts...), opts)
}

// MessageMetricsMiddleware counts the update by kind and wraps the context
// so the handler summary can report how many messages were sent.
func MessageMetricsMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		metrics.Default().IncUpdate(UpdateKind(c.Update()))
		stats := &replyStats{}
		c.Set(repliesKey, stats)
		return next(countingContext{Context: c, stats: stats})
	}
}

// GetCounters returns the number of messages sent for the update and
// whether any of them carried a keyboard.
func GetCounters(c tele.Context) (int, bool) {
	if s, ok := c.Get(repliesKey).(*replyStats); ok {
		return s.messages, s.keyboard
	}
	return 0, false
}
