package state

import tele "gopkg.in/telebot.v4"

const scopeKey = "state_scope"

// WithScope resolves the conversation scope once per update and stores it in
// the handler context so downstream handlers agree on the same key.
func WithScope() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			var chatID int64
			if chat := c.Chat(); chat != nil {
				chatID = chat.ID
			}
			c.Set(scopeKey, Scope{ChatID: chatID, ThreadID: ThreadIDFrom(c)})
			return next(c)
		}
	}
}
