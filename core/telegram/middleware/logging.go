package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/state"
)

// recentUpdates remembers update IDs for a short while so an update routed
// through several wrapped branches is logged once.
var recentUpdates = cache.New(10*time.Second, 30*time.Second)

func alreadyLogged(updateID int) bool {
	return recentUpdates.Add(strconv.Itoa(updateID), struct{}{}, cache.DefaultExpiration) != nil
}

// LoggerMiddleware stores the rid and the logging context of the update,
// then writes one sampled "update.received" line per update id.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		var chatID, userID int64
		if ch := c.Chat(); ch != nil {
			chatID = ch.ID
		}
		if u := c.Sender(); u != nil {
			userID = u.ID
		}
		c.Set("rid", logger.BuildRID(upd.ID, chatID, userID))
		c.Set("update_start", time.Now())
		ctx := tghelpers.BuildContext(c)

		if logger.ShouldSampleDebug() && !alreadyLogged(upd.ID) {
			logger.Debug(ctx, "tg", "update.received", describeUpdate(c)...)
		}
		return next(c)
	}
}

// describeUpdate lists who sent the update, where, and a trimmed payload.
func describeUpdate(c tele.Context) []slog.Attr {
	attrs := []slog.Attr{slog.String("status", "ok")}
	if ch := c.Chat(); ch != nil {
		attrs = append(attrs, slog.String("chat_type", string(ch.Type)))
	}
	if thread := state.ScopeFrom(c).ThreadID; thread != nil {
		attrs = append(attrs, slog.Int("thread_id", *thread))
	}
	if u := c.Sender(); u != nil {
		if u.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(u.Username, 64)))
		}
		if u.LanguageCode != "" {
			attrs = append(attrs, slog.String("lang", u.LanguageCode))
		}
	}
	if cb := c.Update().Callback; cb != nil {
		key, payload := callbacks.Parse(cb)
		return append(attrs,
			slog.String("cb_key", logger.SanitizeLimit(key, 128)),
			slog.String("payload", logger.SanitizeLimit(payload, 256)),
		)
	}
	if t := c.Text(); t != "" {
		attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
	}
	return attrs
}
