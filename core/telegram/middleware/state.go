package middleware

import (
	"log/slog"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	tghelpers "github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/state"
)

// ScopeStateGetter is the minimal interface required from a per-scope state store.
type ScopeStateGetter interface {
	Get(chatID int64, threadID *int) (string, bool)
}

// State returns a middleware that runs next only when the conversation
// scope of the update holds the expected state. Other updates go to
// otherwise, or are dropped when it is nil.
func State(store ScopeStateGetter, expectedState string, otherwise tele.HandlerFunc) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			scope := state.ScopeFrom(c)
			current, _ := store.Get(scope.ChatID, scope.ThreadID)
			ctx := tghelpers.BuildContext(c)
			attrs := []slog.Attr{
				slog.String("ctx_key", scope.Key()),
				slog.String("state", current),
				slog.String("expected", expectedState),
			}
			if current == expectedState {
				logger.Debug(ctx, "state", "fsm.match", attrs...)
				return next(c)
			}
			logger.Debug(ctx, "state", "fsm.skip", attrs...)
			if otherwise != nil {
				return otherwise(c)
			}
			return nil
		}
	}
}
