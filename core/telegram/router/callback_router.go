package router

import (
	"log/slog"

	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/policybot/core/telegram"
	"github.com/m3rciful/policybot/core/telegram/callbacks"
	"github.com/m3rciful/policybot/core/telegram/middleware"
)

// CallbackOptions customises fallback behaviour for callbacks.
type CallbackOptions struct {
	NotFound tele.HandlerFunc
}

// resolveCallback finds the handler for key: the registered one, then the
// route's NotFound, then the registry's. found is false for the fallbacks.
func resolveCallback(reg *tg.Registry, opts CallbackOptions, key string) (h tele.HandlerFunc, found bool) {
	if h, ok := reg.GetCallback(key); ok && h != nil {
		return h, true
	}
	if opts.NotFound != nil {
		return opts.NotFound, false
	}
	return reg.CallbackNotFound(), false
}

// CallbackRoute dispatches inline button presses by the key before "|".
// Every press is answered afterwards so the client stops its spinner;
// handlers that show an alert answer first and the second answer is ignored.
func CallbackRoute(reg *tg.Registry, opts CallbackOptions) tg.Route {
	handler := func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		start := nowFunc()
		key, payload := callbacks.Parse(cb)
		attrs := []slog.Attr{
			slog.String("cb_key", key),
			slog.Int("cb_payload_len", len(payload)),
		}

		h, found := resolveCallback(reg, opts, key)
		if !found {
			attrs = append(attrs, slog.String("reason", "not_found"))
		}
		err := handleWithSummary(c, "callback."+normalizeHandlerName(key), start, func() error {
			if h == nil {
				return nil
			}
			return h(c)
		}, attrs...)
		if found {
			_ = c.Respond()
		}
		return err
	}
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler:  middleware.RecoverMiddleware(middleware.LoggerMiddleware(handler)),
	}
}
