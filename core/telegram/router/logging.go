package router

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/metrics"
	tghelpers "github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/middleware"
)

// summary overrides the status and outcome derived from the handler error.
type summary struct {
	status  string
	outcome string
}

var skipped = summary{status: "skip", outcome: "ok"}

func (s summary) resolve(err error) (status, outcome string) {
	derived := "ok"
	if err != nil {
		derived = "fail"
	}
	return cmpOr(s.status, derived), cmpOr(s.outcome, derived)
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// handleWithSummary runs fn as handler name and writes one summary line
// with the elapsed time and what was sent back.
func handleWithSummary(c tele.Context, name string, start time.Time, fn func() error, extras ...slog.Attr) error {
	tghelpers.WithHandler(c, name)
	err := fn()
	logHandlerSummary(c, name, start, summary{}, err, extras...)
	return err
}

func logHandlerSummary(c tele.Context, name string, start time.Time, s summary, err error, extras ...slog.Attr) {
	ctx := tghelpers.WithHandler(c, name)
	status, outcome := s.resolve(err)
	elapsed := time.Since(start)
	metrics.Default().ObserveHandler(name, outcome, elapsed)

	msgs, kb := middleware.GetCounters(c)
	attrs := append([]slog.Attr{
		slog.String("status", status),
		slog.String("outcome", outcome),
		slog.Int("messages", msgs),
		slog.Bool("kb", kb),
		slog.Duration("duration", logger.RoundMS(elapsed)),
	}, extras...)
	if err != nil {
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			slog.String("err_code", deriveErrorCode(err)),
		)
	}
	logger.Info(ctx, "tg", "handler.handled", attrs...)
}

// normalizeHandlerName turns "/Pago" or "session expired" into a metric-safe label.
func normalizeHandlerName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// deriveErrorCode labels err for log filtering. Errors exposing Code() win,
// then timeouts and Telegram API errors, then the Go type name.
func deriveErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		if code := strings.TrimSpace(coded.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	var flood tele.FloodError
	var apiErr *tele.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	case errors.As(err, &flood):
		return "TG_FLOOD"
	case errors.As(err, &apiErr):
		return "TG_" + strconv.Itoa(apiErr.Code)
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "UNKNOWN_ERROR"
	}
	return strings.ToUpper(t.Name())
}
