package logger

import (
	"log/slog"
	"strings"
)

var levelNames = map[string]string{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
	"fatal":   "FATAL",
}

func levelName(l slog.Level) string {
	raw := l.String()
	if name, ok := levelNames[strings.ToLower(raw)]; ok {
		return name
	}
	return raw
}

func parseLevel(raw string) slog.Level {
	switch levelNames[strings.ToLower(strings.TrimSpace(raw))] {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR", "FATAL":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// enumField restricts a string field to a known vocabulary. Unknown values
// are kept as written when keepUnknown is set and dropped otherwise.
type enumField struct {
	values      map[string]bool
	keepUnknown bool
}

func vocabulary(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

var enumFields = map[string]enumField{
	"status": {
		values:      vocabulary("ok", "fail", "skip", "retry", "rate_limited", "cancelled", "expired"),
		keepUnknown: true,
	},
	"outcome": {values: vocabulary("ok", "fail", "cancelled", "rate_limited", "expired")},
	"cache":   {values: vocabulary("hit", "miss", "refresh")},
}

// normalizeEnums lowercases enum fields and removes unknown values that the
// vocabulary does not tolerate.
func normalizeEnums(r *record) {
	for key, rule := range enumFields {
		raw, ok := r.values[key].(string)
		if !ok {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" || (!rule.values[v] && !rule.keepUnknown) {
			delete(r.values, key)
			continue
		}
		r.values[key] = v
	}
}

// defaultKeyOrder puts correlation first, then conversation state, then
// policy data, then errors. Keys not listed follow alphabetically.
var defaultKeyOrder = []string{
	"ts", "level", "component", "event", "status",
	"rid", "rid_full", "ts_unix_nano",
	"update_id", "user_id", "chat_id", "chat_type", "ctx_key", "thread_id",
	"handler", "state", "expected", "flow_id", "operation", "op", "cb_key", "outcome",
	"policy", "field", "batch_id", "audit_id", "found", "missing", "results",
	"provider", "cleaned", "duration_ms",
	"messages", "kb", "count", "page", "pages", "cache",
	"payload", "lang", "username",
	"mode", "listen", "public_url", "http_code", "db", "host", "port",
	"err", "err_code", "cause", "retryable", "attempts", "backoff_ms",
	"rate_limited", "collapsed", "repeats", "pending_count",
}
