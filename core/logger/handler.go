package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

var errNoWriter = errors.New("logger: writer not initialized")

type handlerConfig struct {
	level    slog.Leveler
	writer   *asyncWriter
	errors   *asyncWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders records as flat JSON objects or key=value lines
// with a stable key order. Groups become dotted key prefixes.
type structuredHandler struct {
	cfg    handlerConfig
	attrs  []slog.Attr
	prefix string
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if cfg.keyOrder == nil {
		cfg.keyOrder = defaultKeyOrder
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.writer == nil {
		return errNoWriter
	}
	rec := newRecord(r.NumAttrs() + len(h.attrs) + 8)
	ts := r.Time.UTC()
	rec.set("ts", ts.Truncate(time.Millisecond).Format(timeFormatMillis))
	rec.set("level", levelName(r.Level))
	if h.cfg.format == formatJSON {
		rec.set("ts_unix_nano", ts.UnixNano())
	}

	// Handler attrs were added before any group was opened on the record.
	for _, a := range h.attrs {
		rec.add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.add(h.prefix, a)
		return true
	})
	for _, a := range metaFrom(ctx).fields() {
		rec.setDefault(a.Key, a.Value.Any())
	}

	if rid, _ := rec.values["rid"].(string); rid != "" {
		if short := CompactRID(rid); short != rid {
			if h.cfg.format == formatJSON {
				rec.setDefault("rid_full", rid)
			}
			rec.set("rid", short)
		}
	}
	if ev, _ := rec.values["event"].(string); ev == "" {
		rec.set("event", cmpOr(r.Message, "unknown"))
	}
	if comp, _ := rec.values["component"].(string); comp == "" {
		rec.set("component", "app")
	}
	normalizeEnums(rec)

	var line []byte
	var err error
	if h.cfg.format == formatJSON {
		line, err = rec.json(h.cfg.keyOrder)
	} else {
		line = rec.kv(h.cfg.keyOrder)
	}
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if r.Level >= slog.LevelError && h.cfg.errors != nil {
		if err := h.cfg.errors.Write(line); err != nil {
			return err
		}
	}
	return h.cfg.writer.Write(line)
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.prefix == "" {
		clone.prefix = name
	} else {
		clone.prefix = h.prefix + "." + name
	}
	return &clone
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// record is the flattened field set of one log line.
type record struct {
	values map[string]any
}

func newRecord(size int) *record {
	return &record{values: make(map[string]any, size)}
}

func (r *record) set(key string, v any) {
	r.values[key] = v
}

func (r *record) setDefault(key string, v any) {
	if _, ok := r.values[key]; !ok {
		r.values[key] = v
	}
}

// add flattens a into the record under prefix. Empty values are skipped.
func (r *record) add(prefix string, a slog.Attr) {
	key := a.Key
	if prefix != "" {
		key = strings.TrimSuffix(prefix+"."+key, ".")
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, child := range v.Group() {
			r.add(key, child)
		}
		return
	}
	if key == "" {
		return
	}
	key, val := convertValue(key, v)
	switch x := val.(type) {
	case nil:
		return
	case string:
		if x == "" {
			return
		}
	}
	r.values[key] = val
}

// convertValue maps a slog value onto a JSON-friendly one. Durations are
// rendered in milliseconds and their key gains an "_ms" suffix.
func convertValue(key string, v slog.Value) (string, any) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(v.String())
	case slog.KindBool:
		return key, v.Bool()
	case slog.KindInt64:
		return key, v.Int64()
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return key, int64(u)
		}
		return key, v.Uint64()
	case slog.KindFloat64:
		return key, v.Float64()
	case slog.KindDuration:
		return durationField(key, v.Duration())
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano)
	}
	switch x := v.Any().(type) {
	case nil:
		return key, nil
	case time.Duration:
		return durationField(key, x)
	case error:
		return key, x.Error()
	case fmt.Stringer:
		return key, strings.TrimSpace(x.String())
	case string:
		return key, strings.TrimSpace(x)
	default:
		return key, fmt.Sprint(x)
	}
}

func durationField(key string, d time.Duration) (string, any) {
	if !strings.HasSuffix(key, "_ms") {
		key += "_ms"
	}
	return key, RoundMS(d).Milliseconds()
}
