// Package callbacks encodes and decodes inline button payloads as
// "<key>|<payload>".
package callbacks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// MaxDataLen is the Telegram limit for callback data.
const MaxDataLen = 64

const sep = "|"

// ErrTooLong is returned when encoded data exceeds MaxDataLen.
var ErrTooLong = errors.New("callbacks: data exceeds 64 bytes")

// Encode joins key and payload parts with the separator.
func Encode(key string, parts ...string) (string, error) {
	data := key
	if len(parts) > 0 {
		data += sep + strings.Join(parts, sep)
	}
	if len(data) > MaxDataLen {
		return "", fmt.Errorf("%w: %q", ErrTooLong, key)
	}
	return data, nil
}

// Parse splits callback data into key and payload. Telebot's "\f" unique
// prefix is accepted too.
func Parse(cb *tele.Callback) (string, string) {
	if cb == nil {
		return "", ""
	}
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	raw := strings.TrimPrefix(cb.Data, "\f")
	key, payload, _ := strings.Cut(raw, sep)
	return strings.TrimSpace(key), payload
}

// Payload returns everything after the key.
func Payload(c tele.Context) string {
	_, p := Parse(c.Callback())
	return p
}

// PayloadInt64 parses the payload as int64.
func PayloadInt64(c tele.Context) (int64, error) {
	return strconv.ParseInt(Payload(c), 10, 64)
}
