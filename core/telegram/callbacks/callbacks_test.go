package callbacks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	data, err := Encode("edit_field", "AB-123", "telefono")
	require.NoError(t, err)
	require.Equal(t, "edit_field|AB-123|telefono", data)

	key, payload := Parse(&tele.Callback{Data: data})
	require.Equal(t, "edit_field", key)
	require.Equal(t, "AB-123|telefono", payload)
}

func TestEncodeRejectsLongData(t *testing.T) {
	_, err := Encode("k", strings.Repeat("x", MaxDataLen))
	require.ErrorIs(t, err, ErrTooLong)
}

func TestParseVariants(t *testing.T) {
	key, payload := Parse(&tele.Callback{Data: "\fcancel"})
	require.Equal(t, "cancel", key)
	require.Empty(t, payload)

	key, payload = Parse(&tele.Callback{Unique: "confirm", Data: "yes"})
	require.Equal(t, "confirm", key)
	require.Equal(t, "yes", payload)

	key, _ = Parse(nil)
	require.Empty(t, key)
}
