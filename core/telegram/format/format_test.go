package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEscapeMarkdown(t *testing.T) {
	v1, err := EscapeMarkdown("a_b*c", MarkdownV1)
	require.NoError(t, err)
	require.Equal(t, `a\_b\*c`, v1)

	v2, err := EscapeMarkdown("AB-12.3!", MarkdownV2)
	require.NoError(t, err)
	require.Equal(t, `AB\-12\.3\!`, v2)

	_, err = EscapeMarkdown("x", 3)
	require.Error(t, err)
	require.Equal(t, `p\_1`, MD("p_1"))
}

func TestMoney(t *testing.T) {
	require.Equal(t, "$0.00", Money(0))
	require.Equal(t, "$1,234,567.50", Money(1234567.5))
	require.Equal(t, "-$999.99", Money(-999.99))
}

func TestDerefAndDate(t *testing.T) {
	s := "x"
	empty := ""
	require.Equal(t, "x", DerefString(&s, "-"))
	require.Equal(t, "-", DerefString(&empty, "-"))
	require.Equal(t, "-", DerefString(nil, "-"))
	require.Equal(t, "-", Date(time.Time{}))
	require.Equal(t, "05/03/2025", Date(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)))
}
