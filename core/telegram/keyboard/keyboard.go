package keyboard

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/telegram/callbacks"
)

// CancelKey is the callback key of the cancel button every flow shows.
const CancelKey = "cancel"

const cancelText = "❌ Cancelar"

// Btn is one inline button. Payload parts are joined into the callback data.
type Btn struct {
	Text    string
	Key     string
	Payload []string
}

func (b Btn) inline() (tele.InlineButton, error) {
	data, err := callbacks.Encode(b.Key, b.Payload...)
	if err != nil {
		return tele.InlineButton{}, err
	}
	return tele.InlineButton{Text: b.Text, Data: data}, nil
}

// Inline builds an inline keyboard from rows. Buttons whose data does not
// fit the Telegram limit are dropped.
func Inline(rows ...[]Btn) *tele.ReplyMarkup {
	out := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			ib, err := b.inline()
			if err != nil {
				continue
			}
			r = append(r, ib)
		}
		if len(r) > 0 {
			out = append(out, r)
		}
	}
	return &tele.ReplyMarkup{InlineKeyboard: out}
}

// Columns lays buttons out n per row.
func Columns(buttons []Btn, n int) [][]Btn {
	if n < 1 {
		n = 1
	}
	var rows [][]Btn
	for i := 0; i < len(buttons); i += n {
		rows = append(rows, buttons[i:min(i+n, len(buttons))])
	}
	return rows
}

// WithCancel appends a cancel row to rows.
func WithCancel(rows ...[]Btn) *tele.ReplyMarkup {
	return Inline(append(rows, []Btn{{Text: cancelText, Key: CancelKey}})...)
}

// Confirm renders a yes/no choice that carries payload on both buttons.
func Confirm(yesKey string, payload ...string) *tele.ReplyMarkup {
	return Inline([]Btn{
		{Text: "✅ Confirmar", Key: yesKey, Payload: payload},
		{Text: cancelText, Key: CancelKey},
	})
}

// ForceReply returns a markup that forces the user to reply.
func ForceReply() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{ForceReply: true}
}

// RemoveKeyboard returns a markup that hides the keyboard.
func RemoveKeyboard() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}
