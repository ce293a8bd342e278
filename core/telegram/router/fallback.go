package router

import tele "gopkg.in/telebot.v4"

// Fallbacks answers updates that no command, flow or callback key claims.
type Fallbacks interface {
	UnknownText() tele.HandlerFunc
	UnknownDocument() tele.HandlerFunc
	UnknownCallback() tele.HandlerFunc
}

// FallbackOptions derives the text and callback route options from fb.
func FallbackOptions(fb Fallbacks) (TextOptions, CallbackOptions) {
	if fb == nil {
		return TextOptions{}, CallbackOptions{}
	}
	return TextOptions{
			UnknownText:     fb.UnknownText(),
			UnknownDocument: fb.UnknownDocument(),
		}, CallbackOptions{
			NotFound: fb.UnknownCallback(),
		}
}
