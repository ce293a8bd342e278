package helpers

import (
	"errors"
	"log/slog"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/sender"
	"github.com/m3rciful/policybot/core/telegram/state"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the asynchronous sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

func currentDispatcher() *sender.Dispatcher {
	return globalDispatcher.Load()
}

func sendAsync(c tele.Context, action, endpoint string, run func() error) error {
	disp := currentDispatcher()
	if disp == nil {
		return run()
	}

	ctx := BuildContext(c)
	job := sender.Job{
		Key:      state.ScopeFrom(c).Key(),
		Action:   action,
		Endpoint: endpoint,
		Run:      run,
	}
	if err := disp.Enqueue(ctx, job); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			logger.Warn(ctx, "tg.sender", "queue.fallback",
				slog.String("action", action),
				slog.String("endpoint", endpoint),
				slog.String("err", err.Error()),
			)
			return run()
		}
		return err
	}
	return nil
}

// threadOptions returns opts bound to the forum topic of c, so replies stay
// in the topic the user wrote from.
func threadOptions(c tele.Context, opts *tele.SendOptions) *tele.SendOptions {
	thread := state.ThreadIDFrom(c)
	if thread == nil {
		return opts
	}
	out := &tele.SendOptions{}
	if opts != nil {
		*out = *opts
	}
	if out.ThreadID == 0 {
		out.ThreadID = *thread
	}
	return out
}

// SendText sends raw text (no parse mode) to the current chat and topic.
func SendText(c tele.Context, text string, opts ...*tele.SendOptions) error {
	var sendOpts *tele.SendOptions
	if len(opts) > 0 {
		sendOpts = opts[0]
	}
	sendOpts = threadOptions(c, sendOpts)
	return sendAsync(c, "send.text", "sendMessage", func() error {
		if sendOpts != nil {
			return c.Send(text, sendOpts)
		}
		return c.Send(text)
	})
}

func markupOf(markup []*tele.ReplyMarkup) *tele.ReplyMarkup {
	if len(markup) > 0 {
		return markup[0]
	}
	return nil
}

// SendMD sends a message with Markdown parse mode and optional reply markup.
func SendMD(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	return SendText(c, text, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markupOf(markup)})
}

// SendMDV2 sends a message with MarkdownV2 parse mode and optional reply markup.
func SendMDV2(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	return SendText(c, text, &tele.SendOptions{ParseMode: tele.ModeMarkdownV2, ReplyMarkup: markupOf(markup)})
}

// SendDocument uploads a file to the current chat and topic.
func SendDocument(c tele.Context, doc *tele.Document) error {
	opts := threadOptions(c, nil)
	return sendAsync(c, "send.document", "sendDocument", func() error {
		if opts != nil {
			return c.Send(doc, opts)
		}
		return c.Send(doc)
	})
}

// EditOrSendMD edits the message behind a callback or sends a new one.
func EditOrSendMD(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	opts := threadOptions(c, &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: markupOf(markup)})
	return sendAsync(c, "send.edit", "editMessageText", func() error {
		return c.EditOrSend(text, opts)
	})
}

// Alert answers a callback query with a popup.
func Alert(c tele.Context, text string) error {
	if c.Callback() == nil {
		return SendText(c, text)
	}
	return c.Respond(&tele.CallbackResponse{Text: text, ShowAlert: true})
}
