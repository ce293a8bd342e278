package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/keyboard"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
)

// Sub-flow states. Phone and route updates run as independent contexts so a
// chat can have both open at once.
const (
	ctxPhoneNumber = "phone.number"
	ctxPhoneValue  = "phone.value"
	ctxRouteNumber = "route.number"
	ctxRouteValue  = "route.value"

	dataPolicy = "policy"
	dataPrompt = "prompt"
)

// StartPhone opens a phone update sub-flow.
func (h *Handlers) StartPhone(c tele.Context) error {
	return h.startContext(c, ctxPhoneNumber, ctxPhoneValue, "📞 Teléfono nuevo para la póliza *%s*:")
}

// StartRoute opens a route update sub-flow.
func (h *Handlers) StartRoute(c tele.Context) error {
	return h.startContext(c, ctxRouteNumber, ctxRouteValue, "🗺 Ruta para la póliza *%s* en formato `origen - destino`:")
}

func (h *Handlers) startContext(c tele.Context, numberState, valueState, valuePrompt string) error {
	scope, user := state.ScopeFrom(c), userID(c)
	number := policies.NormalizeNumber(args(c))
	if number == "" {
		id := h.st.Contexts.CreateFor(scope, user, numberState, "")
		return h.promptContext(c, id, "Envía el número de póliza (responde a este mensaje).")
	}
	p, err := h.lookup(helpers.BuildContext(c), c, number)
	if p == nil {
		return err
	}
	id := h.st.Contexts.CreateFor(scope, user, valueState, p.Number)
	return h.promptContext(c, id, fmt.Sprintf(valuePrompt, escape(p.Number)))
}

// promptContext asks for input with a forced reply and remembers the
// prompt so the answer can be matched to its sub-flow.
func (h *Handlers) promptContext(c tele.Context, flowID, text string) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdown, ReplyMarkup: keyboard.ForceReply()}
	msg, err := h.prompt(c, text, threadSendOptions(c, opts))
	if err != nil {
		return err
	}
	h.st.Contexts.UpdateState(state.ScopeFrom(c).ChatID, flowID, h.contextState(c, flowID), map[string]any{dataPrompt: msg.ID})
	return nil
}

func (h *Handlers) contextState(c tele.Context, flowID string) string {
	fc, ok := h.st.Contexts.Get(state.ScopeFrom(c).ChatID, flowID)
	if !ok {
		return ""
	}
	return fc.State
}

// contextFor picks the sub-flow a text belongs to among those the sender
// opened in the same thread: the one whose prompt the message replies to,
// else the most recently created one.
func (h *Handlers) contextFor(c tele.Context) (*state.FlowContext, bool) {
	all := h.st.Contexts.OwnedBy(state.ScopeFrom(c), userID(c))
	if len(all) == 0 {
		return nil, false
	}
	if msg := c.Message(); msg != nil && msg.ReplyTo != nil {
		for _, fc := range all {
			if id, ok := fc.Data[dataPrompt].(int); ok && id == msg.ReplyTo.ID {
				return fc, true
			}
		}
	}
	return all[len(all)-1], true
}

func contextPolicy(fc *state.FlowContext) string {
	if fc.Policy != "" {
		return fc.Policy
	}
	p, _ := fc.Data[dataPolicy].(string)
	return p
}

func (h *Handlers) handleContextText(c tele.Context, fc *state.FlowContext) error {
	chatID := state.ScopeFrom(c).ChatID
	text := strings.TrimSpace(c.Text())
	ctx := helpers.BuildContext(c)
	logger.Debug(ctx, "flows", "context.input",
		slog.String("flow_id", fc.FlowID),
		slog.String("state", fc.State),
	)

	switch fc.State {
	case ctxPhoneNumber, ctxRouteNumber:
		p, err := h.lookup(ctx, c, text)
		if p == nil {
			return err
		}
		next, prompt := ctxPhoneValue, "📞 Teléfono nuevo para la póliza *%s*:"
		if fc.State == ctxRouteNumber {
			next, prompt = ctxRouteValue, "🗺 Ruta para la póliza *%s* en formato `origen - destino`:"
		}
		if !h.st.Contexts.UpdateState(chatID, fc.FlowID, next, map[string]any{dataPolicy: p.Number}) {
			return h.expired(c)
		}
		return h.promptContext(c, fc.FlowID, fmt.Sprintf(prompt, escape(p.Number)))

	case ctxPhoneValue:
		policy := contextPolicy(fc)
		if err := h.repo.UpdateField(ctx, policy, policies.FieldPhone, text); err != nil {
			return h.contextSaveError(c, fc, err)
		}
		h.record(c, audit.ActionContact, policy, "phone")
		h.st.Contexts.Remove(chatID, fc.FlowID)
		return h.reply(c, fmt.Sprintf("✅ Teléfono actualizado en la póliza *%s*.", escape(policy)))

	case ctxRouteValue:
		origin, dest, ok := parseRoute(text)
		if !ok {
			return h.reply(c, "Usa el formato `origen - destino`.")
		}
		policy := contextPolicy(fc)
		if err := h.repo.UpdateField(ctx, policy, policies.FieldOrigin, origin); err != nil {
			return h.contextSaveError(c, fc, err)
		}
		if err := h.repo.UpdateField(ctx, policy, policies.FieldDestination, dest); err != nil {
			return h.contextSaveError(c, fc, err)
		}
		h.record(c, audit.ActionContact, policy, "route "+origin+" - "+dest)
		h.st.Contexts.Remove(chatID, fc.FlowID)
		return h.reply(c, fmt.Sprintf("✅ Ruta actualizada en la póliza *%s*: %s → %s.", escape(policy), escape(origin), escape(dest)))
	}
	return h.expired(c)
}

func (h *Handlers) contextSaveError(c tele.Context, fc *state.FlowContext, err error) error {
	switch {
	case errors.Is(err, policies.ErrInvalidValue):
		return h.reply(c, "El valor no es válido, inténtalo de nuevo.")
	case errors.Is(err, policies.ErrNotFound):
		h.st.Contexts.Remove(state.ScopeFrom(c).ChatID, fc.FlowID)
		return h.reply(c, fmt.Sprintf(msgNotFound, escape(contextPolicy(fc))))
	}
	return h.fail(c, "CONTACT_SAVE_FAILED", err)
}

func parseRoute(text string) (string, string, bool) {
	for _, sep := range []string{" - ", "-", "→", ">"} {
		origin, dest, ok := strings.Cut(text, sep)
		origin, dest = strings.TrimSpace(origin), strings.TrimSpace(dest)
		if ok && origin != "" && dest != "" {
			return origin, dest, true
		}
	}
	return "", "", false
}

// threadSendOptions binds opts to the topic of c for direct bot sends.
func threadSendOptions(c tele.Context, opts *tele.SendOptions) *tele.SendOptions {
	if thread := state.ThreadIDFrom(c); thread != nil {
		opts.ThreadID = *thread
	}
	return opts
}
