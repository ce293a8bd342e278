package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/callbacks"
	"github.com/m3rciful/policybot/core/telegram/format"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/keyboard"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
)

// Scope steps of the payment and service flows.
const (
	stepPaymentNumber  = "pago.number"
	stepPaymentAmount  = "pago.amount"
	stepPaymentConfirm = "pago.confirm"
	stepServiceNumber  = "servicio.number"
	stepServiceDetail  = "servicio.detail"

	cbPaymentConfirm = "pay_ok"
)

var errBadAmount = errors.New("flows: invalid amount")

// StartPayment asks for the policy number of a payment.
func (h *Handlers) StartPayment(c tele.Context) error {
	return h.startStep(c, stepPaymentNumber, "💳 *Registrar pago*\nEnvía el número de póliza.")
}

// StartService asks for the policy number of a service.
func (h *Handlers) StartService(c tele.Context) error {
	return h.startStep(c, stepServiceNumber, "🛠 *Registrar servicio*\nEnvía el número de póliza.")
}

// startStep begins a flow in the scope. A number given as argument skips the prompt.
func (h *Handlers) startStep(c tele.Context, name, prompt string) error {
	s := state.ScopeFrom(c)
	h.st.Steps.Set(s.ChatID, Step{Name: name, UserID: userID(c)}, s.ThreadID)
	if number := args(c); number != "" {
		step, _ := h.st.Steps.Get(s.ChatID, s.ThreadID)
		return h.acceptPolicy(c, step, number)
	}
	return h.reply(c, prompt, keyboard.WithCancel())
}

func (h *Handlers) handleStep(c tele.Context, step Step) error {
	text := strings.TrimSpace(c.Text())
	switch step.Name {
	case stepPaymentNumber, stepServiceNumber:
		return h.acceptPolicy(c, step, text)
	case stepPaymentAmount:
		return h.acceptAmount(c, step, text)
	case stepPaymentConfirm:
		return h.reply(c, "Confirma o cancela el pago con los botones.")
	case stepServiceDetail:
		return h.acceptService(c, step, text)
	}
	return h.expired(c)
}

// acceptPolicy opens the policy flow entry in the scope and moves to the next step.
func (h *Handlers) acceptPolicy(c tele.Context, step Step, number string) error {
	ctx := helpers.BuildContext(c)
	p, err := h.lookup(ctx, c, number)
	if p == nil {
		return err
	}
	s := state.ScopeFrom(c)
	kind, next, prompt := "pago", stepPaymentAmount,
		"Envía el monto y, opcionalmente, la fecha del pago.\nEjemplo: `1500 05/03/2025`"
	if step.Name == stepServiceNumber {
		kind, next, prompt = "servicio", stepServiceDetail, "Describe el servicio prestado (grúa, paso de corriente, ...)."
	}
	h.st.Flows.Save(s.ChatID, p.Number, map[string]any{"kind": kind, "holder": p.Holder}, s.ThreadID)
	h.st.Steps.Set(s.ChatID, Step{Name: next, Policy: p.Number, UserID: step.UserID}, s.ThreadID)
	logger.Debug(ctx, "flows", "flow.open",
		slog.String("ctx_key", s.Key()),
		slog.String("policy", p.Number),
		slog.String("state", next),
	)
	return h.reply(c, fmt.Sprintf("Póliza *%s* de %s.\n%s", escape(p.Number), escape(p.Holder), prompt), keyboard.WithCancel())
}

// flowEntry returns the flow of step.Policy in the scope, answering for the
// thread-conflict and expired cases.
func (h *Handlers) flowEntry(c tele.Context, policy string) (*state.FlowEntry, error) {
	s := state.ScopeFrom(c)
	if !h.st.Flows.ValidateThreadMatch(s.ChatID, policy, s.ThreadID) {
		return nil, h.reply(c, msgOtherThread)
	}
	entry, ok := h.st.Flows.Get(s.ChatID, policy, s.ThreadID)
	if !ok {
		return nil, h.expired(c)
	}
	return entry, nil
}

func (h *Handlers) acceptAmount(c tele.Context, step Step, text string) error {
	if entry, err := h.flowEntry(c, step.Policy); entry == nil {
		return err
	}
	amount, date, err := parseAmountDate(text, h.now())
	if err != nil {
		return h.reply(c, "No entendí el monto. Ejemplo: `1500 05/03/2025`")
	}
	s := state.ScopeFrom(c)
	h.st.Flows.Update(s.ChatID, step.Policy, map[string]any{"amount": amount, "date": date}, s.ThreadID)
	h.st.Steps.Set(s.ChatID, Step{Name: stepPaymentConfirm, Policy: step.Policy, UserID: step.UserID}, s.ThreadID)
	return h.reply(c,
		fmt.Sprintf("¿Registrar pago de *%s* con fecha %s en la póliza *%s*?", format.Money(amount), format.Date(date), escape(step.Policy)),
		keyboard.Confirm(cbPaymentConfirm, step.Policy),
	)
}

// ConfirmPayment stores the payment held in the scope's flow entry.
func (h *Handlers) ConfirmPayment(c tele.Context) error {
	policy := callbacks.Payload(c)
	entry, err := h.flowEntry(c, policy)
	if entry == nil {
		return err
	}
	amount, okAmount := entry.Data["amount"].(float64)
	date, okDate := entry.Data["date"].(time.Time)
	if !okAmount || !okDate {
		return h.expired(c)
	}
	ctx := helpers.BuildContext(c)
	if err := h.repo.AddPayment(ctx, policy, policies.Payment{Amount: amount, Date: date, RecordedBy: userID(c)}); err != nil {
		if errors.Is(err, policies.ErrNotFound) {
			h.finishFlow(c, policy)
			return h.reply(c, fmt.Sprintf(msgNotFound, escape(policy)))
		}
		return h.fail(c, "PAYMENT_SAVE_FAILED", err)
	}
	h.record(c, audit.ActionPayment, policy, fmt.Sprintf("%.2f %s", amount, date.Format(time.DateOnly)))
	h.finishFlow(c, policy)
	return helpers.EditOrSendMD(c, fmt.Sprintf("✅ Pago de *%s* registrado en la póliza *%s*.", format.Money(amount), escape(policy)))
}

func (h *Handlers) acceptService(c tele.Context, step Step, text string) error {
	if entry, err := h.flowEntry(c, step.Policy); entry == nil {
		return err
	}
	if text == "" {
		return h.reply(c, "Describe el servicio con texto.")
	}
	ctx := helpers.BuildContext(c)
	svc := policies.Service{Description: text, Date: h.now(), RecordedBy: userID(c)}
	if err := h.repo.AddService(ctx, step.Policy, svc); err != nil {
		if errors.Is(err, policies.ErrNotFound) {
			h.finishFlow(c, step.Policy)
			return h.reply(c, fmt.Sprintf(msgNotFound, escape(step.Policy)))
		}
		return h.fail(c, "SERVICE_SAVE_FAILED", err)
	}
	h.record(c, audit.ActionService, step.Policy, text)
	h.finishFlow(c, step.Policy)
	return h.reply(c, fmt.Sprintf("✅ Servicio registrado en la póliza *%s*.", escape(step.Policy)))
}

// finishFlow drops the flow entry and the scope step.
func (h *Handlers) finishFlow(c tele.Context, policy string) {
	s := state.ScopeFrom(c)
	h.st.Flows.Clear(s.ChatID, policy, s.ThreadID)
	h.st.Steps.Delete(s.ChatID, s.ThreadID)
}

// parseAmountDate reads "1500", "1,500.50" or "1500 05/03/2025". A missing
// date means today.
func parseAmountDate(text string, now time.Time) (float64, time.Time, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, time.Time{}, errBadAmount
	}
	raw := strings.TrimPrefix(strings.ReplaceAll(fields[0], ",", ""), "$")
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount <= 0 {
		return 0, time.Time{}, errBadAmount
	}
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if len(fields) == 2 {
		d, ok := helpers.ParseDate(fields[1], now.Location())
		if !ok {
			return 0, time.Time{}, errBadAmount
		}
		date = d
	}
	return amount, date, nil
}

func escape(s string) string {
	return format.MD(s)
}
