package flows

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/callbacks"
	"github.com/m3rciful/policybot/core/telegram/format"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
	"github.com/m3rciful/policybot/internal/reports"
)

const (
	auditDefault = 10
	auditMax     = 50

	msgUnknownText     = "No entendí el mensaje. Usa /start para ver las opciones."
	msgUnknownDocument = "No espero archivos en este momento."
	msgUnknownCallback = "Ese botón ya no está disponible."
)

const menuText = `*Bot de pólizas*

/pago \[número] registra un pago
/servicio \[número] registra un servicio
/telefono \[número] actualiza el teléfono
/ruta \[número] actualiza origen y destino
/poliza <número> muestra una póliza
/cancelar cancela lo que esté en curso`

// Start shows the menu.
func (h *Handlers) Start(c tele.Context) error {
	return h.reply(c, menuText)
}

// ShowPolicy prints the card of the policy given as argument.
func (h *Handlers) ShowPolicy(c tele.Context) error {
	number := args(c)
	if number == "" {
		return h.reply(c, "Uso: `/poliza <número>`")
	}
	p, err := h.lookup(helpers.BuildContext(c), c, number)
	if p == nil {
		return err
	}
	return h.reply(c, policyCard(p))
}

// ViewPolicy shows a policy picked from search results.
func (h *Handlers) ViewPolicy(c tele.Context) error {
	number := callbacks.Payload(c)
	if number == "" {
		return h.expired(c)
	}
	p, err := h.lookup(helpers.BuildContext(c), c, number)
	if p == nil {
		return err
	}
	return h.reply(c, policyCard(p))
}

func policyCard(p *policies.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 *Póliza %s*\n", escape(p.Number))
	fmt.Fprintf(&b, "Titular: %s\n", escape(p.Holder))
	fmt.Fprintf(&b, "Aseguradora: %s\n", escape(format.DerefString(&p.Insurer, "-")))
	fmt.Fprintf(&b, "Inicio: %s\n", format.Date(p.StartDate))
	fmt.Fprintf(&b, "Teléfono: %s\n", escape(format.DerefString(p.Phone, "-")))
	fmt.Fprintf(&b, "Ruta: %s → %s\n", escape(format.DerefString(p.Origin, "-")), escape(format.DerefString(p.Destination, "-")))
	fmt.Fprintf(&b, "Pagos: %d (%s)", len(p.Payments), format.Money(p.TotalPaid()))
	if last, ok := p.LastPayment(); ok {
		fmt.Fprintf(&b, ", último %s el %s", format.Money(last.Amount), format.Date(last.Date))
	}
	fmt.Fprintf(&b, "\nServicios: %d", len(p.Services))
	return b.String()
}

// Stats reports collection totals and the state of the bot.
func (h *Handlers) Stats(c tele.Context) error {
	ctx := helpers.BuildContext(c)
	st, err := h.repo.Stats(ctx)
	if err != nil {
		return h.fail(c, "STATS_FAILED", err)
	}
	return h.reply(c, h.StatsText(st))
}

// StatsText renders st together with the state store counters.
func (h *Handlers) StatsText(st policies.Stats) string {
	var b strings.Builder
	b.WriteString("📊 *Estadísticas*\n")
	fmt.Fprintf(&b, "Pólizas activas: %d (borradas %d)\n", st.Active, st.Deleted)
	fmt.Fprintf(&b, "Altas en 30 días: %d\n", st.CreatedLast30)
	fmt.Fprintf(&b, "Pagos: %d por %s\n", st.Payments, format.Money(st.TotalPaid))
	fmt.Fprintf(&b, "Servicios: %d\n", st.Services)
	for _, name := range slices.Sorted(maps.Keys(st.ByInsurer)) {
		fmt.Fprintf(&b, "  • %s: %d\n", escape(name), st.ByInsurer[name])
	}

	b.WriteString("\n*Estados*\n")
	sizes := h.st.Sizes()
	for _, name := range slices.Sorted(maps.Keys(sizes)) {
		fmt.Fprintf(&b, "%s: %d\n", name, sizes[name]())
	}
	ops := h.st.Admin.Stats()
	for _, op := range slices.Sorted(maps.Keys(ops)) {
		fmt.Fprintf(&b, "  admin %s: %d\n", op, ops[op])
	}
	cs := h.st.Cleanup.Stats()
	fmt.Fprintf(&b, "Limpieza: cada %s, vencen a las %s, %d barridos", cs.Interval, cs.Timeout, cs.Runs)
	if !cs.LastRun.IsZero() {
		fmt.Fprintf(&b, ", último %s (%d)", cs.LastRun.Format(time.DateTime), cs.LastCleaned)
	}
	b.WriteString("\n")
	if h.stats != nil {
		for _, line := range h.stats() {
			b.WriteString(escape(line) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// AuditLog lists the latest audit entries, 10 by default.
func (h *Handlers) AuditLog(c tele.Context) error {
	limit := auditDefault
	if a := args(c); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n <= 0 {
			return h.reply(c, "Uso: `/auditoria [cantidad]`")
		}
		limit = min(n, auditMax)
	}
	entries, err := h.audit.Recent(helpers.BuildContext(c), limit)
	if err != nil {
		return h.fail(c, "AUDIT_FAILED", err)
	}
	if len(entries) == 0 {
		return h.reply(c, "Sin registros de auditoría.")
	}
	var b strings.Builder
	b.WriteString("🧾 *Últimos cambios*\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s por %d", e.At.In(h.now().Location()).Format("02/01 15:04"), escape(e.Action), escape(e.Target), e.UserID)
		if e.Details != "" {
			fmt.Fprintf(&b, ": %s", escape(e.Details))
		}
		b.WriteString("\n")
	}
	return h.reply(c, b.String())
}

// Export sends every live policy as a spreadsheet.
func (h *Handlers) Export(c tele.Context) error {
	ctx := helpers.BuildContext(c)
	list, err := h.repo.All(ctx)
	if err != nil {
		return h.fail(c, "EXPORT_FAILED", err)
	}
	buf, err := reports.Export(list)
	if err != nil {
		return h.fail(c, "EXPORT_FAILED", err)
	}
	name := reports.FileName(h.now())
	h.record(c, audit.ActionExport, name, strconv.Itoa(len(list)))
	logger.Info(ctx, "flows", "export",
		slog.Int("count", len(list)),
		slog.Int("bytes", buf.Len()),
	)
	return helpers.SendDocument(c, &tele.Document{
		File:     tele.FromReader(buf),
		FileName: name,
		MIME:     "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Caption:  fmt.Sprintf("%d pólizas", len(list)),
	})
}

// ForceCleanup sweeps expired state now and reports per store.
func (h *Handlers) ForceCleanup(c tele.Context) error {
	res := h.st.Cleanup.ForceCleanup(helpers.BuildContext(c))
	return h.reply(c, cleanupText(res))
}

func cleanupText(res state.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧹 Limpieza: %d estados eliminados\n", res.Cleaned)
	for _, name := range slices.Sorted(maps.Keys(res.Providers)) {
		n := res.Providers[name]
		if n < 0 {
			fmt.Fprintf(&b, "%s: error\n", name)
			continue
		}
		fmt.Fprintf(&b, "%s: %d\n", name, n)
	}
	return strings.TrimRight(b.String(), "\n")
}

// UnknownText answers text that no flow expects.
func (h *Handlers) UnknownText() tele.HandlerFunc {
	return func(c tele.Context) error { return h.reply(c, msgUnknownText) }
}

// UnknownDocument answers unexpected uploads.
func (h *Handlers) UnknownDocument() tele.HandlerFunc {
	return func(c tele.Context) error { return h.reply(c, msgUnknownDocument) }
}

// UnknownCallback answers buttons with an unregistered key.
func (h *Handlers) UnknownCallback() tele.HandlerFunc {
	return func(c tele.Context) error { return helpers.Alert(c, msgUnknownCallback) }
}

