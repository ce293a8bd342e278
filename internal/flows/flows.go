// Package flows implements the policy bot conversations on top of the
// scoped state stores.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	tg "github.com/m3rciful/policybot/core/telegram"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/keyboard"
	"github.com/m3rciful/policybot/core/telegram/middleware"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
)

const (
	msgExpired     = "⌛ La sesión expiró. Vuelve a empezar desde el menú con /start."
	msgNotFound    = "No encontré la póliza *%s*. Revisa el número e inténtalo de nuevo."
	msgUnavailable = "⚠️ No pude completar la operación. Inténtalo más tarde."
	msgCancelled   = "Operación cancelada."
	msgNothing     = "No hay ninguna operación en curso."
	msgOtherThread = "Esta póliza se está capturando en otro tema del chat. Continúa allí o usa /cancelar."
)

// Step is what a scope is waiting for in the payment and service flows.
type Step struct {
	Name   string
	Policy string
	UserID int64
}

// stepNames exposes the step name of a scope to middleware.State.
type stepNames struct{ steps *state.StateMap[Step] }

func (n stepNames) Get(chatID int64, threadID *int) (string, bool) {
	step, ok := n.steps.Get(chatID, threadID)
	return step.Name, ok
}

// Stores groups the state the flows run on.
type Stores struct {
	Steps       *state.StateMap[Step]
	Flows       *state.FlowStates
	Admin       *state.AdminStates
	Contexts    *state.FlowContexts
	Coordinator *state.Coordinator
	Cleanup     *state.CleanupService
}

// NewStores builds the stores from cfg and registers them with a new
// coordinator and cleanup service.
func NewStores(cfg StoreConfig) (*Stores, error) {
	s := &Stores{
		Steps:       state.NewStateMap[Step](cfg.Clock),
		Flows:       state.NewFlowStates(state.FlowOptions{TTL: cfg.StateTimeout, StrictThreads: cfg.StrictThreads, Clock: cfg.Clock}),
		Admin:       state.NewAdminStates(state.AdminOptions{Timeout: cfg.AdminTimeout, Clock: cfg.Clock}),
		Contexts:    state.NewFlowContexts(state.ContextOptions{TTL: cfg.ContextTTL, Clock: cfg.Clock}),
		Coordinator: state.NewCoordinator(),
		Cleanup: state.NewCleanupService(state.CleanupOptions{
			Interval: cfg.CleanupInterval,
			Timeout:  cfg.StateTimeout,
			Clock:    cfg.Clock,
			Observer: cfg.Observer,
		}),
	}
	// Sub-flows keep their own TTL, so the shared cutoff is replaced by a
	// zero one, which FlowContexts.Cleanup resolves to now - ContextTTL.
	contextSweep := state.ProviderFunc(func(ctx context.Context, _ time.Time) (int, error) {
		return s.Contexts.Cleanup(ctx, time.Time{})
	})
	for _, r := range []struct {
		name    string
		clearer state.ScopeClearer
		sweep   state.Provider
	}{
		{"steps", s.Steps, s.Steps},
		{"flows", s.Flows, s.Flows},
		{"admin", s.Admin, s.Admin},
		{"contexts", s.Contexts, contextSweep},
	} {
		s.Coordinator.Register(r.name, r.clearer)
		if err := s.Cleanup.Register(r.name, r.sweep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Sizes reports the entry count of each store by name.
func (s *Stores) Sizes() map[string]func() int {
	return map[string]func() int{
		"steps":    s.Steps.Len,
		"flows":    s.Flows.Len,
		"admin":    s.Admin.Len,
		"contexts": s.Contexts.Len,
	}
}

// StoreConfig tunes NewStores.
type StoreConfig struct {
	CleanupInterval time.Duration
	StateTimeout    time.Duration
	AdminTimeout    time.Duration
	ContextTTL      time.Duration
	StrictThreads   bool
	Clock           state.Clock
	Observer        state.Observer
}

// Deps are the collaborators of Handlers.
type Deps struct {
	Policies policies.Repository
	Audit    audit.Recorder
	Stores   *Stores
	// Stats adds runtime lines, such as the build, to /stats.
	Stats func() []string
	Now   func() time.Time
}

// Handlers serves every bot command, callback and free-text step.
type Handlers struct {
	repo    policies.Repository
	audit   audit.Recorder
	st      *Stores
	stats   func() []string
	now     func() time.Time
	results *cache.Cache
	// prompt sends a message whose id is needed later.
	prompt func(c tele.Context, text string, opts *tele.SendOptions) (*tele.Message, error)
}

// New validates deps and builds Handlers.
func New(d Deps) (*Handlers, error) {
	if d.Policies == nil || d.Stores == nil {
		return nil, errors.New("flows: policies and stores are required")
	}
	if d.Audit == nil {
		d.Audit = audit.NewMemory(0)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handlers{
		repo:    d.Policies,
		audit:   d.Audit,
		st:      d.Stores,
		stats:   d.Stats,
		now:     d.Now,
		results: cache.New(searchTTL, 2*searchTTL),
		prompt:  botSend,
	}, nil
}

func botSend(c tele.Context, text string, opts *tele.SendOptions) (*tele.Message, error) {
	return c.Bot().Send(c.Recipient(), text, opts)
}

// Register adds commands and callbacks to reg.
func (h *Handlers) Register(reg *tg.Registry) error {
	cmds := []struct {
		name string
		cmd  tg.Command
	}{
		{"/start", tg.Command{Handler: h.Start, Description: "Menú principal", Aliases: []string{"menu"}}},
		{"/ayuda", tg.Command{Handler: h.Start, Description: "Ayuda", Aliases: []string{"help"}}},
		{"/pago", tg.Command{Handler: h.StartPayment, Description: "Registrar un pago"}},
		{"/servicio", tg.Command{Handler: h.StartService, Description: "Registrar un servicio"}},
		{"/telefono", tg.Command{Handler: h.StartPhone, Description: "Actualizar teléfono de contacto"}},
		{"/ruta", tg.Command{Handler: h.StartRoute, Description: "Actualizar ruta origen-destino"}},
		{"/poliza", tg.Command{Handler: h.ShowPolicy, Description: "Consultar una póliza"}},
		{"/cancelar", tg.Command{Handler: h.Cancel, Description: "Cancelar la operación en curso", Aliases: []string{"cancel"}}},
		{"/buscar", tg.Command{Handler: h.StartSearch, Description: "Buscar pólizas", AdminOnly: true}},
		{"/editar", tg.Command{Handler: h.StartEdit, Description: "Editar una póliza", AdminOnly: true}},
		{"/alta", tg.Command{Handler: h.StartCreate, Description: "Dar de alta una póliza", AdminOnly: true}},
		{"/borrar", tg.Command{Handler: h.StartDelete, Description: "Borrar pólizas", AdminOnly: true}},
		{"/restaurar", tg.Command{Handler: h.Restore, Description: "Restaurar un borrado", AdminOnly: true}},
		{"/stats", tg.Command{Handler: h.Stats, Description: "Estadísticas", AdminOnly: true}},
		{"/auditoria", tg.Command{Handler: h.AuditLog, Description: "Últimos cambios", AdminOnly: true}},
		{"/exportar", tg.Command{Handler: h.Export, Description: "Exportar pólizas a Excel", AdminOnly: true}},
		{"/limpiar", tg.Command{Handler: h.ForceCleanup, Description: "Limpiar estados vencidos", AdminOnly: true, Hidden: true}},
	}
	for _, c := range cmds {
		if err := reg.RegisterCommand(c.name, c.cmd); err != nil {
			return err
		}
	}

	cbs := map[string]tele.HandlerFunc{
		keyboard.CancelKey: h.Cancel,
		cbPaymentConfirm:   middleware.State(stepNames{h.st.Steps}, stepPaymentConfirm, h.expired)(h.ConfirmPayment),
		cbView:             h.ViewPolicy,
		cbSearchPage:       h.SearchPage,
		cbEditField:        h.PickEditField,
		cbDeleteConfirm:    h.ConfirmDelete,
	}
	for key, fn := range cbs {
		if err := reg.RegisterCallback(key, fn); err != nil {
			return err
		}
	}
	return nil
}

// Active reports whether free text in the update's scope belongs to a flow.
// Slash commands are never captured, so aliases such as /cancel still work.
func (h *Handlers) Active(c tele.Context) bool {
	if strings.HasPrefix(c.Text(), "/") {
		return false
	}
	s := state.ScopeFrom(c)
	if _, ok := h.adminAwaiting(c); ok {
		return true
	}
	if h.st.Steps.Has(s.ChatID, s.ThreadID) {
		return true
	}
	_, ok := h.contextFor(c)
	return ok
}

// Handle routes free text to the admin operation, the scope step or a
// sub-flow, in that order.
func (h *Handlers) Handle(c tele.Context) error {
	s := state.ScopeFrom(c)
	if op, ok := h.adminAwaiting(c); ok {
		return h.handleAdminText(c, op)
	}
	if step, ok := h.st.Steps.Get(s.ChatID, s.ThreadID); ok {
		return h.handleStep(c, step)
	}
	if fc, ok := h.contextFor(c); ok {
		return h.handleContextText(c, fc)
	}
	return h.reply(c, msgExpired)
}

// Cancel clears the state of the scope. Admin operations and sub-flows of
// other members are left alone.
func (h *Handlers) Cancel(c tele.Context) error {
	s := state.ScopeFrom(c)
	cleared := h.st.Coordinator.ClearFor(s, userID(c))
	total := 0
	for _, n := range cleared {
		total += n
	}
	logger.Info(helpers.BuildContext(c), "flows", "cancel",
		slog.String("ctx_key", s.Key()),
		slog.Int("cleared", total),
	)
	if total == 0 {
		return h.reply(c, msgNothing)
	}
	return h.reply(c, msgCancelled)
}

// expired tells the user their session is gone and drops leftovers of the scope.
func (h *Handlers) expired(c tele.Context) error {
	s := state.ScopeFrom(c)
	h.st.Steps.Delete(s.ChatID, s.ThreadID)
	logger.Info(helpers.BuildContext(c), "flows", "session.expired", slog.String("ctx_key", s.Key()))
	if c.Callback() != nil {
		return helpers.Alert(c, msgExpired)
	}
	return h.reply(c, msgExpired)
}

func (h *Handlers) reply(c tele.Context, text string, markup ...*tele.ReplyMarkup) error {
	return helpers.SendMD(c, text, markup...)
}

// fail reports an infrastructure error to the user and returns it coded for
// the handler summary.
func (h *Handlers) fail(c tele.Context, code string, err error) error {
	_ = h.reply(c, msgUnavailable)
	return &flowError{code: code, err: err}
}

func (h *Handlers) record(c tele.Context, action, target, details string) {
	ctx := helpers.BuildContext(c)
	var chatID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	e, err := h.audit.Record(ctx, audit.Entry{
		At:      h.now().UTC(),
		UserID:  userID(c),
		ChatID:  chatID,
		Action:  action,
		Target:  target,
		Details: details,
	})
	if err != nil {
		logger.Warn(ctx, "flows", "audit.skip", slog.String("action", action), slog.String("err", err.Error()))
		return
	}
	logger.Debug(ctx, "flows", "audit", slog.String("audit_id", e.ID.String()), slog.String("action", action))
}

func (h *Handlers) lookup(ctx context.Context, c tele.Context, number string) (*policies.Policy, error) {
	p, err := h.repo.FindByNumber(ctx, number)
	if errors.Is(err, policies.ErrNotFound) {
		return nil, h.reply(c, fmt.Sprintf(msgNotFound, escape(policies.NormalizeNumber(number))))
	}
	if err != nil {
		return nil, h.fail(c, "STORE_UNAVAILABLE", err)
	}
	return p, nil
}

func userID(c tele.Context) int64 {
	if u := c.Sender(); u != nil {
		return u.ID
	}
	return 0
}

func args(c tele.Context) string {
	return strings.TrimSpace(strings.Join(c.Args(), " "))
}

// flowError carries a stable code for handler logs.
type flowError struct {
	code string
	err  error
}

func (e *flowError) Error() string { return e.code + ": " + e.err.Error() }
func (e *flowError) Code() string  { return e.code }
func (e *flowError) Unwrap() error { return e.err }
