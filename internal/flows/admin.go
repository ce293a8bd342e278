package flows

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/telegram/callbacks"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/keyboard"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
)

// Admin operations and what each waits for in the "await" data key.
const (
	opSearch = "search"
	opEdit   = "edit"
	opCreate = "create"
	opDelete = "delete"

	dataAwait = "await"

	awaitQuery     = "query"
	awaitNumber    = "number"
	awaitValue     = "value"
	awaitNumbers   = "numbers"
	awaitHolder    = "holder"
	awaitInsurer   = "insurer"
	awaitStartDate = "start_date"

	cbView          = "view"
	cbSearchPage    = "search_page"
	cbEditField     = "edit_field"
	cbDeleteConfirm = "del_ok"

	searchTTL      = 10 * time.Minute
	searchLimit    = 100
	searchPageSize = 5
	deleteMax      = 50
	backWord       = "atras"
)

// adminAwaiting returns the admin operation of the sender when it expects text.
func (h *Handlers) adminAwaiting(c tele.Context) (*state.AdminState, bool) {
	op, ok := h.st.Admin.Get(userID(c), state.ScopeFrom(c).ChatID)
	if !ok {
		return nil, false
	}
	if await, _ := op.Data[dataAwait].(string); await == "" {
		return nil, false
	}
	return op, true
}

func (h *Handlers) adminUpdate(c tele.Context, data map[string]any) bool {
	return h.st.Admin.Update(userID(c), state.ScopeFrom(c).ChatID, data) != nil
}

func (h *Handlers) adminClear(c tele.Context) {
	h.st.Admin.Clear(userID(c), state.ScopeFrom(c).ChatID)
}

// adminOp returns the sender's operation when it is op, answering expired otherwise.
func (h *Handlers) adminOp(c tele.Context, op string) (*state.AdminState, error) {
	st, ok := h.st.Admin.Get(userID(c), state.ScopeFrom(c).ChatID)
	if !ok || st.Operation != op {
		return nil, h.expired(c)
	}
	return st, nil
}

func (h *Handlers) handleAdminText(c tele.Context, op *state.AdminState) error {
	text := strings.TrimSpace(c.Text())
	await, _ := op.Data[dataAwait].(string)
	logger.Debug(helpers.BuildContext(c), "flows", "admin.input",
		slog.String("operation", op.Operation),
		slog.String("state", await),
	)
	switch op.Operation {
	case opSearch:
		return h.runSearch(c, text)
	case opEdit:
		if await == awaitNumber {
			return h.editNumber(c, text)
		}
		return h.editValue(c, op, text)
	case opCreate:
		return h.createStep(c, op, await, text)
	case opDelete:
		return h.deleteNumbers(c, text)
	}
	return h.expired(c)
}

// StartSearch searches right away with an argument, otherwise asks for a query.
func (h *Handlers) StartSearch(c tele.Context) error {
	if q := args(c); q != "" {
		return h.runSearch(c, q)
	}
	h.st.Admin.Create(userID(c), state.ScopeFrom(c).ChatID, opSearch, map[string]any{dataAwait: awaitQuery})
	return h.reply(c, "🔎 Envía el número de póliza o el nombre del titular.", keyboard.WithCancel())
}

func searchKey(c tele.Context) string {
	return strconv.FormatInt(userID(c), 10) + ":" + strconv.FormatInt(state.ScopeFrom(c).ChatID, 10)
}

func (h *Handlers) runSearch(c tele.Context, q string) error {
	if q == "" {
		return h.reply(c, "Escribe algo para buscar.")
	}
	ctx := helpers.BuildContext(c)
	found, err := h.repo.Search(ctx, q, searchLimit)
	if err != nil {
		return h.fail(c, "SEARCH_FAILED", err)
	}
	h.st.Admin.Create(userID(c), state.ScopeFrom(c).ChatID, opSearch, map[string]any{"query": q})
	if len(found) == 0 {
		h.adminClear(c)
		return h.reply(c, fmt.Sprintf("Sin resultados para _%s_.", escape(q)))
	}
	h.results.Set(searchKey(c), found, cache.DefaultExpiration)
	logger.Info(ctx, "flows", "search",
		slog.Int("count", len(found)),
	)
	return h.renderPage(c, found, 0)
}

func (h *Handlers) renderPage(c tele.Context, found []policies.Policy, page int) error {
	pages := (len(found) + searchPageSize - 1) / searchPageSize
	page = max(0, min(page, pages-1))
	start := page * searchPageSize
	end := min(start+searchPageSize, len(found))

	var b strings.Builder
	fmt.Fprintf(&b, "Resultados %d-%d de %d:\n", start+1, end, len(found))
	rows := make([][]keyboard.Btn, 0, end-start+1)
	for _, p := range found[start:end] {
		fmt.Fprintf(&b, "• *%s* %s\n", escape(p.Number), escape(p.Holder))
		rows = append(rows, []keyboard.Btn{{Text: p.Number + " · " + p.Holder, Key: cbView, Payload: []string{p.Number}}})
	}
	var nav []keyboard.Btn
	if page > 0 {
		nav = append(nav, keyboard.Btn{Text: "◀️", Key: cbSearchPage, Payload: []string{strconv.Itoa(page - 1)}})
	}
	if page < pages-1 {
		nav = append(nav, keyboard.Btn{Text: "▶️", Key: cbSearchPage, Payload: []string{strconv.Itoa(page + 1)}})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return helpers.EditOrSendMD(c, b.String(), keyboard.WithCancel(rows...))
}

// SearchPage shows another page of the cached results.
func (h *Handlers) SearchPage(c tele.Context) error {
	if op, err := h.adminOp(c, opSearch); op == nil {
		return err
	}
	cached, ok := h.results.Get(searchKey(c))
	if !ok {
		return h.expired(c)
	}
	page, err := callbacks.PayloadInt64(c)
	if err != nil {
		return h.expired(c)
	}
	return h.renderPage(c, cached.([]policies.Policy), int(page))
}

// StartEdit begins a field edit.
func (h *Handlers) StartEdit(c tele.Context) error {
	h.st.Admin.Create(userID(c), state.ScopeFrom(c).ChatID, opEdit, map[string]any{dataAwait: awaitNumber})
	if number := args(c); number != "" {
		return h.editNumber(c, number)
	}
	return h.reply(c, "✏️ ¿Qué póliza quieres editar? Envía el número.", keyboard.WithCancel())
}

func (h *Handlers) editNumber(c tele.Context, number string) error {
	p, err := h.lookup(helpers.BuildContext(c), c, number)
	if p == nil {
		return err
	}
	if !h.adminUpdate(c, map[string]any{dataPolicy: p.Number, dataAwait: ""}) {
		return h.expired(c)
	}
	btns := make([]keyboard.Btn, 0, len(policies.EditableFields))
	for _, f := range policies.EditableFields {
		btns = append(btns, keyboard.Btn{Text: f.Label, Key: cbEditField, Payload: []string{string(f.Field)}})
	}
	return h.reply(c, policyCard(p)+"\n¿Qué campo quieres cambiar?", keyboard.WithCancel(keyboard.Columns(btns, 2)...))
}

// PickEditField selects the field and asks for its value.
func (h *Handlers) PickEditField(c tele.Context) error {
	op, err := h.adminOp(c, opEdit)
	if op == nil {
		return err
	}
	field, ferr := policies.ParseField(callbacks.Payload(c))
	if ferr != nil {
		return helpers.Alert(c, "Campo no editable.")
	}
	if _, ok := op.Data[dataPolicy].(string); !ok {
		return h.expired(c)
	}
	h.adminUpdate(c, map[string]any{"field": string(field), dataAwait: awaitValue})
	return helpers.EditOrSendMD(c, fmt.Sprintf("Envía el nuevo valor de *%s*.", field.Label()), keyboard.WithCancel())
}

func (h *Handlers) editValue(c tele.Context, op *state.AdminState, value string) error {
	number, _ := op.Data[dataPolicy].(string)
	raw, _ := op.Data["field"].(string)
	field, err := policies.ParseField(raw)
	if number == "" || err != nil {
		return h.expired(c)
	}
	ctx := helpers.BuildContext(c)
	if err := h.repo.UpdateField(ctx, number, field, value); err != nil {
		switch {
		case errors.Is(err, policies.ErrInvalidValue):
			return h.reply(c, "El valor no es válido, inténtalo de nuevo.")
		case errors.Is(err, policies.ErrNotFound):
			h.adminClear(c)
			return h.reply(c, fmt.Sprintf(msgNotFound, escape(number)))
		}
		return h.fail(c, "EDIT_FAILED", err)
	}
	h.record(c, audit.ActionEdit, number, string(field)+"="+value)
	h.adminClear(c)
	return h.reply(c, fmt.Sprintf("✅ *%s* actualizado en la póliza *%s*.", field.Label(), escape(number)))
}

// StartCreate collects a new policy field by field. Each "atras" goes one step back.
func (h *Handlers) StartCreate(c tele.Context) error {
	h.st.Admin.Create(userID(c), state.ScopeFrom(c).ChatID, opCreate, map[string]any{dataAwait: awaitNumber})
	return h.reply(c, "🆕 *Alta de póliza*\nNúmero de póliza:", keyboard.WithCancel())
}

var createPrompts = map[string]string{
	awaitNumber:    "Número de póliza:",
	awaitHolder:    "Nombre del titular:",
	awaitInsurer:   "Aseguradora:",
	awaitStartDate: "Fecha de inicio (dd/mm/aaaa):",
}

func (h *Handlers) createStep(c tele.Context, op *state.AdminState, await, text string) error {
	if strings.EqualFold(text, backWord) {
		prev, ok := h.st.Admin.Revert(userID(c), state.ScopeFrom(c).ChatID)
		if !ok {
			return h.reply(c, createPrompts[awaitNumber])
		}
		back, _ := prev.Data[dataAwait].(string)
		return h.reply(c, createPrompts[back])
	}
	if text == "" {
		return h.reply(c, createPrompts[await])
	}

	ctx := helpers.BuildContext(c)
	switch await {
	case awaitNumber:
		number := policies.NormalizeNumber(text)
		if _, err := h.repo.FindByNumber(ctx, number); err == nil {
			return h.reply(c, fmt.Sprintf("La póliza *%s* ya existe.", escape(number)))
		} else if !errors.Is(err, policies.ErrNotFound) {
			return h.fail(c, "STORE_UNAVAILABLE", err)
		}
		h.adminUpdate(c, map[string]any{dataPolicy: number, dataAwait: awaitHolder})
		return h.reply(c, createPrompts[awaitHolder])
	case awaitHolder:
		h.adminUpdate(c, map[string]any{"holder": text, dataAwait: awaitInsurer})
		return h.reply(c, createPrompts[awaitInsurer])
	case awaitInsurer:
		h.adminUpdate(c, map[string]any{"insurer": text, dataAwait: awaitStartDate})
		return h.reply(c, createPrompts[awaitStartDate])
	case awaitStartDate:
		start, ok := helpers.ParseDate(text, h.now().Location())
		if !ok {
			return h.reply(c, "Fecha no válida. "+createPrompts[awaitStartDate])
		}
		p := &policies.Policy{StartDate: start}
		p.Number, _ = op.Data[dataPolicy].(string)
		p.Holder, _ = op.Data["holder"].(string)
		p.Insurer, _ = op.Data["insurer"].(string)
		if err := h.repo.Create(ctx, p); err != nil {
			if errors.Is(err, policies.ErrDuplicate) {
				h.adminClear(c)
				return h.reply(c, fmt.Sprintf("La póliza *%s* ya existe.", escape(p.Number)))
			}
			return h.fail(c, "CREATE_FAILED", err)
		}
		h.record(c, audit.ActionCreate, p.Number, p.Holder)
		h.adminClear(c)
		return h.reply(c, "✅ Póliza creada.\n"+policyCard(p))
	}
	return h.expired(c)
}

// StartDelete asks for the policy numbers to delete.
func (h *Handlers) StartDelete(c tele.Context) error {
	h.st.Admin.Create(userID(c), state.ScopeFrom(c).ChatID, opDelete, map[string]any{dataAwait: awaitNumbers})
	return h.reply(c, fmt.Sprintf("🗑 Envía los números de póliza a borrar, separados por espacio, coma o salto de línea (máximo %d).", deleteMax), keyboard.WithCancel())
}

// parseNumbers splits a list of policy numbers and drops duplicates.
func parseNumbers(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		n := policies.NormalizeNumber(f)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (h *Handlers) deleteNumbers(c tele.Context, text string) error {
	numbers := parseNumbers(text)
	if len(numbers) == 0 {
		return h.reply(c, "No encontré números en el mensaje.")
	}
	if len(numbers) > deleteMax {
		return h.reply(c, fmt.Sprintf("Son %d números; el máximo es %d.", len(numbers), deleteMax))
	}
	ctx := helpers.BuildContext(c)
	var found, missing []string
	for _, n := range numbers {
		_, err := h.repo.FindByNumber(ctx, n)
		switch {
		case err == nil:
			found = append(found, n)
		case errors.Is(err, policies.ErrNotFound):
			missing = append(missing, n)
		default:
			return h.fail(c, "STORE_UNAVAILABLE", err)
		}
	}
	if len(found) == 0 {
		return h.reply(c, "Ninguna de esas pólizas existe.")
	}
	batch := uuid.NewString()
	h.adminUpdate(c, map[string]any{"numbers": found, "batch": batch, dataAwait: ""})

	var b strings.Builder
	fmt.Fprintf(&b, "Se borrarán %d pólizas: %s", len(found), escape(strings.Join(found, ", ")))
	if len(missing) > 0 {
		fmt.Fprintf(&b, "\nNo existen: %s", escape(strings.Join(missing, ", ")))
	}
	return h.reply(c, b.String(), keyboard.Confirm(cbDeleteConfirm, batch))
}

// ConfirmDelete soft-deletes the pending batch.
func (h *Handlers) ConfirmDelete(c tele.Context) error {
	op, err := h.adminOp(c, opDelete)
	if op == nil {
		return err
	}
	batch, _ := op.Data["batch"].(string)
	numbers, _ := op.Data["numbers"].([]string)
	if batch == "" || batch != callbacks.Payload(c) || len(numbers) == 0 {
		return h.expired(c)
	}
	ctx := helpers.BuildContext(c)
	n, derr := h.repo.SoftDelete(ctx, numbers, batch)
	if derr != nil {
		return h.fail(c, "DELETE_FAILED", derr)
	}
	h.record(c, audit.ActionDelete, batch, strings.Join(numbers, ","))
	h.adminClear(c)
	logger.Info(ctx, "flows", "delete",
		slog.String("batch_id", batch),
		slog.Int("count", n),
	)
	return helpers.EditOrSendMD(c, fmt.Sprintf("🗑 %d pólizas borradas.\nPara deshacer: `/restaurar %s`", n, batch))
}

// Restore undoes a deletion batch.
func (h *Handlers) Restore(c tele.Context) error {
	batch := args(c)
	if batch == "" {
		return h.reply(c, "Uso: `/restaurar <lote>`")
	}
	ctx := helpers.BuildContext(c)
	n, err := h.repo.Restore(ctx, batch)
	if err != nil {
		return h.fail(c, "RESTORE_FAILED", err)
	}
	if n == 0 {
		return h.reply(c, "No hay pólizas borradas en ese lote.")
	}
	h.record(c, audit.ActionRestore, batch, strconv.Itoa(n))
	return h.reply(c, fmt.Sprintf("♻️ %d pólizas restauradas.", n))
}
