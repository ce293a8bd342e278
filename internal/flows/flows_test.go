package flows

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	tg "github.com/m3rciful/policybot/core/telegram"
	"github.com/m3rciful/policybot/core/telegram/state"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/policies"
)

const (
	testChat  int64 = -100500
	testUser  int64 = 42
	testAdmin int64 = 7
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeContext implements the parts of tele.Context the handlers touch.
type fakeContext struct {
	tele.Context
	upd    tele.Update
	args   []string
	store  map[string]any
	sent   *[]string
	alerts *[]string
}

func (f *fakeContext) Update() tele.Update { return f.upd }
func (f *fakeContext) Args() []string      { return f.args }
func (f *fakeContext) Callback() *tele.Callback {
	return f.upd.Callback
}

func (f *fakeContext) Message() *tele.Message {
	if f.upd.Message != nil {
		return f.upd.Message
	}
	if f.upd.Callback != nil {
		return f.upd.Callback.Message
	}
	return nil
}

func (f *fakeContext) Text() string {
	if f.upd.Message != nil {
		return f.upd.Message.Text
	}
	return ""
}

func (f *fakeContext) Sender() *tele.User {
	if f.upd.Callback != nil {
		return f.upd.Callback.Sender
	}
	if f.upd.Message != nil {
		return f.upd.Message.Sender
	}
	return nil
}

func (f *fakeContext) Chat() *tele.Chat {
	if msg := f.Message(); msg != nil {
		return msg.Chat
	}
	return nil
}

func (f *fakeContext) Get(key string) any { return f.store[key] }
func (f *fakeContext) Set(key string, v any) {
	f.store[key] = v
}

func (f *fakeContext) Send(what any, _ ...any) error {
	if s, ok := what.(string); ok {
		*f.sent = append(*f.sent, s)
	}
	return nil
}

func (f *fakeContext) EditOrSend(what any, opts ...any) error {
	return f.Send(what, opts...)
}

func (f *fakeContext) Respond(resp ...*tele.CallbackResponse) error {
	for _, r := range resp {
		*f.alerts = append(*f.alerts, r.Text)
	}
	return nil
}

type harness struct {
	t      *testing.T
	h      *Handlers
	st     *Stores
	repo   *fakeRepo
	audit  *audit.Memory
	clock  *fakeClock
	sent   []string
	alerts []string
	msgID  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	st, err := NewStores(StoreConfig{
		StateTimeout: time.Hour,
		AdminTimeout: 30 * time.Minute,
		ContextTTL:   time.Hour,
		Clock:        clock.Now,
	})
	require.NoError(t, err)
	repo := newFakeRepo(clock.Now)
	repo.put(&policies.Policy{Number: "POL1", Holder: "Ana Ruiz", Insurer: "Qualitas"})
	repo.put(&policies.Policy{Number: "POL2", Holder: "Luis Mora", Insurer: "GNP"})
	mem := audit.NewMemory(10)

	h, err := New(Deps{Policies: repo, Audit: mem, Stores: st, Now: clock.Now})
	require.NoError(t, err)
	hs := &harness{t: t, h: h, st: st, repo: repo, audit: mem, clock: clock, msgID: 100}
	h.prompt = func(c tele.Context, text string, _ *tele.SendOptions) (*tele.Message, error) {
		hs.sent = append(hs.sent, text)
		hs.msgID++
		return &tele.Message{ID: hs.msgID}, nil
	}
	return hs
}

func (hs *harness) ctx(upd tele.Update, args ...string) *fakeContext {
	return &fakeContext{upd: upd, args: args, store: map[string]any{}, sent: &hs.sent, alerts: &hs.alerts}
}

func message(user int64, thread int, text string) *tele.Message {
	return &tele.Message{
		ID:       1,
		Sender:   &tele.User{ID: user},
		Chat:     &tele.Chat{ID: testChat},
		ThreadID: thread,
		Text:     text,
	}
}

func (hs *harness) text(user int64, thread int, text string) *fakeContext {
	return hs.ctx(tele.Update{ID: 1, Message: message(user, thread, text)})
}

func (hs *harness) command(user int64, thread int, args ...string) *fakeContext {
	return hs.ctx(tele.Update{ID: 1, Message: message(user, thread, "/cmd")}, args...)
}

func (hs *harness) callback(user int64, thread int, data string) *fakeContext {
	return hs.ctx(tele.Update{ID: 1, Callback: &tele.Callback{
		ID:      "cb",
		Sender:  &tele.User{ID: user},
		Message: message(user, thread, ""),
		Data:    data,
	}})
}

// say feeds free text through the router entry points.
func (hs *harness) say(user int64, thread int, text string) {
	hs.t.Helper()
	c := hs.text(user, thread, text)
	require.True(hs.t, hs.h.Active(c), "text %q should belong to a flow", text)
	require.NoError(hs.t, hs.h.Handle(c))
}

func (hs *harness) last() string {
	if len(hs.sent) == 0 {
		return ""
	}
	return hs.sent[len(hs.sent)-1]
}

func TestPaymentFlow(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 0)))
	hs.say(testUser, 0, "pol1")
	require.Contains(t, hs.last(), "Ana Ruiz")

	hs.say(testUser, 0, "1,500.50 05/03/2025")
	require.Contains(t, hs.last(), "$1,500.50")
	require.Contains(t, hs.last(), "05/03/2025")

	require.NoError(t, hs.h.ConfirmPayment(hs.callback(testUser, 0, cbPaymentConfirm+"|POL1")))
	require.Contains(t, hs.last(), "registrado")

	p := hs.repo.get("POL1")
	require.Len(t, p.Payments, 1)
	require.InDelta(t, 1500.50, p.Payments[0].Amount, 0.001)
	require.Equal(t, testUser, p.Payments[0].RecordedBy)

	require.Zero(t, hs.st.Flows.Len())
	require.Zero(t, hs.st.Steps.Len())
	entries, err := hs.audit.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, audit.ActionPayment, entries[0].Action)
	require.Equal(t, "POL1", entries[0].Target)
}

func TestPaymentArgumentSkipsPrompt(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 0, "POL2")))
	step, ok := hs.st.Steps.Get(testChat, nil)
	require.True(t, ok)
	require.Equal(t, stepPaymentAmount, step.Name)
	require.Equal(t, "POL2", step.Policy)
}

func TestUnknownPolicyKeepsStep(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartService(hs.command(testUser, 0)))
	hs.say(testUser, 0, "NOPE")
	require.Contains(t, hs.last(), "No encontré")
	step, ok := hs.st.Steps.Get(testChat, nil)
	require.True(t, ok)
	require.Equal(t, stepServiceNumber, step.Name)
}

func TestServiceFlow(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartService(hs.command(testUser, 0, "POL1")))
	hs.say(testUser, 0, "Grúa a taller")
	require.Len(t, hs.repo.get("POL1").Services, 1)
	require.Equal(t, "Grúa a taller", hs.repo.get("POL1").Services[0].Description)
	require.False(t, hs.h.Active(hs.text(testUser, 0, "otra cosa")))
}

func TestThreadsAreIsolated(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 11, "POL1")))
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 22, "POL2")))

	hs.say(testUser, 11, "100")
	hs.say(testUser, 22, "200")

	require.NoError(t, hs.h.ConfirmPayment(hs.callback(testUser, 22, cbPaymentConfirm+"|POL2")))
	require.Empty(t, hs.repo.get("POL1").Payments)
	require.Len(t, hs.repo.get("POL2").Payments, 1)
	require.InDelta(t, 200.0, hs.repo.get("POL2").Payments[0].Amount, 0.001)

	step, ok := hs.st.Steps.Get(testChat, state.Thread(11))
	require.True(t, ok)
	require.Equal(t, stepPaymentConfirm, step.Name)
}

func TestConfirmFromOtherThreadIsRejected(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 11, "POL1")))
	hs.say(testUser, 11, "100")

	// A button pressed outside any topic must not complete the topic's flow.
	require.NoError(t, hs.h.ConfirmPayment(hs.callback(testUser, 0, cbPaymentConfirm+"|POL1")))
	require.Equal(t, msgOtherThread, hs.last())
	require.Empty(t, hs.repo.get("POL1").Payments)
}

func TestRegisteredConfirmNeedsConfirmStep(t *testing.T) {
	hs := newHarness(t)
	reg := tg.NewRegistry()
	require.NoError(t, hs.h.Register(reg))
	confirm, ok := reg.GetCallback(cbPaymentConfirm)
	require.True(t, ok)

	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 0, "POL1")))
	require.NoError(t, confirm(hs.callback(testUser, 0, cbPaymentConfirm+"|POL1")))
	require.Equal(t, []string{msgExpired}, hs.alerts)
	require.Empty(t, hs.repo.get("POL1").Payments)
}

func TestExpiredConfirmAlerts(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 0, "POL1")))
	hs.say(testUser, 0, "100")

	hs.clock.Advance(2 * time.Hour)
	res := hs.st.Cleanup.RunCleanup(context.Background())
	require.Equal(t, 1, res.Providers["flows"])
	require.Equal(t, 1, res.Providers["steps"])

	require.NoError(t, hs.h.ConfirmPayment(hs.callback(testUser, 0, cbPaymentConfirm+"|POL1")))
	require.Equal(t, []string{msgExpired}, hs.alerts)
	require.Empty(t, hs.repo.get("POL1").Payments)
}

func TestCancelClearsEveryStore(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testAdmin, 0, "POL1")))
	require.NoError(t, hs.h.StartPhone(hs.command(testAdmin, 0)))
	require.NoError(t, hs.h.StartEdit(hs.command(testAdmin, 0)))

	require.NoError(t, hs.h.Cancel(hs.command(testAdmin, 0)))
	require.Equal(t, msgCancelled, hs.last())
	require.Zero(t, hs.st.Steps.Len())
	require.Zero(t, hs.st.Flows.Len())
	require.Zero(t, hs.st.Admin.Len())
	require.Zero(t, hs.st.Contexts.Len())

	require.NoError(t, hs.h.Cancel(hs.command(testAdmin, 0)))
	require.Equal(t, msgNothing, hs.last())
}

func TestContextsRunSideBySide(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPhone(hs.command(testUser, 0, "POL1")))
	phonePrompt := hs.msgID
	require.NoError(t, hs.h.StartRoute(hs.command(testUser, 0, "POL2")))
	require.Equal(t, 2, hs.st.Contexts.Len())

	// Replying to the phone prompt reaches the phone sub-flow even though
	// the route sub-flow is newer.
	c := hs.text(testUser, 0, "55 1234 5678")
	c.upd.Message.ReplyTo = &tele.Message{ID: phonePrompt}
	require.True(t, hs.h.Active(c))
	require.NoError(t, hs.h.Handle(c))
	require.Equal(t, "5512345678", *hs.repo.get("POL1").Phone)

	hs.say(testUser, 0, "Monterrey - CDMX")
	require.Equal(t, "Monterrey", *hs.repo.get("POL2").Origin)
	require.Equal(t, "CDMX", *hs.repo.get("POL2").Destination)
	require.Zero(t, hs.st.Contexts.Len())
}

func TestContextIgnoresOtherMembersAndThreads(t *testing.T) {
	const other int64 = 99
	hs := newHarness(t)
	require.NoError(t, hs.h.StartRoute(hs.command(testUser, 5, "POL1")))

	require.False(t, hs.h.Active(hs.text(other, 9, "nos vemos - mañana")))
	require.False(t, hs.h.Active(hs.text(other, 5, "nos vemos - mañana")))
	require.False(t, hs.h.Active(hs.text(testUser, 9, "nos vemos - mañana")))
	require.NoError(t, hs.h.Handle(hs.text(other, 9, "nos vemos - mañana")))
	require.Equal(t, msgExpired, hs.last())
	require.Nil(t, hs.repo.get("POL1").Origin)

	hs.say(testUser, 5, "Monterrey - CDMX")
	require.Equal(t, "Monterrey", *hs.repo.get("POL1").Origin)

	require.NoError(t, hs.h.StartPhone(hs.command(testUser, 0)))
	require.False(t, hs.h.Active(hs.text(other, 0, "hola a todos")))
	require.Equal(t, 1, hs.st.Contexts.Len())
}

func TestCancelLeavesOtherMembersState(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartDelete(hs.command(testAdmin, 0)))
	require.NoError(t, hs.h.StartPhone(hs.command(testAdmin, 0)))

	require.NoError(t, hs.h.Cancel(hs.command(testUser, 9)))
	require.Equal(t, msgNothing, hs.last())
	_, ok := hs.st.Admin.Get(testAdmin, testChat)
	require.True(t, ok)
	require.Equal(t, 1, hs.st.Contexts.Len())

	require.NoError(t, hs.h.Cancel(hs.command(testUser, 0)))
	require.Equal(t, msgNothing, hs.last())
	require.Equal(t, 1, hs.st.Admin.Len())
}

func TestContextsKeepTheirOwnTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	st, err := NewStores(StoreConfig{StateTimeout: time.Hour, ContextTTL: 3 * time.Hour, Clock: clock.Now})
	require.NoError(t, err)
	st.Contexts.CreateFor(state.Scope{ChatID: testChat}, testUser, ctxPhoneNumber, "")

	clock.Advance(90 * time.Minute)
	res := st.Cleanup.RunCleanup(context.Background())
	require.Zero(t, res.Providers["contexts"])
	require.Equal(t, 1, st.Contexts.Len())

	clock.Advance(2 * time.Hour)
	res = st.Cleanup.RunCleanup(context.Background())
	require.Equal(t, 1, res.Providers["contexts"])
	require.Zero(t, st.Contexts.Len())
}

func TestContextAsksForNumber(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPhone(hs.command(testUser, 0)))
	hs.say(testUser, 0, "pol2")
	fc, ok := hs.st.Contexts.ByState(testChat, ctxPhoneValue)
	require.True(t, ok)
	require.Equal(t, "POL2", fc.Data[dataPolicy])
	require.Equal(t, hs.msgID, fc.Data[dataPrompt])

	hs.say(testUser, 0, "12")
	require.Contains(t, hs.last(), "no es válido")
	require.Equal(t, 1, hs.st.Contexts.Len())
}

func TestAdminOperationTakesPrecedence(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testAdmin, 0)))
	require.NoError(t, hs.h.StartSearch(hs.command(testAdmin, 0)))

	hs.say(testAdmin, 0, "ana")
	require.Contains(t, hs.last(), "POL1")
	step, ok := hs.st.Steps.Get(testChat, nil)
	require.True(t, ok)
	require.Equal(t, stepPaymentNumber, step.Name)

	// Results are shown; the next text goes back to the payment step.
	hs.say(testAdmin, 0, "POL2")
	step, _ = hs.st.Steps.Get(testChat, nil)
	require.Equal(t, stepPaymentAmount, step.Name)
}

func TestSearchPaging(t *testing.T) {
	hs := newHarness(t)
	for i := range 7 {
		hs.repo.put(&policies.Policy{Number: "ANA" + string(rune('A'+i)), Holder: "Ana"})
	}
	require.NoError(t, hs.h.StartSearch(hs.command(testAdmin, 0, "ana")))
	require.Contains(t, hs.last(), "Resultados 1-5 de 8")

	require.NoError(t, hs.h.SearchPage(hs.callback(testAdmin, 0, cbSearchPage+"|1")))
	require.Contains(t, hs.last(), "Resultados 6-8 de 8")

	require.NoError(t, hs.h.SearchPage(hs.callback(testUser, 0, cbSearchPage+"|1")))
	require.Equal(t, []string{msgExpired}, hs.alerts)
}

func TestEditFlow(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartEdit(hs.command(testAdmin, 0, "POL1")))
	op, ok := hs.st.Admin.Get(testAdmin, testChat)
	require.True(t, ok)
	require.Equal(t, "POL1", op.Data[dataPolicy])

	// Waiting for a button, so text is not captured.
	require.False(t, hs.h.Active(hs.text(testAdmin, 0, "hola")))

	require.NoError(t, hs.h.PickEditField(hs.callback(testAdmin, 0, cbEditField+"|insurer")))
	hs.say(testAdmin, 0, "AXA")
	require.Equal(t, "AXA", hs.repo.get("POL1").Insurer)
	require.Zero(t, hs.st.Admin.Len())

	entries, _ := hs.audit.Recent(context.Background(), 1)
	require.Equal(t, audit.ActionEdit, entries[0].Action)
	require.Equal(t, "insurer=AXA", entries[0].Details)
}

func TestCreateFlowWithBackStep(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartCreate(hs.command(testAdmin, 0)))
	hs.say(testAdmin, 0, "pol 9")
	hs.say(testAdmin, 0, "Nombre equivocado")
	hs.say(testAdmin, 0, backWord)
	require.Equal(t, createPrompts[awaitHolder], hs.last())
	hs.say(testAdmin, 0, backWord)
	require.Equal(t, createPrompts[awaitNumber], hs.last())
	op, ok := hs.st.Admin.Get(testAdmin, testChat)
	require.True(t, ok)
	require.Equal(t, awaitNumber, op.Data[dataAwait])
	require.Empty(t, op.History)

	hs.say(testAdmin, 0, "pol 9")
	hs.say(testAdmin, 0, "Marta Gil")
	hs.say(testAdmin, 0, "HDI")
	hs.say(testAdmin, 0, "01/02/2025")

	p := hs.repo.get("POL9")
	require.NotNil(t, p)
	require.Equal(t, "Marta Gil", p.Holder)
	require.Equal(t, "HDI", p.Insurer)
	require.Equal(t, time.February, p.StartDate.Month())
	require.Zero(t, hs.st.Admin.Len())
}

func TestDeleteAndRestore(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartDelete(hs.command(testAdmin, 0)))
	hs.say(testAdmin, 0, "pol1, POL2 pol1 missing")
	require.Contains(t, hs.last(), "Se borrarán 2")
	require.Contains(t, hs.last(), "MISSING")

	op, ok := hs.st.Admin.Get(testAdmin, testChat)
	require.True(t, ok)
	batch := op.Data["batch"].(string)

	require.NoError(t, hs.h.ConfirmDelete(hs.callback(testAdmin, 0, cbDeleteConfirm+"|other")))
	require.Equal(t, []string{msgExpired}, hs.alerts)

	require.NoError(t, hs.h.ConfirmDelete(hs.callback(testAdmin, 0, cbDeleteConfirm+"|"+batch)))
	require.True(t, hs.repo.get("POL1").Deleted)
	require.True(t, hs.repo.get("POL2").Deleted)
	require.Contains(t, hs.last(), batch)

	require.NoError(t, hs.h.Restore(hs.command(testAdmin, 0, batch)))
	require.False(t, hs.repo.get("POL1").Deleted)
	require.Contains(t, hs.last(), "2 pólizas restauradas")
}

func TestForceCleanupReport(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.h.StartPayment(hs.command(testUser, 0, "POL1")))
	hs.clock.Advance(3 * time.Hour)
	require.NoError(t, hs.h.ForceCleanup(hs.command(testAdmin, 0)))
	require.Contains(t, hs.last(), "2 estados eliminados")
	require.Contains(t, hs.last(), "flows: 1")
}

func TestStatsText(t *testing.T) {
	hs := newHarness(t)
	hs.h.stats = func() []string { return []string{"build v1.2.3"} }
	hs.st.Admin.Create(testAdmin, testChat, opEdit, nil)
	out := hs.h.StatsText(policies.Stats{Active: 3, ByInsurer: map[string]int{"GNP": 2, "AXA": 1}})
	require.Contains(t, out, "Pólizas activas: 3")
	require.Less(t, strings.Index(out, "AXA"), strings.Index(out, "GNP"))
	require.Contains(t, out, "admin edit: 1")
	require.Contains(t, out, "build v1.2.3")
}

func TestParseAmountDate(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	amount, date, err := parseAmountDate("$2,000", now)
	require.NoError(t, err)
	require.InDelta(t, 2000.0, amount, 0.001)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), date)

	_, date, err = parseAmountDate("10 1/2/2025", now)
	require.NoError(t, err)
	require.Equal(t, time.February, date.Month())

	for _, bad := range []string{"", "abc", "-5", "10 mañana", "1 2 3"} {
		_, _, err := parseAmountDate(bad, now)
		require.ErrorIs(t, err, errBadAmount, bad)
	}
}

func TestParseRoute(t *testing.T) {
	o, d, ok := parseRoute("San Luis Potosí - Ciudad de México")
	require.True(t, ok)
	require.Equal(t, "San Luis Potosí", o)
	require.Equal(t, "Ciudad de México", d)

	o, d, ok = parseRoute("GDL→MTY")
	require.True(t, ok)
	require.Equal(t, "GDL", o)
	require.Equal(t, "MTY", d)

	_, _, ok = parseRoute("solo origen")
	require.False(t, ok)
}

func TestParseNumbers(t *testing.T) {
	require.Equal(t, []string{"A1", "B2", "C3"}, parseNumbers("a1, b2;\nc3 A1"))
	require.Empty(t, parseNumbers(" ,; "))
}
