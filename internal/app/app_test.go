package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/policybot/core/config"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/config"
	"github.com/m3rciful/policybot/internal/policies"
)

// stubRepo satisfies policies.Repository; wiring never calls it.
type stubRepo struct{ policies.Repository }

func testConfig() *config.Config {
	return &config.Config{Config: coreconfig.Config{
		Telegram: coreconfig.TelegramConfig{Token: "t", AdminID: 7},
		State: coreconfig.StateConfig{
			CleanupInterval: time.Minute,
			StateTimeout:    time.Hour,
			AdminTimeout:    10 * time.Minute,
		},
	}}
}

func TestNewRegistersHandlers(t *testing.T) {
	a, err := New(testConfig(), stubRepo{}, audit.NewMemory(0))
	require.NoError(t, err)

	cmds := a.registry.Commands()
	for _, name := range []string{"/pago", "/servicio", "/telefono", "/ruta", "/buscar", "/borrar", "/cancelar", "/limpiar"} {
		require.Contains(t, cmds, name)
	}
	require.True(t, cmds["/borrar"].AdminOnly)
	require.False(t, cmds["/pago"].AdminOnly)
	require.NotNil(t, a.registry.CallbackNotFound())

	_, ok := a.registry.GetCallback("cancel")
	require.True(t, ok)
}

func TestCleanupProvidersRegistered(t *testing.T) {
	a, err := New(testConfig(), stubRepo{}, audit.NewMemory(0))
	require.NoError(t, err)
	st := a.stores.Cleanup.Stats()
	require.ElementsMatch(t, []string{"steps", "flows", "admin", "contexts"}, st.Providers)
	require.Equal(t, time.Minute, st.Interval)
	require.Equal(t, time.Hour, st.Timeout)
}

func TestReloadAppliesTimeouts(t *testing.T) {
	a, err := New(testConfig(), stubRepo{}, audit.NewMemory(0))
	require.NoError(t, err)

	next := testConfig()
	next.State.StateTimeout = 3 * time.Hour
	a.Reload(next)
	require.Equal(t, 3*time.Hour, a.stores.Cleanup.Stats().Timeout)
}

func TestTelegramRunOptions(t *testing.T) {
	a, err := New(testConfig(), stubRepo{}, audit.NewMemory(0))
	require.NoError(t, err)
	opts, err := a.TelegramRunOptions()
	require.NoError(t, err)
	require.Same(t, a.registry, opts.Registry)
	require.NotNil(t, opts.OnStart)
	require.NotNil(t, opts.OnStop)

	names := make([]string, 0, len(opts.Middlewares))
	for _, mw := range opts.Middlewares {
		names = append(names, mw.Name)
	}
	require.Equal(t, "scope", names[0])

	// One route per command plus text, document and callback routes.
	require.Len(t, opts.Routes, len(a.registry.Commands())+3)
}

func TestRuntimeLines(t *testing.T) {
	a, err := New(testConfig(), stubRepo{}, audit.NewMemory(0))
	require.NoError(t, err)
	lines := a.runtimeLines()
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "dev")
}
