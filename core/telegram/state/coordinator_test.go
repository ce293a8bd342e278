package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoordinatorClearsEveryStore(t *testing.T) {
	awaiting := NewStateMap[string](nil)
	flows := NewFlowStates(FlowOptions{})
	contexts := NewFlowContexts(ContextOptions{})
	admin := NewAdminStates(AdminOptions{})

	coord := NewCoordinator()
	coord.Register("awaiting", awaiting)
	coord.Register("flows", flows)
	coord.Register("contexts", contexts)
	coord.Register("admin", admin)
	coord.Register("", awaiting)
	coord.Register("nil", nil)

	scope := Scope{ChatID: 1, ThreadID: Thread(3)}
	awaiting.Set(1, "x", Thread(3))
	awaiting.Set(1, "y", nil)
	flows.Save(1, "P", nil, Thread(3))
	flows.Save(1, "Q", nil, Thread(3))
	contexts.Create(1, "a", "P")
	admin.Create(9, 1, "edit", nil)

	got := coord.Clear(scope)
	require.Equal(t, map[string]int{"awaiting": 1, "flows": 2, "contexts": 1, "admin": 1}, got)
	require.True(t, awaiting.Has(1, nil))
	require.Zero(t, flows.Len())
}

func TestCoordinatorRegisterReplaces(t *testing.T) {
	coord := NewCoordinator()
	coord.Register("x", ScopeClearerFunc(func(Scope) int { return 1 }))
	coord.Register("x", ScopeClearerFunc(func(Scope) int { return 2 }))
	require.Equal(t, map[string]int{"x": 2}, coord.Clear(Scope{ChatID: 1}))
}

func TestCoordinatorClearForSparesOtherUsers(t *testing.T) {
	awaiting := NewStateMap[string](nil)
	contexts := NewFlowContexts(ContextOptions{})
	admin := NewAdminStates(AdminOptions{})
	coord := NewCoordinator()
	coord.Register("awaiting", awaiting)
	coord.Register("contexts", contexts)
	coord.Register("admin", admin)

	scope := Scope{ChatID: 1, ThreadID: Thread(9)}
	awaiting.Set(1, "x", Thread(9))
	admin.Create(7, 1, "delete", nil)
	contexts.CreateFor(scope, 7, "phone.value", "P")
	contexts.CreateFor(scope, 42, "route.value", "P")

	got := coord.ClearFor(scope, 42)
	require.Equal(t, map[string]int{"awaiting": 1, "contexts": 1, "admin": 0}, got)
	require.Equal(t, 1, admin.Len())
	require.Equal(t, 1, contexts.Len())
}
