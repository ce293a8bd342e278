package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowStatesSaveGet(t *testing.T) {
	f := NewFlowStates(FlowOptions{})
	require.True(t, f.Save(100, "POL-1", map[string]any{"amount": 250}, nil))

	entry, ok := f.Get(100, "POL-1", nil)
	require.True(t, ok)
	require.Equal(t, 250, entry.Data["amount"])
	require.False(t, entry.CreatedAt.IsZero())

	entry.Data["amount"] = 1
	again, _ := f.Get(100, "POL-1", nil)
	require.Equal(t, 250, again.Data["amount"])
}

func TestFlowStatesRejectsInvalidKeys(t *testing.T) {
	f := NewFlowStates(FlowOptions{})
	require.False(t, f.Save(0, "POL-1", nil, nil))
	require.False(t, f.Save(1, "  ", nil, nil))
	require.Zero(t, f.Len())
}

func TestFlowStatesSaveReplacesUpdateMerges(t *testing.T) {
	clock := newFakeClock()
	f := NewFlowStates(FlowOptions{Clock: clock.Now})
	f.Save(1, "P", map[string]any{"a": 1, "b": 2}, nil)
	created := clock.Now()

	clock.Advance(time.Minute)
	require.True(t, f.Update(1, "P", map[string]any{"b": 3, "c": 4}, nil))
	e, _ := f.Get(1, "P", nil)
	require.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, e.Data)
	require.Equal(t, created, e.CreatedAt)

	f.Save(1, "P", map[string]any{"z": true}, nil)
	e, _ = f.Get(1, "P", nil)
	require.Equal(t, map[string]any{"z": true}, e.Data)
	require.Equal(t, clock.Now(), e.CreatedAt)

	require.False(t, f.Update(1, "missing", map[string]any{"x": 1}, nil))
}

func TestFlowStatesThreadIsolation(t *testing.T) {
	f := NewFlowStates(FlowOptions{})
	f.Save(1, "P", map[string]any{"t": 1}, Thread(1))
	f.Save(1, "P", map[string]any{"t": 2}, Thread(2))

	require.True(t, f.Clear(1, "P", Thread(1)))
	require.False(t, f.Has(1, "P", Thread(1)))
	require.True(t, f.Has(1, "P", Thread(2)))
	require.False(t, f.Clear(1, "P", Thread(1)))
}

func TestFlowStatesClearAllAndActive(t *testing.T) {
	f := NewFlowStates(FlowOptions{})
	f.Save(1, "B", nil, nil)
	f.Save(1, "A", nil, nil)
	f.Save(1, "C", nil, Thread(3))

	active := f.ActiveFlows(1, nil)
	require.Len(t, active, 2)
	require.Equal(t, "A", active[0].Policy)
	require.Equal(t, "B", active[1].Policy)

	require.Equal(t, 2, f.ClearAll(1, nil))
	require.Empty(t, f.ActiveFlows(1, nil))
	require.Equal(t, 1, f.ClearScope(Scope{ChatID: 1, ThreadID: Thread(3)}))
	require.Zero(t, f.Len())
}

func TestFlowStatesValidateThreadMatch(t *testing.T) {
	f := NewFlowStates(FlowOptions{})
	f.Save(1, "P", nil, Thread(7))

	require.True(t, f.ValidateThreadMatch(1, "P", Thread(7)))
	// Action arriving without a thread while the flow lives in topic 7.
	require.False(t, f.ValidateThreadMatch(1, "P", nil))
	// Unknown flow in another chat is allowed in fail-open mode.
	require.True(t, f.ValidateThreadMatch(2, "P", nil))
	require.True(t, f.ValidateThreadMatch(1, "P", Thread(8)))
}

func TestFlowStatesValidateThreadMatchStrict(t *testing.T) {
	f := NewFlowStates(FlowOptions{StrictThreads: true})
	f.Save(1, "P", nil, nil)

	require.True(t, f.ValidateThreadMatch(1, "P", nil))
	require.False(t, f.ValidateThreadMatch(1, "P", Thread(2)))
	require.False(t, f.ValidateThreadMatch(1, "Q", nil))
}

func TestFlowStatesCleanup(t *testing.T) {
	clock := newFakeClock()
	f := NewFlowStates(FlowOptions{TTL: time.Hour, Clock: clock.Now})
	f.Save(1, "OLD", nil, nil)
	clock.Advance(90 * time.Minute)
	f.Save(1, "NEW", nil, nil)

	n, err := f.Cleanup(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, f.Has(1, "OLD", nil))
	require.True(t, f.Has(1, "NEW", nil))

	n, err = f.Cleanup(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestFlowStatesCleanupMonotonic(t *testing.T) {
	clock := newFakeClock()
	f := NewFlowStates(FlowOptions{Clock: clock.Now})
	for i, p := range []string{"A", "B", "C", "D"} {
		f.Save(1, p, nil, nil)
		if i < 3 {
			clock.Advance(10 * time.Minute)
		}
	}
	base := clock.Now()

	n, _ := f.Cleanup(context.Background(), base.Add(-25*time.Minute))
	require.Equal(t, 1, n)
	n, _ = f.Cleanup(context.Background(), base.Add(-5*time.Minute))
	require.Equal(t, 2, n)
	require.Equal(t, 1, f.Len())
}
