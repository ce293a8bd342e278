package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func TestStateMapRoundTrip(t *testing.T) {
	m := NewStateMap[string](nil)
	m.Set(10, "awaiting_number", nil)
	m.Set(10, "awaiting_phone", Thread(4))

	v, ok := m.Get(10, nil)
	require.True(t, ok)
	require.Equal(t, "awaiting_number", v)

	v, ok = m.Get(10, Thread(4))
	require.True(t, ok)
	require.Equal(t, "awaiting_phone", v)

	_, ok = m.Get(10, Thread(5))
	require.False(t, ok)
	require.False(t, m.Has(11, nil))
	require.Equal(t, 2, m.Len())
}

func TestStateMapThreadIsolation(t *testing.T) {
	m := NewStateMap[bool](nil)
	m.Set(1, true, Thread(1))
	m.Set(1, true, Thread(2))

	require.True(t, m.Delete(1, Thread(1)))
	require.False(t, m.Has(1, Thread(1)))
	require.True(t, m.Has(1, Thread(2)))
	require.False(t, m.Delete(1, Thread(1)))
}

func TestStateMapDeleteAll(t *testing.T) {
	m := NewStateMap[int](nil)
	m.Set(5, 1, nil)
	m.Set(5, 2, Thread(1))
	m.Set(5, 3, Thread(2))
	m.Set(55, 4, nil)
	m.Set(-5, 5, nil)

	require.Len(t, m.AllByChat(5), 3)
	require.Equal(t, 3, m.DeleteAll(5))
	require.Empty(t, m.AllByChat(5))
	require.True(t, m.Has(55, nil))
	require.True(t, m.Has(-5, nil))
	require.Equal(t, 0, m.DeleteAll(5))
}

func TestStateMapClearScopeIsExact(t *testing.T) {
	m := NewStateMap[int](nil)
	m.Set(5, 1, nil)
	m.Set(5, 2, Thread(1))

	require.Equal(t, 1, m.ClearScope(Scope{ChatID: 5, ThreadID: Thread(1)}))
	require.True(t, m.Has(5, nil))
	require.Equal(t, 0, m.ClearScope(Scope{ChatID: 5, ThreadID: Thread(1)}))
}

func TestStateMapSnapshotIsCopy(t *testing.T) {
	m := NewStateMap[int](nil)
	m.Set(1, 1, nil)
	snap := m.Snapshot()
	snap["1"] = 99
	v, _ := m.Get(1, nil)
	require.Equal(t, 1, v)

	m.Clear()
	require.Zero(t, m.Len())
}

func TestStateMapCleanup(t *testing.T) {
	clock := newFakeClock()
	m := NewStateMap[string](clock.Now)
	m.Set(1, "old", nil)
	clock.Advance(time.Hour)
	m.Set(2, "new", nil)

	ctx := context.Background()
	n, err := m.Cleanup(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, m.Has(1, nil))
	require.True(t, m.Has(2, nil))

	n, err = m.Cleanup(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStateMapConcurrentAccess(t *testing.T) {
	m := NewStateMap[int](nil)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 100 {
				m.Set(int64(i), j, Thread(j%3))
				m.Get(int64(i), Thread(j%3))
				if j%10 == 0 {
					m.DeleteAll(int64(i))
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, m.Len(), 16*3)
}
