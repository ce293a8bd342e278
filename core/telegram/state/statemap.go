package state

import (
	"context"
	"sync"
	"time"
)

type mapEntry[T any] struct {
	value     T
	updatedAt time.Time
}

// StateMap holds one value per conversation scope. Every "awaiting X" input
// state of the bot is a StateMap, so the same user can wait for different
// input in different threads of a chat.
type StateMap[T any] struct {
	mu      sync.RWMutex
	entries map[string]mapEntry[T]
	now     Clock
}

// NewStateMap constructs an empty map. A nil clock uses time.Now.
func NewStateMap[T any](clock Clock) *StateMap[T] {
	return &StateMap[T]{
		entries: make(map[string]mapEntry[T]),
		now:     clockOrNow(clock),
	}
}

// Set stores value for the chat and optional thread, replacing any previous value.
func (m *StateMap[T]) Set(chatID int64, value T, threadID *int) {
	key := ContextKey(chatID, threadID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = mapEntry[T]{value: value, updatedAt: m.now()}
}

// Get returns the value stored for the chat and optional thread.
func (m *StateMap[T]) Get(chatID int64, threadID *int) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[ContextKey(chatID, threadID)]
	return e.value, ok
}

// Has reports whether a value exists for the chat and optional thread.
func (m *StateMap[T]) Has(chatID int64, threadID *int) bool {
	_, ok := m.Get(chatID, threadID)
	return ok
}

// Delete removes the value for the chat and optional thread.
func (m *StateMap[T]) Delete(chatID int64, threadID *int) bool {
	key := ContextKey(chatID, threadID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

// DeleteAll removes the values of every thread of chatID and returns how many were removed.
func (m *StateMap[T]) DeleteAll(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.entries {
		if keyBelongsToChat(key, chatID) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// AllByChat returns the values of every thread of chatID keyed by context key.
func (m *StateMap[T]) AllByChat(chatID int64) map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T)
	for key, e := range m.entries {
		if keyBelongsToChat(key, chatID) {
			out[key] = e.value
		}
	}
	return out
}

// Snapshot copies the internal map. Intended for diagnostics only.
func (m *StateMap[T]) Snapshot() map[string]T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]T, len(m.entries))
	for key, e := range m.entries {
		out[key] = e.value
	}
	return out
}

// Len returns the number of stored values.
func (m *StateMap[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear drops every value.
func (m *StateMap[T]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]mapEntry[T])
}

// ClearScope removes the value of exactly this scope.
func (m *StateMap[T]) ClearScope(s Scope) int {
	if m.Delete(s.ChatID, s.ThreadID) {
		return 1
	}
	return 0
}

// Cleanup removes values last set before cutoff.
func (m *StateMap[T]) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, e := range m.entries {
		if e.updatedAt.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}
