package state

import (
	"log/slog"
	"sync"

	"github.com/m3rciful/policybot/core/logger"
)

// ScopeClearer drops whatever a module keeps for a scope and reports how much.
type ScopeClearer interface {
	ClearScope(Scope) int
}

// ScopeClearerFunc adapts a function to ScopeClearer.
type ScopeClearerFunc func(Scope) int

// ClearScope calls f.
func (f ScopeClearerFunc) ClearScope(s Scope) int {
	return f(s)
}

// UserScopeClearer is implemented by modules whose state inside a scope
// belongs to individual users. Coordinator.ClearFor prefers it over
// ClearScope so one member cannot drop another member's state.
type UserScopeClearer interface {
	ClearFor(s Scope, userID int64) int
}

// Coordinator clears a scope across every registered module, so no module
// needs to know another's key format.
type Coordinator struct {
	mu       sync.RWMutex
	names    []string
	clearers map[string]ScopeClearer
}

// NewCoordinator constructs an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{clearers: make(map[string]ScopeClearer)}
}

// Register adds or replaces a clearer under name.
func (c *Coordinator) Register(name string, sc ScopeClearer) {
	if name == "" || sc == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.clearers[name]; !exists {
		c.names = append(c.names, name)
	}
	c.clearers[name] = sc
}

// Clear runs every clearer for the scope and returns the removed counts by name.
func (c *Coordinator) Clear(s Scope) map[string]int {
	return c.run(s, 0, func(sc ScopeClearer) int { return sc.ClearScope(s) })
}

// ClearFor clears the scope on behalf of userID: user-owned state of other
// members survives.
func (c *Coordinator) ClearFor(s Scope, userID int64) map[string]int {
	return c.run(s, userID, func(sc ScopeClearer) int {
		if uc, ok := sc.(UserScopeClearer); ok {
			return uc.ClearFor(s, userID)
		}
		return sc.ClearScope(s)
	})
}

func (c *Coordinator) run(s Scope, userID int64, apply func(ScopeClearer) int) map[string]int {
	c.mu.RLock()
	names := append([]string(nil), c.names...)
	clearers := make([]ScopeClearer, len(names))
	for i, n := range names {
		clearers[i] = c.clearers[n]
	}
	c.mu.RUnlock()

	out := make(map[string]int, len(names))
	total := 0
	for i, sc := range clearers {
		n := apply(sc)
		out[names[i]] = n
		total += n
	}
	attrs := []slog.Attr{
		slog.String("ctx_key", s.Key()),
		slog.Int("cleaned", total),
	}
	if userID != 0 {
		attrs = append(attrs, slog.Int64("user_id", userID))
	}
	logger.Debug(logger.Background(), "state", "scope.clear", attrs...)
	return out
}
