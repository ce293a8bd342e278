package state

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/policybot/core/logger"
)

// DefaultFlowTTL bounds how long a policy flow entry survives without being replaced.
const DefaultFlowTTL = 2 * time.Hour

// FlowEntry is the transient data of one policy flow inside a scope.
type FlowEntry struct {
	Data      map[string]any
	CreatedAt time.Time
}

// ActiveFlow describes a running flow for diagnostics.
type ActiveFlow struct {
	Policy    string
	Data      map[string]any
	CreatedAt time.Time
}

// FlowOptions configures FlowStates.
type FlowOptions struct {
	// TTL is applied by Cleanup when called with a zero cutoff.
	TTL time.Duration
	// StrictThreads makes ValidateThreadMatch fail closed when the flow is
	// not found in the exact scope.
	StrictThreads bool
	Clock         Clock
}

// FlowStates stores data of in-progress flows keyed by scope and policy number.
type FlowStates struct {
	mu     sync.RWMutex
	flows  map[string]map[string]*FlowEntry
	ttl    time.Duration
	strict bool
	now    Clock
}

// NewFlowStates constructs an empty store.
func NewFlowStates(opts FlowOptions) *FlowStates {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &FlowStates{
		flows:  make(map[string]map[string]*FlowEntry),
		ttl:    ttl,
		strict: opts.StrictThreads,
		now:    clockOrNow(opts.Clock),
	}
}

func validFlowKey(chatID int64, policy string) bool {
	return chatID != 0 && strings.TrimSpace(policy) != ""
}

// Save inserts or replaces the flow entry of policy in the given scope.
func (f *FlowStates) Save(chatID int64, policy string, data map[string]any, threadID *int) bool {
	if !validFlowKey(chatID, policy) {
		logger.Warn(logger.Background(), "state", "flow.save.invalid",
			slog.Int64("chat_id", chatID),
			slog.String("policy", policy),
		)
		return false
	}
	key := ContextKey(chatID, threadID)
	f.mu.Lock()
	defer f.mu.Unlock()
	inner, ok := f.flows[key]
	if !ok {
		inner = make(map[string]*FlowEntry)
		f.flows[key] = inner
	}
	inner[policy] = &FlowEntry{Data: cloneData(data), CreatedAt: f.now()}
	logger.Debug(logger.Background(), "state", "flow.save",
		slog.String("ctx_key", key),
		slog.String("policy", policy),
	)
	return true
}

// Update shallow-merges patch into an existing entry. It keeps CreatedAt.
func (f *FlowStates) Update(chatID int64, policy string, patch map[string]any, threadID *int) bool {
	key := ContextKey(chatID, threadID)
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.flows[key][policy]
	if !ok {
		logger.Warn(logger.Background(), "state", "flow.update.missing",
			slog.String("ctx_key", key),
			slog.String("policy", policy),
		)
		return false
	}
	if entry.Data == nil {
		entry.Data = make(map[string]any, len(patch))
	}
	maps.Copy(entry.Data, patch)
	return true
}

// Get returns a copy of the flow entry of policy in the given scope.
func (f *FlowStates) Get(chatID int64, policy string, threadID *int) (*FlowEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.flows[ContextKey(chatID, threadID)][policy]
	if !ok {
		return nil, false
	}
	return &FlowEntry{Data: cloneData(entry.Data), CreatedAt: entry.CreatedAt}, true
}

// Has reports whether policy has a flow entry in the given scope.
func (f *FlowStates) Has(chatID int64, policy string, threadID *int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.flows[ContextKey(chatID, threadID)][policy]
	return ok
}

// Clear removes the entry of policy and drops the scope map once it is empty.
func (f *FlowStates) Clear(chatID int64, policy string, threadID *int) bool {
	key := ContextKey(chatID, threadID)
	f.mu.Lock()
	defer f.mu.Unlock()
	inner, ok := f.flows[key]
	if !ok {
		return false
	}
	if _, ok := inner[policy]; !ok {
		return false
	}
	delete(inner, policy)
	if len(inner) == 0 {
		delete(f.flows, key)
	}
	return true
}

// ClearAll removes every flow of the given scope.
func (f *FlowStates) ClearAll(chatID int64, threadID *int) int {
	key := ContextKey(chatID, threadID)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.flows[key])
	delete(f.flows, key)
	return n
}

// ClearScope implements ScopeClearer.
func (f *FlowStates) ClearScope(s Scope) int {
	return f.ClearAll(s.ChatID, s.ThreadID)
}

// ActiveFlows lists the flows of a scope ordered by policy number.
func (f *FlowStates) ActiveFlows(chatID int64, threadID *int) []ActiveFlow {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inner := f.flows[ContextKey(chatID, threadID)]
	out := make([]ActiveFlow, 0, len(inner))
	for policy, e := range inner {
		out = append(out, ActiveFlow{Policy: policy, Data: cloneData(e.Data), CreatedAt: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Policy < out[j].Policy })
	return out
}

// ValidateThreadMatch reports whether an action on policy may proceed in
// the given scope. A flow anchored to another thread of the same chat is a
// conflict when the caller supplies no thread. Without a conflict the
// result is permissive unless StrictThreads is set.
func (f *FlowStates) ValidateThreadMatch(chatID int64, policy string, threadID *int) bool {
	key := ContextKey(chatID, threadID)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.flows[key][policy]; ok {
		return true
	}
	if threadID != nil {
		return !f.strict
	}
	for other, inner := range f.flows {
		if other == key || !keyBelongsToChat(other, chatID) {
			continue
		}
		if _, ok := inner[policy]; ok {
			logger.Warn(logger.Background(), "state", "flow.thread_conflict",
				slog.Int64("chat_id", chatID),
				slog.String("policy", policy),
				slog.String("found_in", other),
			)
			return false
		}
	}
	return !f.strict
}

// Len returns the number of flow entries across all scopes.
func (f *FlowStates) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, inner := range f.flows {
		n += len(inner)
	}
	return n
}

// Cleanup removes entries created before cutoff. A zero cutoff means now minus TTL.
func (f *FlowStates) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		cutoff = f.now().Add(-f.ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for key, inner := range f.flows {
		for policy, e := range inner {
			if e.CreatedAt.Before(cutoff) {
				delete(inner, policy)
				removed++
			}
		}
		if len(inner) == 0 {
			delete(f.flows, key)
		}
	}
	return removed, nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	maps.Copy(out, data)
	return out
}
