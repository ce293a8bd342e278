package state

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/policybot/core/logger"
)

// DefaultContextTTL is how long a sub-flow survives without updates.
const DefaultContextTTL = 2 * time.Hour

const flowIDPrefix = "flow_"

// FlowContext is one named sub-flow of a chat, such as collecting a phone
// number. ThreadID and UserID record who opened it; zero values mean the
// sub-flow was created without an owner.
type FlowContext struct {
	FlowID    string
	State     string
	Policy    string
	Data      map[string]any
	ThreadID  *int
	UserID    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (fc *FlowContext) clone() *FlowContext {
	out := *fc
	out.Data = cloneData(fc.Data)
	if fc.ThreadID != nil {
		out.ThreadID = Thread(*fc.ThreadID)
	}
	return &out
}

// OwnedBy reports whether the sub-flow was opened by userID in the thread
// of s. The chat is implied by the store lookup.
func (fc *FlowContext) OwnedBy(s Scope, userID int64) bool {
	return fc.UserID == userID && ContextKey(0, fc.ThreadID) == ContextKey(0, s.ThreadID)
}

// ContextOptions configures FlowContexts.
type ContextOptions struct {
	TTL   time.Duration
	Clock Clock
}

// FlowContexts keeps several concurrent sub-flows per chat. At most one
// context holds a given state name in a chat: entering a state that another
// context holds replaces that context.
type FlowContexts struct {
	mu       sync.RWMutex
	contexts map[int64]map[string]*FlowContext
	counters map[int64]int
	ttl      time.Duration
	now      Clock
}

// NewFlowContexts constructs an empty store.
func NewFlowContexts(opts ContextOptions) *FlowContexts {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &FlowContexts{
		contexts: make(map[int64]map[string]*FlowContext),
		counters: make(map[int64]int),
		ttl:      ttl,
		now:      clockOrNow(opts.Clock),
	}
}

// dropState removes contexts of chatID in state other than keep. Callers hold f.mu.
func (f *FlowContexts) dropState(chatID int64, state, keep string) {
	for id, fc := range f.contexts[chatID] {
		if id != keep && fc.State == state {
			delete(f.contexts[chatID], id)
			logger.Debug(logger.Background(), "state", "context.replaced",
				slog.Int64("chat_id", chatID),
				slog.String("flow_id", id),
				slog.String("state", state),
			)
		}
	}
}

// Create starts a sub-flow and returns its per-chat id ("flow_1", "flow_2", ...).
func (f *FlowContexts) Create(chatID int64, state, policy string) string {
	return f.CreateFor(Scope{ChatID: chatID}, 0, state, policy)
}

// CreateFor starts a sub-flow owned by userID in the thread of s.
func (f *FlowContexts) CreateFor(s Scope, userID int64, state, policy string) string {
	chatID := s.ChatID
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[chatID]++
	id := flowIDPrefix + strconv.Itoa(f.counters[chatID])
	chat, ok := f.contexts[chatID]
	if !ok {
		chat = make(map[string]*FlowContext)
		f.contexts[chatID] = chat
	}
	f.dropState(chatID, state, id)
	chat[id] = &FlowContext{
		FlowID:    id,
		State:     state,
		Policy:    policy,
		Data:      make(map[string]any),
		ThreadID:  NewScope(chatID, s.ThreadID).ThreadID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// UpdateState moves a sub-flow to newState and shallow-merges data.
func (f *FlowContexts) UpdateState(chatID int64, flowID, newState string, data map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.contexts[chatID][flowID]
	if !ok {
		logger.Warn(logger.Background(), "state", "context.update.missing",
			slog.Int64("chat_id", chatID),
			slog.String("flow_id", flowID),
		)
		return false
	}
	if fc.State != newState {
		f.dropState(chatID, newState, flowID)
	}
	fc.State = newState
	maps.Copy(fc.Data, data)
	fc.UpdatedAt = f.now()
	return true
}

// Get returns a copy of the sub-flow.
func (f *FlowContexts) Get(chatID int64, flowID string) (*FlowContext, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, ok := f.contexts[chatID][flowID]
	if !ok {
		return nil, false
	}
	return fc.clone(), true
}

// ByState returns the sub-flow of chatID currently in state.
func (f *FlowContexts) ByState(chatID int64, state string) (*FlowContext, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, fc := range f.contexts[chatID] {
		if fc.State == state {
			return fc.clone(), true
		}
	}
	return nil, false
}

// All lists the sub-flows of chatID ordered by creation.
func (f *FlowContexts) All(chatID int64) []*FlowContext {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*FlowContext, 0, len(f.contexts[chatID]))
	for _, fc := range f.contexts[chatID] {
		out = append(out, fc.clone())
	}
	sort.Slice(out, func(i, j int) bool { return flowSeq(out[i].FlowID) < flowSeq(out[j].FlowID) })
	return out
}

func flowSeq(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, flowIDPrefix))
	return n
}

// Remove deletes one sub-flow.
func (f *FlowContexts) Remove(chatID int64, flowID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.contexts[chatID]
	if !ok {
		return false
	}
	if _, ok := chat[flowID]; !ok {
		return false
	}
	delete(chat, flowID)
	if len(chat) == 0 {
		delete(f.contexts, chatID)
	}
	return true
}

// ClearAll deletes every sub-flow of chatID. Id counters keep running so
// stale ids held by old buttons never match a new flow.
func (f *FlowContexts) ClearAll(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.contexts[chatID])
	delete(f.contexts, chatID)
	return n
}

// ClearScope implements ScopeClearer. Sub-flows are chat-wide.
func (f *FlowContexts) ClearScope(s Scope) int {
	return f.ClearAll(s.ChatID)
}

// OwnedBy lists the sub-flows of the scope's chat opened by userID in the
// scope's thread, ordered by creation.
func (f *FlowContexts) OwnedBy(s Scope, userID int64) []*FlowContext {
	all := f.All(s.ChatID)
	out := all[:0]
	for _, fc := range all {
		if fc.OwnedBy(s, userID) {
			out = append(out, fc)
		}
	}
	return out
}

// ClearFor implements UserScopeClearer: only the sub-flows userID opened
// in the scope's thread are removed.
func (f *FlowContexts) ClearFor(s Scope, userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat := f.contexts[s.ChatID]
	removed := 0
	for id, fc := range chat {
		if fc.OwnedBy(s, userID) {
			delete(chat, id)
			removed++
		}
	}
	if len(chat) == 0 {
		delete(f.contexts, s.ChatID)
	}
	return removed
}

// Len returns the number of sub-flows across chats.
func (f *FlowContexts) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, chat := range f.contexts {
		n += len(chat)
	}
	return n
}

// CleanupOld removes sub-flows not updated within the TTL.
func (f *FlowContexts) CleanupOld() int {
	n, _ := f.Cleanup(context.Background(), f.now().Add(-f.ttl))
	return n
}

// Cleanup removes sub-flows last updated before cutoff.
func (f *FlowContexts) Cleanup(_ context.Context, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		cutoff = f.now().Add(-f.ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for chatID, chat := range f.contexts {
		for id, fc := range chat {
			if fc.UpdatedAt.Before(cutoff) {
				delete(chat, id)
				removed++
			}
		}
		if len(chat) == 0 {
			delete(f.contexts, chatID)
		}
	}
	return removed, nil
}
