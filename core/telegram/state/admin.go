package state

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m3rciful/policybot/core/logger"
)

// DefaultAdminTimeout is the inactivity window of an admin operation.
const DefaultAdminTimeout = 30 * time.Minute

// AdminSnapshot records the data of an admin state before an update.
type AdminSnapshot struct {
	Timestamp    time.Time
	PreviousData map[string]any
}

// AdminState is the single in-progress admin operation of a user in a chat.
type AdminState struct {
	Operation    string
	Data         map[string]any
	CreatedAt    time.Time
	LastActivity time.Time
	History      []AdminSnapshot
}

func (s *AdminState) clone() *AdminState {
	out := *s
	out.Data = cloneData(s.Data)
	out.History = make([]AdminSnapshot, len(s.History))
	for i, snap := range s.History {
		out.History[i] = AdminSnapshot{Timestamp: snap.Timestamp, PreviousData: cloneData(snap.PreviousData)}
	}
	return &out
}

// AdminOptions configures AdminStates.
type AdminOptions struct {
	Timeout time.Duration
	Clock   Clock
}

// AdminStates drives multi-step admin operations. Expiry is sliding: every
// read or update extends the session, and the sweep removes sessions idle
// for longer than the timeout.
type AdminStates struct {
	mu      sync.Mutex
	states  map[string]*AdminState
	timeout time.Duration
	now     Clock
}

// NewAdminStates constructs an empty store.
func NewAdminStates(opts AdminOptions) *AdminStates {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAdminTimeout
	}
	return &AdminStates{
		states:  make(map[string]*AdminState),
		timeout: timeout,
		now:     clockOrNow(opts.Clock),
	}
}

func adminKey(userID, chatID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(chatID, 10)
}

// SetTimeout changes the inactivity window for subsequent checks.
func (a *AdminStates) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// Create starts an operation, replacing whatever the user had in this chat.
func (a *AdminStates) Create(userID, chatID int64, operation string, data map[string]any) *AdminState {
	now := a.now()
	st := &AdminState{
		Operation:    operation,
		Data:         cloneData(data),
		CreatedAt:    now,
		LastActivity: now,
	}
	a.mu.Lock()
	a.states[adminKey(userID, chatID)] = st
	a.mu.Unlock()
	logger.Debug(logger.Background(), "state", "admin.create",
		slog.Int64("user_id", userID),
		slog.Int64("chat_id", chatID),
		slog.String("operation", operation),
	)
	return st.clone()
}

// lookup returns the live entry, dropping it when idle past the timeout.
// Callers hold a.mu.
func (a *AdminStates) lookup(key string, now time.Time) (*AdminState, bool) {
	st, ok := a.states[key]
	if !ok {
		return nil, false
	}
	if now.Sub(st.LastActivity) > a.timeout {
		delete(a.states, key)
		return nil, false
	}
	return st, true
}

// Get returns the current operation and extends its session.
func (a *AdminStates) Get(userID, chatID int64) (*AdminState, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.lookup(adminKey(userID, chatID), now)
	if !ok {
		return nil, false
	}
	st.LastActivity = now
	return st.clone(), true
}

// Update records a history snapshot and shallow-merges updates into the data.
// It returns nil when no operation is active.
func (a *AdminStates) Update(userID, chatID int64, updates map[string]any) *AdminState {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.lookup(adminKey(userID, chatID), now)
	if !ok {
		logger.Warn(logger.Background(), "state", "admin.update.missing",
			slog.Int64("user_id", userID),
			slog.Int64("chat_id", chatID),
		)
		return nil
	}
	st.History = append(st.History, AdminSnapshot{Timestamp: now, PreviousData: cloneData(st.Data)})
	if st.Data == nil {
		st.Data = make(map[string]any, len(updates))
	}
	maps.Copy(st.Data, updates)
	st.LastActivity = now
	return st.clone()
}

// Revert restores the data held before the last Update and drops that
// snapshot, so repeated calls walk back one step each. It returns false
// when the operation is absent or has no history.
func (a *AdminStates) Revert(userID, chatID int64) (*AdminState, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.lookup(adminKey(userID, chatID), now)
	if !ok || len(st.History) == 0 {
		return nil, false
	}
	last := st.History[len(st.History)-1]
	st.History = st.History[:len(st.History)-1]
	st.Data = cloneData(last.PreviousData)
	st.LastActivity = now
	return st.clone(), true
}

// Clear ends the operation of the user in the chat.
func (a *AdminStates) Clear(userID, chatID int64) bool {
	key := adminKey(userID, chatID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.states[key]; !ok {
		return false
	}
	delete(a.states, key)
	return true
}

// ClearScope removes the admin operations of every user in the scope's chat.
func (a *AdminStates) ClearScope(s Scope) int {
	suffix := ":" + strconv.FormatInt(s.ChatID, 10)
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key := range a.states {
		if strings.HasSuffix(key, suffix) {
			delete(a.states, key)
			removed++
		}
	}
	return removed
}

// ClearFor implements UserScopeClearer: only the requesting user's
// operation in the scope's chat is removed.
func (a *AdminStates) ClearFor(s Scope, userID int64) int {
	if a.Clear(userID, s.ChatID) {
		return 1
	}
	return 0
}

// Stats counts active operations by name.
func (a *AdminStates) Stats() map[string]int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int)
	for _, st := range a.states {
		if now.Sub(st.LastActivity) > a.timeout {
			continue
		}
		out[st.Operation]++
	}
	return out
}

// Len returns the number of stored operations, expired ones included until swept.
func (a *AdminStates) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// Cleanup sweeps operations idle for longer than the admin timeout. The
// shared cutoff is ignored: admin sessions have their own window.
func (a *AdminStates) Cleanup(_ context.Context, _ time.Time) (int, error) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, st := range a.states {
		if now.Sub(st.LastActivity) > a.timeout {
			delete(a.states, key)
			removed++
		}
	}
	return removed, nil
}
