package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Clock returns the current time. Stores take one so expiry can be tested.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// Scope identifies a conversation: a chat and, in forum groups, a topic.
// A nil ThreadID means the message was not sent inside a topic.
type Scope struct {
	ChatID   int64
	ThreadID *int
}

// NewScope builds a Scope, copying the thread id so callers may reuse theirs.
func NewScope(chatID int64, threadID *int) Scope {
	s := Scope{ChatID: chatID}
	if threadID != nil {
		t := *threadID
		s.ThreadID = &t
	}
	return s
}

// Key returns the composite context key for the scope.
func (s Scope) Key() string {
	return ContextKey(s.ChatID, s.ThreadID)
}

// HasThread reports whether the scope is bound to a topic thread.
func (s Scope) HasThread() bool {
	return s.ThreadID != nil
}

// String implements fmt.Stringer for logging.
func (s Scope) String() string {
	return s.Key()
}

// Thread is a convenience for taking the address of a thread id literal.
func Thread(id int) *int {
	return &id
}

// ContextKey composes "<chat>" or "<chat>:<thread>".
func ContextKey(chatID int64, threadID *int) string {
	chat := strconv.FormatInt(chatID, 10)
	if threadID == nil {
		return chat
	}
	return chat + ":" + strconv.Itoa(*threadID)
}

// ParseContextKey is the inverse of ContextKey. It splits on the first colon.
func ParseContextKey(key string) (Scope, error) {
	chatPart, threadPart, hasThread := strings.Cut(key, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return Scope{}, fmt.Errorf("state: invalid chat id in key %q: %w", key, err)
	}
	if !hasThread {
		return Scope{ChatID: chatID}, nil
	}
	threadID, err := strconv.Atoi(threadPart)
	if err != nil {
		return Scope{}, fmt.Errorf("state: invalid thread id in key %q: %w", key, err)
	}
	return Scope{ChatID: chatID, ThreadID: &threadID}, nil
}

// keyBelongsToChat matches keys of chatID regardless of thread.
func keyBelongsToChat(key string, chatID int64) bool {
	chat := strconv.FormatInt(chatID, 10)
	if key == chat {
		return true
	}
	return strings.HasPrefix(key, chat+":")
}

// ThreadIDFromUpdate extracts the forum topic of a message or of the message
// a callback button belongs to. Telegram never issues topic 0, so a zero
// value decoded from an absent field is reported as nil.
func ThreadIDFromUpdate(u tele.Update) *int {
	var msg *tele.Message
	switch {
	case u.Message != nil:
		msg = u.Message
	case u.Callback != nil && u.Callback.Message != nil:
		msg = u.Callback.Message
	case u.EditedMessage != nil:
		msg = u.EditedMessage
	}
	if msg == nil || msg.ThreadID == 0 {
		return nil
	}
	id := msg.ThreadID
	return &id
}

// ThreadIDFrom extracts the topic thread from a handler context.
func ThreadIDFrom(c tele.Context) *int {
	if c == nil {
		return nil
	}
	return ThreadIDFromUpdate(c.Update())
}

// ScopeFrom resolves the conversation scope of a handler context.
func ScopeFrom(c tele.Context) Scope {
	if c == nil {
		return Scope{}
	}
	if cached, ok := c.Get(scopeKey).(Scope); ok {
		return cached
	}
	var chatID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	return Scope{ChatID: chatID, ThreadID: ThreadIDFrom(c)}
}
