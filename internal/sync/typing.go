package sync

import (
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/realtime"
)

type typingEntry struct {
	user  realtime.TypingUser
	timer *time.Timer
}

// typingTracker holds the ephemeral per-chat typing sets. Entries are keyed
// by (chat, user) and expire after timeout unless refreshed.
type typingTracker struct {
	mu       stdsync.Mutex
	timeout  time.Duration
	chats    map[string]map[string]*typingEntry
	onExpire func(chatID string)
}

func newTypingTracker(timeout time.Duration, onExpire func(chatID string)) *typingTracker {
	return &typingTracker{
		timeout:  timeout,
		chats:    make(map[string]map[string]*typingEntry),
		onExpire: onExpire,
	}
}

// add records u as typing in chatID and reports whether the set changed.
func (t *typingTracker) add(chatID string, u realtime.TypingUser) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.chats[chatID]
	if !ok {
		users = make(map[string]*typingEntry)
		t.chats[chatID] = users
	}
	if e, ok := users[u.ID]; ok {
		if e.timer != nil {
			e.timer.Reset(t.timeout)
		}
		return false
	}
	e := &typingEntry{user: u}
	if t.timeout > 0 {
		e.timer = time.AfterFunc(t.timeout, func() { t.expire(chatID, u.ID, e) })
	}
	users[u.ID] = e
	return true
}

// remove drops userID from chatID and reports whether the set changed.
func (t *typingTracker) remove(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.chats[chatID][userID]
	if !ok {
		return false
	}
	t.drop(chatID, userID, e)
	return true
}

func (t *typingTracker) expire(chatID, userID string, e *typingEntry) {
	t.mu.Lock()
	if t.chats[chatID][userID] != e {
		t.mu.Unlock()
		return
	}
	t.drop(chatID, userID, e)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(chatID)
	}
}

// drop must be called with mu held.
func (t *typingTracker) drop(chatID, userID string, e *typingEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.chats[chatID], userID)
	if len(t.chats[chatID]) == 0 {
		delete(t.chats, chatID)
	}
}

func (t *typingTracker) users(chatID string) []realtime.TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]realtime.TypingUser, 0, len(t.chats[chatID]))
	for _, e := range t.chats[chatID] {
		out = append(out, e.user)
	}
	slices.SortFunc(out, func(a, b realtime.TypingUser) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (t *typingTracker) clearChat(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.chats[chatID]
	if !ok {
		return false
	}
	for id, e := range users {
		t.drop(chatID, id, e)
	}
	return true
}

func (t *typingTracker) clearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for chatID, users := range t.chats {
		for id, e := range users {
			t.drop(chatID, id, e)
		}
	}
}
