package relaychat

import (
	"sort"
	"sync"
)

const (
	pendingShards       = 32
	defaultPendingLimit = 1000
)

// MessageKey identifies a chat message; ids are only unique within a chat.
type MessageKey struct {
	Chat ChatID
	ID   MessageID
}

// PendingQueue holds events for users that had no reachable channel. Generic
// events (receipts, reactions, banners) sit in a FIFO drained on connect.
// Chat messages are keyed by message so a client acknowledgment can remove
// exactly one of them; they are replayed on every connect until acknowledged.
type PendingQueue struct {
	limit  int
	shards [pendingShards]pendingShard
}

type pendingShard struct {
	mu    sync.Mutex
	users map[UserID]*pendingUser
}

type pendingUser struct {
	fifo     []Sendable
	messages map[MessageKey]pendingEntry
	seq      uint64
}

type pendingEntry struct {
	sendable Sendable
	seq      uint64
}

// NewPendingQueue builds a queue capped at limit entries per user and stream.
// A non-positive limit selects the default.
func NewPendingQueue(limit int) *PendingQueue {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	q := &PendingQueue{limit: limit}
	for i := range q.shards {
		q.shards[i].users = map[UserID]*pendingUser{}
	}
	return q
}

func (q *PendingQueue) shard(user UserID) *pendingShard {
	return &q.shards[shardIndex(user, pendingShards)]
}

func (s *pendingShard) userLocked(user UserID) *pendingUser {
	u := s.users[user]
	if u == nil {
		u = &pendingUser{messages: map[MessageKey]pendingEntry{}}
		s.users[user] = u
	}
	return u
}

// Enqueue appends s to the user's FIFO. It reports whether the oldest entry
// had to be evicted to respect the limit.
func (q *PendingQueue) Enqueue(user UserID, s Sendable) (evicted bool) {
	if s.IsZero() {
		return false
	}
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.userLocked(user)
	u.fifo = append(u.fifo, s)
	if len(u.fifo) > q.limit {
		u.fifo = append([]Sendable(nil), u.fifo[len(u.fifo)-q.limit:]...)
		return true
	}
	return false
}

// EnqueueMessage stores a chat message under key, replacing any previous entry
// for the same key in place. It reports whether the oldest message was evicted.
func (q *PendingQueue) EnqueueMessage(user UserID, key MessageKey, s Sendable) (evicted bool) {
	if s.IsZero() {
		return false
	}
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.userLocked(user)
	if existing, ok := u.messages[key]; ok {
		existing.sendable = s
		u.messages[key] = existing
		return false
	}
	u.seq++
	u.messages[key] = pendingEntry{sendable: s, seq: u.seq}
	if len(u.messages) <= q.limit {
		return false
	}
	var (
		oldestKey MessageKey
		oldest    pendingEntry
		first     = true
	)
	for k, e := range u.messages {
		if first || entryBefore(e, oldest) {
			oldestKey, oldest, first = k, e, false
		}
	}
	delete(u.messages, oldestKey)
	return true
}

// Drain returns and clears the user's FIFO in timestamp order.
func (q *PendingQueue) Drain(user UserID) []Sendable {
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.users[user]
	if u == nil || len(u.fifo) == 0 {
		return nil
	}
	out := u.fifo
	u.fifo = nil
	q.pruneLocked(sh, user, u)
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := out[i].Timestamp()
		tj, _ := out[j].Timestamp()
		return ti < tj
	})
	return out
}

// Messages returns the user's unacknowledged chat messages in timestamp order
// without removing them.
func (q *PendingQueue) Messages(user UserID) []Sendable {
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.users[user]
	if u == nil || len(u.messages) == 0 {
		return nil
	}
	entries := make([]pendingEntry, 0, len(u.messages))
	for _, e := range u.messages {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entryBefore(entries[i], entries[j]) })
	out := make([]Sendable, len(entries))
	for i, e := range entries {
		out[i] = e.sendable
	}
	return out
}

// Acknowledge removes one pending chat message and returns it.
func (q *PendingQueue) Acknowledge(user UserID, key MessageKey) (Sendable, bool) {
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.users[user]
	if u == nil {
		return Sendable{}, false
	}
	e, ok := u.messages[key]
	if !ok {
		return Sendable{}, false
	}
	delete(u.messages, key)
	q.pruneLocked(sh, user, u)
	return e.sendable, true
}

// Depth returns the number of queued generic events and chat messages for user.
func (q *PendingQueue) Depth(user UserID) (queued, messages int) {
	sh := q.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	u := sh.users[user]
	if u == nil {
		return 0, 0
	}
	return len(u.fifo), len(u.messages)
}

func (q *PendingQueue) pruneLocked(sh *pendingShard, user UserID, u *pendingUser) {
	if len(u.fifo) == 0 && len(u.messages) == 0 {
		delete(sh.users, user)
	}
}

type pendingSnapshot struct {
	Queue    []Sendable `json:"queue,omitempty"`
	Messages []Sendable `json:"messages,omitempty"`
}

func (q *PendingQueue) snapshot() map[UserID]pendingSnapshot {
	out := map[UserID]pendingSnapshot{}
	for i := range q.shards {
		sh := &q.shards[i]
		sh.mu.Lock()
		users := make([]UserID, 0, len(sh.users))
		for user := range sh.users {
			users = append(users, user)
		}
		sh.mu.Unlock()
		for _, user := range users {
			snap := pendingSnapshot{Messages: q.Messages(user)}
			sh.mu.Lock()
			if u := sh.users[user]; u != nil {
				snap.Queue = append([]Sendable(nil), u.fifo...)
			}
			sh.mu.Unlock()
			if len(snap.Queue) > 0 || len(snap.Messages) > 0 {
				out[user] = snap
			}
		}
	}
	return out
}

func (q *PendingQueue) restore(state map[UserID]pendingSnapshot) {
	for user, snap := range state {
		for _, s := range snap.Messages {
			msg, ok := s.Message()
			if !ok {
				continue
			}
			q.EnqueueMessage(user, MessageKey{Chat: msg.Chat, ID: msg.ID}, s)
		}
		for _, s := range snap.Queue {
			q.Enqueue(user, s)
		}
	}
}

func entryBefore(a, b pendingEntry) bool {
	ta, _ := a.sendable.Timestamp()
	tb, _ := b.sendable.Timestamp()
	if ta != tb {
		return ta < tb
	}
	return a.seq < b.seq
}
