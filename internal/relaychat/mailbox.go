package relaychat

import (
	"fmt"
	"sort"
	"sync"
)

const mailboxShards = 32

// MailboxEntry is one chat message stored in a user's per-chat history.
type MailboxEntry struct {
	ID        MessageID   `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Kind      Kind        `json:"kind"`
	Message   ChatMessage `json:"message"`
}

func (e MailboxEntry) clone() MailboxEntry {
	e.Message.Reactions = cloneReactions(e.Message.Reactions)
	return e
}

type ListOptions struct {
	// Limit caps the number of entries returned; zero means no cap.
	Limit int
	// After keeps only entries with a timestamp strictly greater than *After.
	After *int64
	// Before keeps only entries with a timestamp strictly less than *Before.
	Before *int64
}

// MailboxStore keeps every user's message history per chat, ordered newest
// first. Entries are never deleted.
type MailboxStore struct {
	shards [mailboxShards]mailboxShard
}

type mailboxShard struct {
	mu    sync.RWMutex
	users map[UserID]map[ChatID]*chatMailbox
}

// chatMailbox pairs the id lookup with a timestamp-descending index. Both are
// mutated together under the shard lock.
type chatMailbox struct {
	byID  map[MessageID]*MailboxEntry
	order []*MailboxEntry
}

func NewMailboxStore() *MailboxStore {
	m := &MailboxStore{}
	for i := range m.shards {
		m.shards[i].users = map[UserID]map[ChatID]*chatMailbox{}
	}
	return m
}

func (m *MailboxStore) shard(user UserID) *mailboxShard {
	return &m.shards[shardIndex(user, mailboxShards)]
}

// Append stores entry in the user's mailbox for chat. Appending an id that is
// already present replaces the old entry.
func (m *MailboxStore) Append(user UserID, chat ChatID, entry MailboxEntry) {
	if entry.Kind == "" {
		entry.Kind = KindMessage
	}
	entry = entry.clone()
	sh := m.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	chats := sh.users[user]
	if chats == nil {
		chats = map[ChatID]*chatMailbox{}
		sh.users[user] = chats
	}
	box := chats[chat]
	if box == nil {
		box = &chatMailbox{byID: map[MessageID]*MailboxEntry{}}
		chats[chat] = box
	}
	if existing, ok := box.byID[entry.ID]; ok {
		box.remove(existing)
	}
	stored := &entry
	box.byID[entry.ID] = stored
	box.insert(stored)
}

// Get returns a copy of one entry.
func (m *MailboxStore) Get(user UserID, chat ChatID, id MessageID) (MailboxEntry, error) {
	sh := m.shard(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	box := sh.users[user][chat]
	if box == nil {
		return MailboxEntry{}, ErrUnknownChat
	}
	entry, ok := box.byID[id]
	if !ok {
		return MailboxEntry{}, ErrNotFound
	}
	return entry.clone(), nil
}

// List returns entries newest first, filtered by opts.
func (m *MailboxStore) List(user UserID, chat ChatID, opts ListOptions) ([]MailboxEntry, error) {
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	sh := m.shard(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	box := sh.users[user][chat]
	if box == nil {
		return nil, ErrUnknownChat
	}
	start := 0
	if opts.Before != nil {
		before := *opts.Before
		start = sort.Search(len(box.order), func(i int) bool { return box.order[i].Timestamp < before })
	}
	out := make([]MailboxEntry, 0)
	for _, entry := range box.order[start:] {
		if opts.After != nil && entry.Timestamp <= *opts.After {
			break
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		out = append(out, entry.clone())
	}
	return out, nil
}

// ListChats returns the chats with at least one stored entry, ascending.
func (m *MailboxStore) ListChats(user UserID) []ChatID {
	sh := m.shard(user)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	chats := sh.users[user]
	out := make([]ChatID, 0, len(chats))
	for chat := range chats {
		out = append(out, chat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Update applies mutate to one entry in place. The entry is repositioned when
// its timestamp changes; the id cannot be changed.
func (m *MailboxStore) Update(user UserID, chat ChatID, id MessageID, mutate func(*MailboxEntry)) error {
	if mutate == nil {
		return ErrInvalidInput
	}
	sh := m.shard(user)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	box := sh.users[user][chat]
	if box == nil {
		return ErrUnknownChat
	}
	entry, ok := box.byID[id]
	if !ok {
		return ErrNotFound
	}
	before := entry.Timestamp
	pos := box.indexOf(entry)
	mutate(entry)
	entry.ID = id
	if entry.Timestamp != before && pos >= 0 {
		box.order = append(box.order[:pos], box.order[pos+1:]...)
		box.insert(entry)
	}
	return nil
}

// Len returns the total number of stored entries.
func (m *MailboxStore) Len() int {
	total := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for _, chats := range sh.users {
			for _, box := range chats {
				total += len(box.order)
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

// insert places entry after every existing entry with a timestamp greater
// than or equal to its own, which keeps ties in insertion order.
func (b *chatMailbox) insert(entry *MailboxEntry) {
	i := sort.Search(len(b.order), func(i int) bool { return b.order[i].Timestamp < entry.Timestamp })
	b.order = append(b.order, nil)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = entry
}

func (b *chatMailbox) remove(entry *MailboxEntry) {
	if i := b.indexOf(entry); i >= 0 {
		b.order = append(b.order[:i], b.order[i+1:]...)
	}
	delete(b.byID, entry.ID)
}

// indexOf locates entry in the index, starting at the first position holding
// its timestamp. The index must be sorted when called.
func (b *chatMailbox) indexOf(entry *MailboxEntry) int {
	ts := entry.Timestamp
	i := sort.Search(len(b.order), func(i int) bool { return b.order[i].Timestamp <= ts })
	for ; i < len(b.order) && b.order[i].Timestamp == ts; i++ {
		if b.order[i] == entry {
			return i
		}
	}
	return -1
}

func (m *MailboxStore) snapshot() map[UserID]map[ChatID][]MailboxEntry {
	out := map[UserID]map[ChatID][]MailboxEntry{}
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for user, chats := range sh.users {
			userOut := make(map[ChatID][]MailboxEntry, len(chats))
			for chat, box := range chats {
				entries := make([]MailboxEntry, len(box.order))
				for j, entry := range box.order {
					entries[j] = entry.clone()
				}
				userOut[chat] = entries
			}
			out[user] = userOut
		}
		sh.mu.RUnlock()
	}
	return out
}

// restore reloads a snapshot. Each snapshot list is already in index order
// (newest first, ties in insertion order), so it becomes the index as is.
func (m *MailboxStore) restore(state map[UserID]map[ChatID][]MailboxEntry) {
	for user, chats := range state {
		sh := m.shard(user)
		sh.mu.Lock()
		userChats := sh.users[user]
		if userChats == nil {
			userChats = map[ChatID]*chatMailbox{}
			sh.users[user] = userChats
		}
		for chat, entries := range chats {
			userChats[chat] = restoreChatMailbox(entries)
		}
		sh.mu.Unlock()
	}
}

func restoreChatMailbox(entries []MailboxEntry) *chatMailbox {
	box := &chatMailbox{
		byID:  make(map[MessageID]*MailboxEntry, len(entries)),
		order: make([]*MailboxEntry, 0, len(entries)),
	}
	for _, entry := range entries {
		if _, dup := box.byID[entry.ID]; dup {
			continue
		}
		if entry.Kind == "" {
			entry.Kind = KindMessage
		}
		stored := entry.clone()
		box.byID[stored.ID] = &stored
		box.order = append(box.order, &stored)
	}
	sort.SliceStable(box.order, func(i, j int) bool {
		return box.order[i].Timestamp > box.order[j].Timestamp
	})
	return box
}
