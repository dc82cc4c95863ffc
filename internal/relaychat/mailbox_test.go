package relaychat

import (
	"errors"
	"testing"
)

func entry(id MessageID, ts int64) MailboxEntry {
	return MailboxEntry{ID: id, Timestamp: ts, Message: ChatMessage{ID: id, Chat: 7, Timestamp: ts, From: Author{Username: "alice"}}}
}

func ids(entries []MailboxEntry) []MessageID {
	out := make([]MessageID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func equalIDs(a, b []MessageID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMailboxOrderingKeepsTiesInInsertionOrder(t *testing.T) {
	m := NewMailboxStore()
	m.Append("bob", 7, entry(1, 1000))
	m.Append("bob", 7, entry(2, 1000))
	m.Append("bob", 7, entry(3, 2000))

	got, err := m.List("bob", 7, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !equalIDs(ids(got), []MessageID{3, 1, 2}) {
		t.Fatalf("expected [3 1 2], got %v", ids(got))
	}
}

func TestMailboxListFilters(t *testing.T) {
	m := NewMailboxStore()
	for i := MessageID(1); i <= 5; i++ {
		m.Append("bob", 7, entry(i, int64(i)*100))
	}
	after := int64(200)
	got, _ := m.List("bob", 7, ListOptions{After: &after})
	if !equalIDs(ids(got), []MessageID{5, 4, 3}) {
		t.Fatalf("after filter must be exclusive, got %v", ids(got))
	}
	got, _ = m.List("bob", 7, ListOptions{Limit: 2})
	if !equalIDs(ids(got), []MessageID{5, 4}) {
		t.Fatalf("expected newest two, got %v", ids(got))
	}
	before := int64(400)
	got, _ = m.List("bob", 7, ListOptions{Before: &before, Limit: 2})
	if !equalIDs(ids(got), []MessageID{3, 2}) {
		t.Fatalf("expected page before 400, got %v", ids(got))
	}
	if _, err := m.List("bob", 7, ListOptions{Limit: -1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for negative limit, got %v", err)
	}
}

func TestMailboxGetAndLookupErrors(t *testing.T) {
	m := NewMailboxStore()
	m.Append("bob", 7, entry(1, 1000))

	got, err := m.Get("bob", 7, 1)
	if err != nil || got.Kind != KindMessage || got.Message.From.Username != "alice" {
		t.Fatalf("unexpected get result %+v, %v", got, err)
	}
	if _, err := m.Get("bob", 7, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.Get("bob", 8, 1); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("expected unknown chat, got %v", err)
	}
	if _, err := m.List("carol", 7, ListOptions{}); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("expected unknown chat for empty mailbox, got %v", err)
	}
}

func TestMailboxUpdateRepositionsOnTimestampChange(t *testing.T) {
	m := NewMailboxStore()
	m.Append("bob", 7, entry(1, 1000))
	m.Append("bob", 7, entry(2, 1000))
	m.Append("bob", 7, entry(3, 2000))

	err := m.Update("bob", 7, 2, func(e *MailboxEntry) {
		e.Message.Reactions = map[string][]UserID{"👍": {"carol"}}
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := m.List("bob", 7, ListOptions{})
	if !equalIDs(ids(got), []MessageID{3, 1, 2}) {
		t.Fatalf("same-timestamp update must keep position, got %v", ids(got))
	}
	if len(got[2].Message.Reactions["👍"]) != 1 {
		t.Fatalf("expected reaction to be stored, got %+v", got[2].Message.Reactions)
	}

	err = m.Update("bob", 7, 1, func(e *MailboxEntry) {
		e.Timestamp = 3000
		e.ID = 42
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = m.List("bob", 7, ListOptions{})
	if !equalIDs(ids(got), []MessageID{1, 3, 2}) {
		t.Fatalf("expected entry 1 to move to the front, got %v", ids(got))
	}
	if _, err := m.Get("bob", 7, 1); err != nil {
		t.Fatalf("id must be immutable through update: %v", err)
	}
	if err := m.Update("bob", 7, 99, func(*MailboxEntry) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMailboxAppendSameIDReplaces(t *testing.T) {
	m := NewMailboxStore()
	m.Append("bob", 7, entry(1, 1000))
	m.Append("bob", 7, entry(2, 2000))
	m.Append("bob", 7, entry(1, 3000))

	got, _ := m.List("bob", 7, ListOptions{})
	if !equalIDs(ids(got), []MessageID{1, 2}) {
		t.Fatalf("expected replaced entry to move, got %v", ids(got))
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
}

func TestMailboxListChats(t *testing.T) {
	m := NewMailboxStore()
	m.Append("bob", 9, entry(1, 1))
	m.Append("bob", 7, entry(1, 1))
	chats := m.ListChats("bob")
	if len(chats) != 2 || chats[0] != 7 || chats[1] != 9 {
		t.Fatalf("expected [7 9], got %v", chats)
	}
	if got := m.ListChats("nobody"); len(got) != 0 {
		t.Fatalf("expected no chats, got %v", got)
	}
}
