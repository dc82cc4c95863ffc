package relaychat

import "testing"

func chatMessage(chat ChatID, id MessageID, from UserID, ts int64) Sendable {
	return NewMessage(ChatMessage{ID: id, Text: "m", From: Author{Username: from}, Chat: chat, Timestamp: ts})
}

func TestPendingDrainReturnsTimestampOrderAndClears(t *testing.T) {
	q := NewPendingQueue(0)
	q.Enqueue("bob", NewBanner(Banner{Text: "late", ID: 2}, 300))
	q.Enqueue("bob", NewBanner(Banner{Text: "early", ID: 1}, 100))
	q.Enqueue("bob", NewReceipt(Receipt{Status: StatusRead, From: "alice"}, 200))

	got := q.Drain("bob")
	if len(got) != 3 {
		t.Fatalf("expected 3 drained events, got %d", len(got))
	}
	for i, want := range []int64{100, 200, 300} {
		if ts, _ := got[i].Timestamp(); ts != want {
			t.Fatalf("entry %d: expected ts %d, got %d", i, want, ts)
		}
	}
	if again := q.Drain("bob"); len(again) != 0 {
		t.Fatalf("expected empty queue after drain, got %d", len(again))
	}
}

func TestPendingMessagesStayUntilAcknowledged(t *testing.T) {
	q := NewPendingQueue(0)
	q.EnqueueMessage("bob", MessageKey{Chat: 7, ID: 2}, chatMessage(7, 2, "alice", 2000))
	q.EnqueueMessage("bob", MessageKey{Chat: 7, ID: 1}, chatMessage(7, 1, "alice", 1000))
	q.EnqueueMessage("bob", MessageKey{Chat: 9, ID: 1}, chatMessage(9, 1, "carol", 1500))

	replay := q.Messages("bob")
	if len(replay) != 3 {
		t.Fatalf("expected 3 pending messages, got %d", len(replay))
	}
	first, _ := replay[0].Message()
	last, _ := replay[2].Message()
	if first.Timestamp != 1000 || last.Timestamp != 2000 {
		t.Fatalf("expected timestamp order, got %d..%d", first.Timestamp, last.Timestamp)
	}
	if len(q.Messages("bob")) != 3 {
		t.Fatalf("Messages must not consume entries")
	}

	s, ok := q.Acknowledge("bob", MessageKey{Chat: 9, ID: 1})
	if !ok {
		t.Fatalf("expected acknowledgment of chat 9 message to succeed")
	}
	if msg, _ := s.Message(); msg.From.Username != "carol" {
		t.Fatalf("acknowledged wrong message: %+v", msg)
	}
	if _, ok := q.Acknowledge("bob", MessageKey{Chat: 9, ID: 1}); ok {
		t.Fatalf("second acknowledgment must report false")
	}
	if _, messages := q.Depth("bob"); messages != 2 {
		t.Fatalf("expected 2 messages left, got %d", messages)
	}
}

func TestPendingLimitEvictsOldest(t *testing.T) {
	q := NewPendingQueue(2)
	if q.Enqueue("bob", NewBanner(Banner{ID: 1}, 1)) {
		t.Fatalf("unexpected eviction")
	}
	q.Enqueue("bob", NewBanner(Banner{ID: 2}, 2))
	if !q.Enqueue("bob", NewBanner(Banner{ID: 3}, 3)) {
		t.Fatalf("expected eviction on third enqueue")
	}
	drained := q.Drain("bob")
	if len(drained) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(drained))
	}
	if b, _ := drained[0].Banner(); b.ID != 2 {
		t.Fatalf("expected oldest entry to be evicted, first is %d", b.ID)
	}

	q.EnqueueMessage("bob", MessageKey{Chat: 1, ID: 1}, chatMessage(1, 1, "a", 10))
	q.EnqueueMessage("bob", MessageKey{Chat: 1, ID: 2}, chatMessage(1, 2, "a", 20))
	if !q.EnqueueMessage("bob", MessageKey{Chat: 1, ID: 3}, chatMessage(1, 3, "a", 30)) {
		t.Fatalf("expected message eviction")
	}
	if _, ok := q.Acknowledge("bob", MessageKey{Chat: 1, ID: 1}); ok {
		t.Fatalf("oldest message should have been evicted")
	}
}
