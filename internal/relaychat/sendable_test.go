package relaychat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSendableWireFormat(t *testing.T) {
	cases := []struct {
		name string
		in   Sendable
		want string
	}{
		{
			name: "message",
			in: NewMessage(ChatMessage{
				ID: 1, Text: "hi", From: Author{Username: "alice"}, Chat: 7, Timestamp: 1000, Status: StatusSent,
			}),
			want: `{"message":{"id":1,"text":"hi","from_user":{"username":"alice"},"chat":7,"timestamp":1000,"status":"Sent"},"timestamp":1000}`,
		},
		{
			name: "receipt",
			in:   NewReceipt(Receipt{Status: StatusDelivered, Message: MessageRef{ID: 1, Chat: 7}, From: "bob"}, 2000),
			want: `{"read":{"status":"Delivered","message":{"id":1,"chat":7},"from":"bob"},"timestamp":2000}`,
		},
		{
			name: "reaction",
			in:   NewReaction(Reaction{Emoji: "👍", Message: 1, From: "bob", Chat: 7}, 5),
			want: `{"reaction":{"emoji":"👍","message":1,"from":"bob","chat":7},"timestamp":5}`,
		},
		{
			name: "banner without timestamp",
			in:   NewBanner(Banner{Text: "bob joined this chat", Chat: 7, ID: 3}, 0),
			want: `{"banner":{"text":"bob joined this chat","chat":7,"id":3}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Frame(tc.in)
			if err != nil {
				t.Fatalf("frame: %v", err)
			}
			if got := string(frame); got != tc.want+FrameDelimiter {
				t.Fatalf("unexpected frame\n got: %s\nwant: %s%s", got, tc.want, FrameDelimiter)
			}
		})
	}
}

func TestSendableDecodeRestoresPayload(t *testing.T) {
	original := NewMessage(ChatMessage{
		ID: 4, Text: "yo", From: Author{Username: "carol"}, Chat: 9, Timestamp: 42,
		Reactions: map[string][]UserID{"🔥": {"alice"}},
	})
	data, err := json.Marshal([]Sendable{original})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []Sendable
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Kind() != KindMessage {
		t.Fatalf("unexpected decoded value: %+v", decoded)
	}
	msg, ok := decoded[0].Message()
	if !ok || msg.ID != 4 || msg.From.Username != "carol" || len(msg.Reactions["🔥"]) != 1 {
		t.Fatalf("unexpected message after decode: %+v", msg)
	}
	if ts, ok := decoded[0].Timestamp(); !ok || ts != 42 {
		t.Fatalf("expected timestamp 42, got %d (%v)", ts, ok)
	}
}

func TestSendableDecodeRejectsAmbiguousObjects(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"timestamp":3}`,
		`{"banner":{"text":"x","chat":1,"id":1},"read":{"status":"Read","message":{"id":1,"chat":1},"from":"a"}}`,
		`{"server":"ping"}`,
	} {
		var s Sendable
		err := json.Unmarshal([]byte(raw), &s)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for %s, got %v", raw, err)
		}
	}
}

func TestSendableMessageAccessorReturnsCopy(t *testing.T) {
	s := NewMessage(ChatMessage{ID: 1, Chat: 1, Reactions: map[string][]UserID{"👍": {"a"}}})
	msg, _ := s.Message()
	msg.Reactions["👍"] = append(msg.Reactions["👍"], "b")
	again, _ := s.Message()
	if len(again.Reactions["👍"]) != 1 {
		t.Fatalf("sendable payload was mutated through accessor: %+v", again.Reactions)
	}
}

func TestControlFrames(t *testing.T) {
	if got := string(HeartbeatFrame()); got != `{"server":"ping"}|endmessage|` {
		t.Fatalf("unexpected heartbeat frame %q", got)
	}
	if got := string(InvalidTokenFrame()); !strings.HasSuffix(got, FrameDelimiter) || !strings.Contains(got, "invalid token") {
		t.Fatalf("unexpected invalid token frame %q", got)
	}
	if _, err := Frame(Sendable{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected zero sendable to be rejected, got %v", err)
	}
}
