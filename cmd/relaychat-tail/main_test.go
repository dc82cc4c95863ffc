package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/streamclient"
)

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   streamclient.Event
		want string
	}{
		{
			name: "heartbeat",
			ev:   streamclient.Event{Heartbeat: true},
			want: "* ping",
		},
		{
			name: "message",
			ev: streamclient.Event{Sendable: relaychat.NewMessage(relaychat.ChatMessage{
				ID: 3, Chat: 7, Text: "hi", From: relaychat.Author{Username: "alice"}, Timestamp: 1000,
				Reactions: map[string][]relaychat.UserID{"👍": {"bob", "carol"}},
			})},
			want: "[chat 7 #3] alice: hi [👍 2]",
		},
		{
			name: "receipt",
			ev: streamclient.Event{Sendable: relaychat.NewReceipt(relaychat.Receipt{
				Status: relaychat.StatusRead, Message: relaychat.MessageRef{ID: 3, Chat: 7}, From: "bob",
			}, 2000)},
			want: "[chat 7 #3] read by bob",
		},
		{
			name: "reaction",
			ev: streamclient.Event{Sendable: relaychat.NewReaction(relaychat.Reaction{
				Emoji: "🎉", Message: 3, From: "carol", Chat: 7,
			}, 2000)},
			want: "[chat 7 #3] carol reacted 🎉",
		},
		{
			name: "banner",
			ev:   streamclient.Event{Sendable: relaychat.NewBanner(relaychat.Banner{Text: "dave joined this chat", Chat: 7, ID: 4}, 0)},
			want: "[chat 7] -- dave joined this chat --",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatEvent(tc.ev); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestFormatHistoryEntry(t *testing.T) {
	entry := relaychat.MailboxEntry{
		ID:        1,
		Timestamp: 1000,
		Kind:      relaychat.KindMessage,
		Message: relaychat.ChatMessage{
			ID: 1, Chat: 7, Text: "hello", From: relaychat.Author{Username: "alice"},
			Timestamp: 1000, Status: relaychat.StatusDelivered,
		},
	}
	got := formatHistoryEntry(entry, time.UnixMilli(1000+5*60*1000))
	if got != "[chat 7 #1 5 minutes ago] alice: hello (delivered)" {
		t.Fatalf("unexpected history line %q", got)
	}
}

func TestPrintHistoryOldestFirst(t *testing.T) {
	dir := relaychat.NewStaticDirectory(
		map[string]relaychat.UserID{"tok-a": "alice", "tok-b": "bob"},
		map[relaychat.ChatID][]relaychat.UserID{7: {"alice", "bob"}},
	)
	hub := relaychat.NewHub(relaychat.HubOptions{Sessions: dir, Chats: dir, Logger: logx.Nop()})
	server := httptest.NewServer(httpapi.NewServerWithConfig(hub, httpapi.ServerConfig{Logger: logx.Nop()}))
	defer server.Close()
	defer hub.Close()

	for i, text := range []string{"one", "two", "three"} {
		if _, err := hub.PostMessage("alice", 7, text, int64(1000*(i+1))); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	var out bytes.Buffer
	client := streamclient.NewClient(server.URL, "tok-b", server.Client())
	if err := printHistory(context.Background(), client, &out, 2, time.UnixMilli(4000)); err != nil {
		t.Fatalf("print history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], "alice: two (sent)") || !strings.Contains(lines[1], "alice: three (sent)") {
		t.Fatalf("expected oldest-first transcript, got %q", lines)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYCHAT_TEST_DURATION_BAD", "soon")
	if got := durationEnv("RELAYCHAT_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	t.Setenv("RELAYCHAT_TEST_DURATION", "150ms")
	if got := durationEnv("RELAYCHAT_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}
