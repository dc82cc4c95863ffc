package streamclient

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func newTestStack(t *testing.T) (*httptest.Server, *relaychat.Hub) {
	t.Helper()
	dir := relaychat.NewStaticDirectory(
		map[string]relaychat.UserID{"tok-a": "alice", "tok-b": "bob"},
		map[relaychat.ChatID][]relaychat.UserID{7: {"alice", "bob"}},
	)
	hub := relaychat.NewHub(relaychat.HubOptions{Sessions: dir, Chats: dir, Logger: logx.Nop()})
	server := httptest.NewServer(httpapi.NewServerWithConfig(hub, httpapi.ServerConfig{
		Heartbeat: 20 * time.Millisecond,
		Logger:    logx.Nop(),
	}))
	t.Cleanup(func() {
		server.Close()
		_ = hub.Close()
	})
	return server, hub
}

func TestScanFrames(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader(`{"a":1}|endmessage|{"server":"ping"}|endmessage|`))
	scanner.Split(ScanFrames)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"server":"ping"}` {
		t.Fatalf("unexpected frames: %q", got)
	}

	scanner = bufio.NewScanner(strings.NewReader(`{"a":1}|endmessage|{"trunc`))
	scanner.Split(ScanFrames)
	for scanner.Scan() {
	}
	if !errors.Is(scanner.Err(), io.ErrUnexpectedEOF) {
		t.Fatalf("expected truncated frame error, got %v", scanner.Err())
	}
}

func TestParseFrame(t *testing.T) {
	ev, err := ParseFrame([]byte(`{"server":"ping"}`))
	if err != nil || !ev.Heartbeat {
		t.Fatalf("expected heartbeat, got %+v (%v)", ev, err)
	}
	if _, err := ParseFrame([]byte(`{"server_reponse":"invalid token"}`)); !errors.Is(err, relaychat.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	ev, err = ParseFrame([]byte(`{"banner":{"text":"hello","chat":7,"id":3},"timestamp":1000}`))
	if err != nil {
		t.Fatalf("parse banner: %v", err)
	}
	banner, ok := ev.Sendable.Banner()
	if !ok || banner.Text != "hello" || banner.Chat != 7 {
		t.Fatalf("unexpected banner: %+v", ev)
	}
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/mailbox/chats" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chats":[3,7]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", server.Client())
	chats, err := client.ListChats(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(chats) != 2 || chats[1] != 7 {
		t.Fatalf("unexpected chats: %+v", chats)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientAgainstServer(t *testing.T) {
	server, _ := newTestStack(t)
	alice := NewClient(server.URL, "tok-a", server.Client())
	bob := NewClient(server.URL, "tok-b", server.Client())
	ctx := context.Background()

	msg, err := alice.PostMessage(ctx, 7, "hi bob", 1000)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	entries, err := bob.ListMailbox(ctx, 7, MailboxQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list mailbox: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != msg.ID {
		t.Fatalf("unexpected mailbox: %+v", entries)
	}
	reacted, err := bob.React(ctx, 7, msg.ID, "🎉")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if len(reacted.Reactions["🎉"]) != 1 {
		t.Fatalf("expected reaction tally, got %+v", reacted.Reactions)
	}

	_, err = bob.GetMailboxEntry(ctx, 7, 404)
	if !errors.Is(err, relaychat.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = bob.PostMessage(ctx, 99, "nowhere", 0)
	if !errors.Is(err, relaychat.ErrUnknownChat) {
		t.Fatalf("expected unknown chat, got %v", err)
	}
}

func TestFollowAcknowledgesMessages(t *testing.T) {
	server, hub := newTestStack(t)
	if _, err := hub.PostMessage("alice", 7, "queued", 1000); err != nil {
		t.Fatalf("post: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errStop := errors.New("stop")
	var received []string
	bob := NewClient(server.URL, "tok-b", server.Client())
	err := bob.Follow(ctx, FollowOptions{AutoAck: true, Logger: logx.Nop()}, func(ev Event) error {
		if ev.Heartbeat {
			return errStop
		}
		if msg, ok := ev.Sendable.Message(); ok {
			received = append(received, msg.Text)
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(received) != 1 || received[0] != "queued" {
		t.Fatalf("unexpected messages: %+v", received)
	}
	if _, messages := hub.Pending().Depth("bob"); messages != 0 {
		t.Fatalf("expected message acknowledged, %d still pending", messages)
	}
	if queued, _ := hub.Pending().Depth("alice"); queued != 1 {
		t.Fatalf("expected delivery receipt queued for alice, got %d", queued)
	}
}

func TestFollowStopsOnInvalidToken(t *testing.T) {
	server, _ := newTestStack(t)
	client := NewClient(server.URL, "nope", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Follow(ctx, FollowOptions{Logger: logx.Nop()}, func(Event) error { return nil })
	if !errors.Is(err, relaychat.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}
