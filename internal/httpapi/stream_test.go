package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// recordingSink accepts up to okWrites frames and fails every write after.
type recordingSink struct {
	okWrites int
	frames   [][]byte
}

func (r *recordingSink) write(frame []byte) error {
	if r.okWrites >= 0 && len(r.frames) >= r.okWrites {
		return errors.New("client went away")
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *recordingSink) bannerTexts(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, frame := range r.frames {
		var ev relaychat.Sendable
		if err := json.Unmarshal([]byte(strings.TrimSuffix(string(frame), relaychat.FrameDelimiter)), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		if b, ok := ev.Banner(); ok {
			out = append(out, b.Text)
		}
	}
	return out
}

func newStreamTestServer(t *testing.T, buffer int) (*Server, *relaychat.Hub) {
	t.Helper()
	dir := relaychat.NewStaticDirectory(
		map[string]relaychat.UserID{"tok-b": "bob"},
		map[relaychat.ChatID][]relaychat.UserID{7: {"alice", "bob"}},
	)
	hub := relaychat.NewHub(relaychat.HubOptions{
		Sessions:      dir,
		Chats:         dir,
		ChannelBuffer: buffer,
		Logger:        logx.Nop(),
		Now:           func() time.Time { return time.UnixMilli(5000) },
	})
	t.Cleanup(func() { _ = hub.Close() })
	return NewServerWithConfig(hub, ServerConfig{Heartbeat: time.Hour, Logger: logx.Nop()}), hub
}

func announce(t *testing.T, hub *relaychat.Hub, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if _, err := hub.Announce(7, text); err != nil {
			t.Fatalf("announce %q: %v", text, err)
		}
	}
}

func queuedBannerTexts(hub *relaychat.Hub, user relaychat.UserID) []string {
	var out []string
	for _, ev := range hub.Pending().Drain(user) {
		if b, ok := ev.Banner(); ok {
			out = append(out, b.Text)
		}
	}
	return out
}

func assertEachOnce(t *testing.T, want []string, written, queued []string) {
	t.Helper()
	got := append(append([]string(nil), written...), queued...)
	sort.Strings(got)
	sorted := append([]string(nil), want...)
	sort.Strings(sorted)
	if strings.Join(got, ",") != strings.Join(sorted, ",") {
		t.Fatalf("expected every event written or queued exactly once, written=%v queued=%v", written, queued)
	}
}

func TestPumpRequeuesFailedAndBufferedEvents(t *testing.T) {
	server, hub := newStreamTestServer(t, 0)
	conn, replay := hub.OpenChannel("bob")
	announce(t, hub, "one", "two", "three")

	sink := &recordingSink{okWrites: 1}
	server.pump(context.Background(), "bob", conn, replay, sink.write)

	written := sink.bannerTexts(t)
	if len(written) != 1 || written[0] != "one" {
		t.Fatalf("expected only the first banner written, got %v", written)
	}
	queued := queuedBannerTexts(hub, "bob")
	if strings.Join(queued, ",") != "two,three" {
		t.Fatalf("expected failed and buffered banners queued in order, got %v", queued)
	}
	if hub.Registry().Count() != 0 {
		t.Fatalf("expected channel detached after pump returns")
	}
}

func TestPumpRequeuesReplayTail(t *testing.T) {
	server, hub := newStreamTestServer(t, 0)
	announce(t, hub, "offline one", "offline two")
	conn, replay := hub.OpenChannel("bob")
	if len(replay) != 2 {
		t.Fatalf("expected 2 replayed banners, got %d", len(replay))
	}
	announce(t, hub, "live")

	sink := &recordingSink{okWrites: 1}
	server.pump(context.Background(), "bob", conn, replay, sink.write)

	written := sink.bannerTexts(t)
	queued := queuedBannerTexts(hub, "bob")
	if len(written) != 1 || written[0] != "offline one" {
		t.Fatalf("unexpected written banners %v", written)
	}
	assertEachOnce(t, []string{"offline one", "offline two", "live"}, written, queued)
}

func TestPumpKeepsEventsWhenChannelOverflows(t *testing.T) {
	for run := 0; run < 20; run++ {
		server, hub := newStreamTestServer(t, 2)
		conn, replay := hub.OpenChannel("bob")
		// The third banner overflows the buffer, so fanout drops the channel
		// and queues it.
		announce(t, hub, "one", "two", "three")
		select {
		case <-conn.Done():
		default:
			t.Fatalf("run %d: expected overflowing channel to be closed", run)
		}

		sink := &recordingSink{okWrites: -1}
		server.pump(context.Background(), "bob", conn, replay, sink.write)
		assertEachOnce(t, []string{"one", "two", "three"}, sink.bannerTexts(t), queuedBannerTexts(hub, "bob"))
	}
}

func TestPumpKeepsEventsWhenClientLeaves(t *testing.T) {
	server, hub := newStreamTestServer(t, 0)
	conn, replay := hub.OpenChannel("bob")
	announce(t, hub, "one", "two")
	if _, err := hub.PostMessage("alice", 7, "unread", 1000); err != nil {
		t.Fatalf("post: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{okWrites: -1}
	server.pump(ctx, "bob", conn, replay, sink.write)

	assertEachOnce(t, []string{"one", "two"}, sink.bannerTexts(t), queuedBannerTexts(hub, "bob"))
	wroteMessage := len(sink.frames) > len(sink.bannerTexts(t))
	if _, messages := hub.Pending().Depth("bob"); !wroteMessage && messages != 1 {
		t.Fatalf("expected unwritten message back in the pending map, got %d", messages)
	}
}
