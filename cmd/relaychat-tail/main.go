package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
	"github.com/agentworkforce/relaychat/internal/streamclient"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("RELAYCHAT_BASE_URL", "http://127.0.0.1:8080"), "relaychat base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("RELAYCHAT_TOKEN")), "session token")
	history := flag.Int("history", 0, "print the newest N mailbox entries per chat before following")
	ack := flag.Bool("ack", true, "acknowledge chat messages as they arrive")
	heartbeats := flag.Bool("heartbeats", false, "print heartbeat frames")
	timeout := flag.Duration("timeout", durationEnv("RELAYCHAT_TAIL_TIMEOUT", 15*time.Second), "per-request timeout")
	logLevel := flag.String("log-level", envOrDefault("RELAYCHAT_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	_, log := logx.NewWithOutput(logx.Config{Level: *logLevel, Format: "console"}, os.Stderr)
	if strings.TrimSpace(*token) == "" {
		log.Error("token is required (--token or RELAYCHAT_TOKEN)")
		os.Exit(2)
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := streamclient.NewClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	if *history > 0 {
		if err := printHistory(ctx, client, os.Stdout, *history, time.Now()); err != nil {
			log.Error("history failed", logx.Err(err))
			os.Exit(1)
		}
	}

	err := client.Follow(ctx, streamclient.FollowOptions{AutoAck: *ack, Logger: log}, func(ev streamclient.Event) error {
		if ev.Heartbeat && !*heartbeats {
			return nil
		}
		_, err := fmt.Fprintln(os.Stdout, formatEvent(ev))
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stream stopped", logx.Err(err))
		os.Exit(1)
	}
}

func printHistory(ctx context.Context, client *streamclient.Client, w io.Writer, limit int, now time.Time) error {
	chats, err := client.ListChats(ctx)
	if err != nil {
		return err
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	for _, chat := range chats {
		entries, err := client.ListMailbox(ctx, chat, streamclient.MailboxQuery{Limit: limit})
		if err != nil {
			return err
		}
		// Entries arrive newest first; print oldest first like a transcript.
		for i := len(entries) - 1; i >= 0; i-- {
			if _, err := fmt.Fprintln(w, formatHistoryEntry(entries[i], now)); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatHistoryEntry(entry relaychat.MailboxEntry, now time.Time) string {
	msg := entry.Message
	when := humanize.RelTime(time.UnixMilli(entry.Timestamp), now, "ago", "from now")
	line := fmt.Sprintf("[chat %d #%d %s] %s: %s", msg.Chat, msg.ID, when, msg.From.Username, msg.Text)
	if status := string(msg.Status); status != "" {
		line += " (" + strings.ToLower(status) + ")"
	}
	return line + formatReactions(msg.Reactions)
}

func formatEvent(ev streamclient.Event) string {
	if ev.Heartbeat {
		return "* ping"
	}
	s := ev.Sendable
	if msg, ok := s.Message(); ok {
		return fmt.Sprintf("[chat %d #%d] %s: %s", msg.Chat, msg.ID, msg.From.Username, msg.Text) + formatReactions(msg.Reactions)
	}
	if r, ok := s.Receipt(); ok {
		return fmt.Sprintf("[chat %d #%d] %s by %s", r.Message.Chat, r.Message.ID, strings.ToLower(string(r.Status)), r.From)
	}
	if r, ok := s.Reaction(); ok {
		return fmt.Sprintf("[chat %d #%d] %s reacted %s", r.Chat, r.Message, r.From, r.Emoji)
	}
	if b, ok := s.Banner(); ok {
		return fmt.Sprintf("[chat %d] -- %s --", b.Chat, b.Text)
	}
	return fmt.Sprintf("? %s", s.Kind())
}

func formatReactions(reactions map[string][]relaychat.UserID) string {
	if len(reactions) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(reactions))
	for emoji := range reactions {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)
	parts := make([]string, 0, len(emojis))
	for _, emoji := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", emoji, len(reactions[emoji])))
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}
