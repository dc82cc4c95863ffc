package relaychat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agentworkforce/relaychat/internal/logx"
)

type HubOptions struct {
	Sessions      SessionDirectory
	Chats         ChatDirectory
	StateBackend  StateBackend
	PendingLimit  int
	ChannelBuffer int
	// SelfDelivery also delivers and mirrors events to the user that caused them.
	SelfDelivery bool
	Metrics      *Metrics
	Logger       logx.Logger
	Now          func() time.Time
}

// Hub is the delivery core: it owns the registry, pending queue and mailbox
// store and exposes the operations transports call.
type Hub struct {
	sessions      SessionDirectory
	chats         ChatDirectory
	stateBackend  StateBackend
	channelBuffer int
	selfDelivery  bool
	now           func() time.Time
	log           logx.Logger
	metrics       *Metrics

	registry *Registry
	pending  *PendingQueue
	mailbox  *MailboxStore
	fanout   *Fanout

	counterMu      sync.Mutex
	counters       map[ChatID]uint64
	bannerCounters map[ChatID]uint64
}

func NewHub(opts HubOptions) *Hub {
	sessions := opts.Sessions
	chats := opts.Chats
	if sessions == nil || chats == nil {
		empty := NewStaticDirectory(nil, nil)
		if sessions == nil {
			sessions = empty
		}
		if chats == nil {
			chats = empty
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	channelBuffer := opts.ChannelBuffer
	if channelBuffer <= 0 {
		channelBuffer = defaultChannelBuffer
	}
	registry := NewRegistry()
	pending := NewPendingQueue(opts.PendingLimit)
	return &Hub{
		sessions:       sessions,
		chats:          chats,
		stateBackend:   opts.StateBackend,
		channelBuffer:  channelBuffer,
		selfDelivery:   opts.SelfDelivery,
		now:            now,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		registry:       registry,
		pending:        pending,
		mailbox:        NewMailboxStore(),
		fanout:         NewFanout(registry, pending, opts.Metrics, opts.Logger),
		counters:       map[ChatID]uint64{},
		bannerCounters: map[ChatID]uint64{},
	}
}

func (h *Hub) Registry() *Registry        { return h.registry }
func (h *Hub) Pending() *PendingQueue     { return h.pending }
func (h *Hub) Mailbox() *MailboxStore     { return h.mailbox }
func (h *Hub) Sessions() SessionDirectory { return h.sessions }

// Authenticate resolves a session token.
func (h *Hub) Authenticate(token string) (UserID, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	user, err := h.sessions.Resolve(token)
	if err != nil {
		return "", err
	}
	if user == "" {
		return "", ErrInvalidToken
	}
	return user, nil
}

// OpenChannel attaches a new channel for user and returns the events that
// were waiting for them: unacknowledged chat messages followed by the drained
// generic queue. The channel is attached before draining so nothing posted in
// between can be stranded in the queue.
func (h *Hub) OpenChannel(user UserID) (*Conn, []Sendable) {
	conn := NewConn(user, h.channelBuffer)
	h.registry.Attach(user, conn)
	replay := h.pending.Messages(user)
	replay = append(replay, h.pending.Drain(user)...)
	h.metrics.replay(len(replay))
	h.log.Debug("channel opened",
		logx.String("user", string(user)),
		logx.String("channel", conn.ID()),
		logx.Int("replay", len(replay)),
	)
	return conn, replay
}

// CloseChannel detaches and closes conn. Events still buffered in conn were
// never written, so they go back to the pending queue. Safe to call more than
// once.
func (h *Hub) CloseChannel(user UserID, conn *Conn) {
	if conn == nil {
		return
	}
	if h.registry.Detach(user, conn) {
		h.log.Debug("channel closed", logx.String("user", string(user)), logx.String("channel", conn.ID()))
	}
	conn.Close()
	if leftover := conn.Drain(); len(leftover) > 0 {
		h.Requeue(user, leftover)
		h.log.Debug("requeued buffered events",
			logx.String("user", string(user)),
			logx.String("channel", conn.ID()),
			logx.Int("events", len(leftover)),
		)
	}
}

// Requeue puts events a transport accepted but did not write back into the
// user's pending queue. Chat messages return to the message map under their
// key, so requeueing one that is still pending is a no-op.
func (h *Hub) Requeue(user UserID, events []Sendable) {
	for _, ev := range events {
		if ev.IsZero() {
			continue
		}
		h.fanout.enqueue(ev, user)
	}
}

// Post fans s out to recipients. Chat messages are mirrored into every
// recipient's mailbox before delivery.
func (h *Hub) Post(s Sendable, recipients []UserID) {
	if s.IsZero() || len(recipients) == 0 {
		return
	}
	recipients = dedupeUsers(recipients)
	if msg, ok := s.Message(); ok {
		entry := MailboxEntry{ID: msg.ID, Timestamp: msg.Timestamp, Kind: KindMessage, Message: msg}
		for _, user := range recipients {
			h.mailbox.Append(user, msg.Chat, entry)
			h.metrics.mailboxAppend()
		}
	}
	h.fanout.Deliver(s, recipients)
}

// PostMessage creates a chat message from sender and posts it to the chat.
// A zero timestamp is replaced by the current time.
func (h *Hub) PostMessage(sender UserID, chat ChatID, text string, timestamp int64) (ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, fmt.Errorf("%w: empty message text", ErrInvalidInput)
	}
	members, err := h.memberCheck(sender, chat)
	if err != nil {
		return ChatMessage{}, err
	}
	if timestamp <= 0 {
		timestamp = h.nowMillis()
	}
	msg := ChatMessage{
		ID:        h.nextID(chat),
		Text:      text,
		From:      Author{Username: sender},
		Chat:      chat,
		Timestamp: timestamp,
		Status:    StatusSent,
	}
	h.Post(NewMessage(msg), h.audience(members, sender))
	return msg, nil
}

// AcknowledgeReceipt records that user's client received a message and tells
// the original sender.
func (h *Hub) AcknowledgeReceipt(user UserID, chat ChatID, id MessageID) error {
	return h.receipt(user, chat, id, StatusDelivered)
}

// MarkRead records that user read a message and tells the original sender.
// It also acknowledges the message if it was still pending.
func (h *Hub) MarkRead(user UserID, chat ChatID, id MessageID) error {
	return h.receipt(user, chat, id, StatusRead)
}

func (h *Hub) receipt(user UserID, chat ChatID, id MessageID, status DeliveryStatus) error {
	key := MessageKey{Chat: chat, ID: id}
	var sender UserID
	if s, ok := h.pending.Acknowledge(user, key); ok {
		if msg, ok := s.Message(); ok {
			sender = msg.From.Username
		}
	}
	if sender == "" {
		entry, err := h.mailbox.Get(user, chat, id)
		if err != nil {
			if errors.Is(err, ErrUnknownChat) {
				return ErrNotFound
			}
			return err
		}
		sender = entry.Message.From.Username
	}
	h.raiseStatus(sender, chat, id, status)
	if sender == user || sender == "" {
		return nil
	}
	r := Receipt{Status: status, Message: MessageRef{ID: id, Chat: chat}, From: user}
	h.Post(NewReceipt(r, h.nowMillis()), []UserID{sender})
	return nil
}

// raiseStatus moves the sender's own copy forward (Sent, Delivered, Read);
// it never moves backwards.
func (h *Hub) raiseStatus(owner UserID, chat ChatID, id MessageID, status DeliveryStatus) {
	_ = h.mailbox.Update(owner, chat, id, func(e *MailboxEntry) {
		if statusRank(status) > statusRank(e.Message.Status) {
			e.Message.Status = status
		}
	})
}

func statusRank(s DeliveryStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// React adds user's emoji to a message, updates the reaction tally in each
// member's mailbox and notifies the chat.
func (h *Hub) React(user UserID, chat ChatID, id MessageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("%w: empty emoji", ErrInvalidInput)
	}
	members, err := h.memberCheck(user, chat)
	if err != nil {
		return err
	}
	found := 0
	for _, member := range members {
		err := h.mailbox.Update(member, chat, id, func(e *MailboxEntry) {
			if e.Message.Reactions == nil {
				e.Message.Reactions = map[string][]UserID{}
			}
			for _, existing := range e.Message.Reactions[emoji] {
				if existing == user {
					return
				}
			}
			e.Message.Reactions[emoji] = append(e.Message.Reactions[emoji], user)
		})
		if err == nil {
			found++
		}
	}
	if found == 0 {
		return ErrNotFound
	}
	r := Reaction{Emoji: emoji, Message: id, From: user, Chat: chat}
	h.Post(NewReaction(r, h.nowMillis()), h.audience(members, user))
	return nil
}

// Announce posts a system banner to every member of chat.
func (h *Hub) Announce(chat ChatID, text string) (Banner, error) {
	if strings.TrimSpace(text) == "" {
		return Banner{}, fmt.Errorf("%w: empty banner text", ErrInvalidInput)
	}
	members, err := h.chats.Members(chat)
	if err != nil {
		return Banner{}, err
	}
	b := Banner{Text: text, Chat: chat, ID: h.nextBannerID(chat)}
	h.Post(NewBanner(b, h.nowMillis()), members)
	return b, nil
}

// AnnounceJoin posts the "<user> joined this chat" banner.
func (h *Hub) AnnounceJoin(chat ChatID, user UserID) (Banner, error) {
	return h.Announce(chat, fmt.Sprintf("%s joined this chat", user))
}

func (h *Hub) MailboxGet(user UserID, chat ChatID, id MessageID) (MailboxEntry, error) {
	if _, err := h.memberCheck(user, chat); err != nil {
		return MailboxEntry{}, err
	}
	entry, err := h.mailbox.Get(user, chat, id)
	if errors.Is(err, ErrUnknownChat) {
		return MailboxEntry{}, ErrNotFound
	}
	return entry, err
}

func (h *Hub) MailboxList(user UserID, chat ChatID, opts ListOptions) ([]MailboxEntry, error) {
	if _, err := h.memberCheck(user, chat); err != nil {
		return nil, err
	}
	entries, err := h.mailbox.List(user, chat, opts)
	if errors.Is(err, ErrUnknownChat) {
		return []MailboxEntry{}, nil
	}
	return entries, err
}

func (h *Hub) MailboxListChats(user UserID) []ChatID {
	return h.mailbox.ListChats(user)
}

// CheckMember reports ErrUnknownChat or ErrUserNotInChat when user may not
// act on chat.
func (h *Hub) CheckMember(user UserID, chat ChatID) error {
	_, err := h.memberCheck(user, chat)
	return err
}

func (h *Hub) memberCheck(user UserID, chat ChatID) ([]UserID, error) {
	members, err := h.chats.Members(chat)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if member == user {
			return members, nil
		}
	}
	return nil, ErrUserNotInChat
}

func (h *Hub) audience(members []UserID, actor UserID) []UserID {
	if h.selfDelivery {
		return members
	}
	out := make([]UserID, 0, len(members))
	for _, member := range members {
		if member != actor {
			out = append(out, member)
		}
	}
	return out
}

func (h *Hub) nextID(chat ChatID) MessageID {
	return MessageID(h.bump(h.counters, chat))
}

// nextBannerID draws from a sequence separate from message ids, so banners
// leave no gaps in a chat's message numbering.
func (h *Hub) nextBannerID(chat ChatID) uint64 {
	return h.bump(h.bannerCounters, chat)
}

func (h *Hub) bump(counters map[ChatID]uint64, chat ChatID) uint64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	counters[chat]++
	return counters[chat]
}

func (h *Hub) nowMillis() int64 {
	return h.now().UnixMilli()
}

// Load restores pending queues, mailboxes and id counters from the state
// backend. It is meant to run once at startup before any channel opens.
func (h *Hub) Load() error {
	if h.stateBackend == nil {
		return nil
	}
	state, err := h.stateBackend.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil
	}
	h.pending.restore(state.Pending)
	h.mailbox.restore(state.Mailboxes)

	h.counterMu.Lock()
	for chat, n := range state.Counters {
		if n > h.counters[chat] {
			h.counters[chat] = n
		}
	}
	for chat, n := range state.BannerCounters {
		if n > h.bannerCounters[chat] {
			h.bannerCounters[chat] = n
		}
	}
	for _, chats := range state.Mailboxes {
		for chat, entries := range chats {
			for _, entry := range entries {
				if uint64(entry.ID) > h.counters[chat] {
					h.counters[chat] = uint64(entry.ID)
				}
			}
		}
	}
	h.counterMu.Unlock()

	h.log.Info("state loaded",
		logx.String("mailboxEntries", humanize.Comma(int64(h.mailbox.Len()))),
		logx.Int("pendingUsers", len(state.Pending)),
	)
	return nil
}

// Save writes the current pending queues, mailboxes and id counters to the
// state backend. It is meant to run once at shutdown.
func (h *Hub) Save() error {
	if h.stateBackend == nil {
		return nil
	}
	state := h.snapshot()
	if err := h.stateBackend.Save(state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	h.log.Info("state saved",
		logx.String("mailboxEntries", humanize.Comma(int64(h.mailbox.Len()))),
		logx.Int("pendingUsers", len(state.Pending)),
	)
	return nil
}

func (h *Hub) snapshot() *persistedState {
	h.counterMu.Lock()
	counters := make(map[ChatID]uint64, len(h.counters))
	for chat, n := range h.counters {
		counters[chat] = n
	}
	bannerCounters := make(map[ChatID]uint64, len(h.bannerCounters))
	for chat, n := range h.bannerCounters {
		bannerCounters[chat] = n
	}
	h.counterMu.Unlock()
	return &persistedState{
		Version:        persistedStateVersion,
		SavedAt:        h.now().UTC(),
		Counters:       counters,
		BannerCounters: bannerCounters,
		Pending:        h.pending.snapshot(),
		Mailboxes:      h.mailbox.snapshot(),
	}
}

// Close drops every live channel and releases the state backend.
func (h *Hub) Close() error {
	h.registry.CloseAll()
	if closer, ok := h.stateBackend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
