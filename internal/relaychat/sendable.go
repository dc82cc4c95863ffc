package relaychat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FrameDelimiter terminates every frame written to a delivery channel.
const FrameDelimiter = "|endmessage|"

type (
	UserID    string
	ChatID    uint64
	MessageID uint64
)

type Kind string

const (
	KindMessage  Kind = "message"
	KindReceipt  Kind = "read"
	KindReaction Kind = "reaction"
	KindBanner   Kind = "banner"
)

func (k Kind) valid() bool {
	switch k {
	case KindMessage, KindReceipt, KindReaction, KindBanner:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "Sent"
	StatusDelivered DeliveryStatus = "Delivered"
	StatusRead      DeliveryStatus = "Read"
)

type Author struct {
	Username UserID `json:"username"`
}

type ChatMessage struct {
	ID        MessageID           `json:"id"`
	Text      string              `json:"text"`
	From      Author              `json:"from_user"`
	Chat      ChatID              `json:"chat"`
	Timestamp int64               `json:"timestamp"`
	Status    DeliveryStatus      `json:"status,omitempty"`
	Reactions map[string][]UserID `json:"reactions,omitempty"`
}

type MessageRef struct {
	ID   MessageID `json:"id"`
	Chat ChatID    `json:"chat"`
}

type Receipt struct {
	Status  DeliveryStatus `json:"status"`
	Message MessageRef     `json:"message"`
	From    UserID         `json:"from"`
}

type Reaction struct {
	Emoji   string    `json:"emoji"`
	Message MessageID `json:"message"`
	From    UserID    `json:"from"`
	Chat    ChatID    `json:"chat"`
}

type Banner struct {
	Text string `json:"text"`
	Chat ChatID `json:"chat"`
	ID   uint64 `json:"id"`
}

// payload is implemented only by the types above, so every Sendable carries
// a value that encoding/json can always encode.
type payload interface {
	kind() Kind
}

func (ChatMessage) kind() Kind { return KindMessage }
func (Receipt) kind() Kind     { return KindReceipt }
func (Reaction) kind() Kind    { return KindReaction }
func (Banner) kind() Kind      { return KindBanner }

// Sendable is an immutable event bound for one or more users.
type Sendable struct {
	payload   payload
	timestamp int64
	stamped   bool
}

func NewMessage(msg ChatMessage) Sendable {
	msg.Reactions = cloneReactions(msg.Reactions)
	return Sendable{payload: msg, timestamp: msg.Timestamp, stamped: true}
}

func NewReceipt(r Receipt, timestamp int64) Sendable {
	return Sendable{payload: r, timestamp: timestamp, stamped: timestamp != 0}
}

func NewReaction(r Reaction, timestamp int64) Sendable {
	return Sendable{payload: r, timestamp: timestamp, stamped: timestamp != 0}
}

func NewBanner(b Banner, timestamp int64) Sendable {
	return Sendable{payload: b, timestamp: timestamp, stamped: timestamp != 0}
}

func (s Sendable) Kind() Kind {
	if s.payload == nil {
		return ""
	}
	return s.payload.kind()
}

func (s Sendable) IsZero() bool { return s.payload == nil }

// Timestamp returns the event time in milliseconds and whether one was set.
func (s Sendable) Timestamp() (int64, bool) { return s.timestamp, s.stamped }

// Message returns the chat message carried by a message-kind Sendable.
func (s Sendable) Message() (ChatMessage, bool) {
	msg, ok := s.payload.(ChatMessage)
	if ok {
		msg.Reactions = cloneReactions(msg.Reactions)
	}
	return msg, ok
}

func (s Sendable) Receipt() (Receipt, bool) {
	r, ok := s.payload.(Receipt)
	return r, ok
}

func (s Sendable) Reaction() (Reaction, bool) {
	r, ok := s.payload.(Reaction)
	return r, ok
}

func (s Sendable) Banner() (Banner, bool) {
	b, ok := s.payload.(Banner)
	return b, ok
}

// MarshalJSON writes {"<kind>":<payload>} with an optional sibling timestamp.
func (s Sendable) MarshalJSON() ([]byte, error) {
	if s.payload == nil {
		return nil, fmt.Errorf("%w: empty sendable", ErrInvalidInput)
	}
	body, err := json.Marshal(s.payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"`)
	buf.WriteString(string(s.payload.kind()))
	buf.WriteString(`":`)
	buf.Write(body)
	if s.stamped {
		buf.WriteString(`,"timestamp":`)
		buf.WriteString(strconv.FormatInt(s.timestamp, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Sendable) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var (
		out   Sendable
		found int
	)
	for key, value := range raw {
		if key == "timestamp" {
			if err := json.Unmarshal(value, &out.timestamp); err != nil {
				return fmt.Errorf("%w: timestamp: %v", ErrInvalidInput, err)
			}
			out.stamped = true
			continue
		}
		kind := Kind(key)
		if !kind.valid() {
			return fmt.Errorf("%w: unknown sendable key %q", ErrInvalidInput, key)
		}
		found++
		p, err := decodePayload(kind, value)
		if err != nil {
			return err
		}
		out.payload = p
	}
	if found != 1 {
		return fmt.Errorf("%w: sendable must carry exactly one kind, got %d", ErrInvalidInput, found)
	}
	*s = out
	return nil
}

func decodePayload(kind Kind, data json.RawMessage) (payload, error) {
	switch kind {
	case KindMessage:
		var msg ChatMessage
		err := json.Unmarshal(data, &msg)
		return msg, err
	case KindReceipt:
		var r Receipt
		err := json.Unmarshal(data, &r)
		return r, err
	case KindReaction:
		var r Reaction
		err := json.Unmarshal(data, &r)
		return r, err
	case KindBanner:
		var b Banner
		err := json.Unmarshal(data, &b)
		return b, err
	}
	return nil, fmt.Errorf("%w: kind %q", ErrInvalidInput, kind)
}

// Frame encodes s followed by FrameDelimiter.
func Frame(s Sendable) ([]byte, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(data, FrameDelimiter...), nil
}

var (
	heartbeatFrame    = []byte(`{"server":"ping"}` + FrameDelimiter)
	invalidTokenFrame = []byte(`{"server_reponse":"invalid token"}` + FrameDelimiter)
)

// HeartbeatFrame is written on idle channels so clients can detect dead links.
func HeartbeatFrame() []byte { return append([]byte(nil), heartbeatFrame...) }

// InvalidTokenFrame is the terminal frame for an unauthenticated stream.
// Deployed clients match on the "server_reponse" key as spelled.
func InvalidTokenFrame() []byte { return append([]byte(nil), invalidTokenFrame...) }

func cloneReactions(in map[string][]UserID) map[string][]UserID {
	if in == nil {
		return nil
	}
	out := make(map[string][]UserID, len(in))
	for emoji, users := range in {
		out[emoji] = append([]UserID(nil), users...)
	}
	return out
}
