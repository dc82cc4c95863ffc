package relaychat

import (
	"errors"
	"strings"
	"sync"
)

// SessionDirectory maps an opaque session token to a user.
type SessionDirectory interface {
	Resolve(token string) (UserID, error)
}

// ChatDirectory lists the members of a chat.
type ChatDirectory interface {
	Members(chat ChatID) ([]UserID, error)
}

// StaticDirectory serves both directories from in-memory tables. Replace swaps
// the tables atomically, which lets config reloads update them at runtime.
type StaticDirectory struct {
	mu     sync.RWMutex
	tokens map[string]UserID
	chats  map[ChatID][]UserID
}

func NewStaticDirectory(tokens map[string]UserID, chats map[ChatID][]UserID) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(tokens, chats)
	return d
}

func (d *StaticDirectory) Replace(tokens map[string]UserID, chats map[ChatID][]UserID) {
	nextTokens := make(map[string]UserID, len(tokens))
	for token, user := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || user == "" {
			continue
		}
		nextTokens[token] = user
	}
	nextChats := make(map[ChatID][]UserID, len(chats))
	for chat, members := range chats {
		nextChats[chat] = dedupeUsers(members)
	}
	d.mu.Lock()
	d.tokens = nextTokens
	d.chats = nextChats
	d.mu.Unlock()
}

func (d *StaticDirectory) Resolve(token string) (UserID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.tokens[strings.TrimSpace(token)]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}

func (d *StaticDirectory) Members(chat ChatID) ([]UserID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.chats[chat]
	if !ok {
		return nil, ErrUnknownChat
	}
	return append([]UserID(nil), members...), nil
}

// SessionChain resolves a token against each directory in order and returns
// the first match.
type SessionChain []SessionDirectory

func (c SessionChain) Resolve(token string) (UserID, error) {
	for _, dir := range c {
		if dir == nil {
			continue
		}
		user, err := dir.Resolve(token)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return "", err
		}
	}
	return "", ErrInvalidToken
}

func dedupeUsers(users []UserID) []UserID {
	seen := make(map[UserID]struct{}, len(users))
	out := make([]UserID, 0, len(users))
	for _, user := range users {
		if user == "" {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		out = append(out, user)
	}
	return out
}
