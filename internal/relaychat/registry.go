package relaychat

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Registry tracks the live channels of every connected user. Users are spread
// over fixed shards so attach/detach for one user never waits on another
// shard's traffic; a snapshot is taken under the shard lock and is therefore
// consistent with concurrent attach and detach calls.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.Mutex
	channels map[UserID][]Channel
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].channels = map[UserID][]Channel{}
	}
	return r
}

func (r *Registry) shard(user UserID) *registryShard {
	return &r.shards[shardIndex(user, registryShards)]
}

func shardIndex(user UserID, shards uint32) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return h.Sum32() % shards
}

// Attach registers ch for user. A user may hold any number of channels.
func (r *Registry) Attach(user UserID, ch Channel) {
	if ch == nil {
		return
	}
	s := r.shard(user)
	s.mu.Lock()
	s.channels[user] = append(s.channels[user], ch)
	s.mu.Unlock()
}

// DetachFailed removes a channel whose push failed. Unknown channels are ignored.
func (r *Registry) DetachFailed(user UserID, ch Channel) {
	r.Detach(user, ch)
}

// Detach removes ch and reports whether it was registered.
func (r *Registry) Detach(user UserID, ch Channel) bool {
	if ch == nil {
		return false
	}
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.channels[user]
	for i, existing := range list {
		if existing.ID() != ch.ID() {
			continue
		}
		next := make([]Channel, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(s.channels, user)
		} else {
			s.channels[user] = next
		}
		return true
	}
	return false
}

// Snapshot returns a copy of the user's channels at this instant.
func (r *Registry) Snapshot(user UserID) []Channel {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.channels[user]
	if len(list) == 0 {
		return nil
	}
	return append([]Channel(nil), list...)
}

// Count returns the number of live channels across all users.
func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, list := range s.channels {
			total += len(list)
		}
		s.mu.Unlock()
	}
	return total
}

// CloseAll closes and forgets every channel. Used on shutdown.
func (r *Registry) CloseAll() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		all := s.channels
		s.channels = map[UserID][]Channel{}
		s.mu.Unlock()
		for _, list := range all {
			for _, ch := range list {
				ch.Close()
			}
		}
	}
}
