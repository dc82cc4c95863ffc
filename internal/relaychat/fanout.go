package relaychat

import "github.com/agentworkforce/relaychat/internal/logx"

const (
	resultLive   = "live"
	resultQueued = "queued"
)

// Fanout pushes events to every live channel of each recipient and queues the
// event for recipients with no successful push.
type Fanout struct {
	registry *Registry
	pending  *PendingQueue
	metrics  *Metrics
	log      logx.Logger
}

func NewFanout(registry *Registry, pending *PendingQueue, metrics *Metrics, log logx.Logger) *Fanout {
	return &Fanout{registry: registry, pending: pending, metrics: metrics, log: log}
}

// Deliver never blocks and never fails: channel errors drop the channel and
// fall through to the pending queue.
func (f *Fanout) Deliver(s Sendable, recipients []UserID) {
	if s.IsZero() {
		return
	}
	for _, user := range recipients {
		f.deliverOne(s, user)
	}
}

func (f *Fanout) deliverOne(s Sendable, user UserID) {
	delivered := 0
	for _, ch := range f.registry.Snapshot(user) {
		if err := ch.TryPush(s); err != nil {
			f.registry.DetachFailed(user, ch)
			ch.Close()
			f.metrics.channelDropped()
			f.log.Warn("dropping delivery channel",
				logx.String("user", string(user)),
				logx.String("channel", ch.ID()),
				logx.String("kind", string(s.Kind())),
				logx.Err(err),
			)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		f.metrics.delivery(s.Kind(), resultLive)
		return
	}
	f.enqueue(s, user)
	f.metrics.delivery(s.Kind(), resultQueued)
}

func (f *Fanout) enqueue(s Sendable, user UserID) {
	stream := "queue"
	var evicted bool
	if msg, ok := s.Message(); ok {
		stream = "messages"
		evicted = f.pending.EnqueueMessage(user, MessageKey{Chat: msg.Chat, ID: msg.ID}, s)
	} else {
		evicted = f.pending.Enqueue(user, s)
	}
	if evicted {
		f.metrics.evicted(stream)
		f.log.Warn("pending limit reached, evicted oldest entry",
			logx.String("user", string(user)),
			logx.String("stream", stream),
		)
	}
}
