package bridge

import (
	"sync"

	"github.com/carlosrabelo/sv2bridge/internal/v1proto"
)

// notifyBroadcast is a most-recent-value, fan-out channel of V1 Notify
// messages. Every subscriber has its own 1-slot mailbox; a slow subscriber
// never blocks a publish — a pending, unread notify is replaced, not queued.
type notifyBroadcast struct {
	mu      sync.Mutex
	latest  *v1proto.Message
	subs    map[chan v1proto.Message]struct{}
}

func newNotifyBroadcast() *notifyBroadcast {
	return &notifyBroadcast{subs: make(map[chan v1proto.Message]struct{})}
}

// subscribe returns a receive channel and immediately delivers the latest
// job if one has been published.
func (b *notifyBroadcast) subscribe() (<-chan v1proto.Message, func()) {
	ch := make(chan v1proto.Message, 1)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.latest != nil {
		ch <- *b.latest
	}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish records msg as the latest job and fans it out, dropping any
// unread previous notify for a subscriber that has fallen behind.
func (b *notifyBroadcast) publish(msg v1proto.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = &msg
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (b *notifyBroadcast) last() *v1proto.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}
