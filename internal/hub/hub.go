package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/XueKirby/mastodon-streaming/internal/api"
	"github.com/XueKirby/mastodon-streaming/internal/metrics"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Listener receives each raw message published on a channel it is
// registered for.
type Listener func(channel, raw string)

type entry struct {
	id ListenerID
	fn Listener
}

// Hub owns the single upstream subscriber connection and the refcounted
// subscription table that fans incoming messages out to local listeners.
// The first listener on a channel triggers the physical SUBSCRIBE, the last
// one leaving triggers UNSUBSCRIBE.
//
// All hub APIs deal in unprefixed channel ids; the configured namespace
// prefix is applied here and nowhere else.
type Hub struct {
	rdb    goredis.UniversalClient
	prefix string
	log    logging.Logger
	m      *metrics.Metrics

	mu     sync.Mutex
	table  map[string][]entry
	nextID ListenerID
	pubsub *goredis.PubSub
}

func New(rdb goredis.UniversalClient, prefix string, log logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		m:      m,
		table:  make(map[string][]entry),
		pubsub: rdb.Subscribe(context.Background()),
	}
}

// Subscribe registers fn for the channel and returns its removal handle.
func (h *Hub) Subscribe(channel string, fn Listener) ListenerID {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	first := len(h.table[channel]) == 0
	h.table[channel] = append(h.table[channel], entry{id: id, fn: fn})

	if first {
		// go-redis tracks the desired channel set and resubscribes after
		// reconnects, so a failed write here heals on its own.
		if err := h.pubsub.Subscribe(context.Background(), h.prefix+channel); err != nil {
			h.log.WithError(err).WithField("channel", channel).Error("Upstream subscribe failed")
		}
		h.m.Subscriptions.Inc()
		h.log.WithField("channel", channel).Debug("Subscribed to upstream channel")
	}

	return id
}

// Unsubscribe removes the listener registered under id. Removing the last
// listener for a channel drops the upstream subscription. Unknown ids are
// no-ops.
func (h *Hub) Unsubscribe(channel string, id ListenerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.table[channel]
	found := false
	for i, e := range entries {
		if e.id == id {
			h.table[channel] = append(entries[:i:i], entries[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}

	if len(h.table[channel]) == 0 {
		delete(h.table, channel)
		if err := h.pubsub.Unsubscribe(context.Background(), h.prefix+channel); err != nil {
			h.log.WithError(err).WithField("channel", channel).Error("Upstream unsubscribe failed")
		}
		h.m.Subscriptions.Dec()
		h.log.WithField("channel", channel).Debug("Unsubscribed from upstream channel")
	}
}

// Listeners reports how many listeners are registered for the channel.
func (h *Hub) Listeners(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.table[channel])
}

// Run consumes the upstream subscriber connection and dispatches messages
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ch := h.pubsub.Channel()
	h.log.Info("Upstream receiver attached")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return api.UpstreamUnavailable(fmt.Errorf("pub/sub message channel closed"))
			}
			h.dispatch(strings.TrimPrefix(msg.Channel, h.prefix), msg.Payload)
		}
	}
}

// Close tears down the upstream subscriber connection, which also stops a
// concurrent Run.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}

// dispatch invokes every listener registered for the channel at the moment
// the message arrived. The snapshot keeps a concurrent unsubscribe from
// skipping siblings mid-pass.
func (h *Hub) dispatch(channel, raw string) {
	h.mu.Lock()
	entries := h.table[channel]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	h.mu.Unlock()

	for _, e := range snapshot {
		h.invoke(e, channel, raw)
	}
}

func (h *Hub) invoke(e entry, channel, raw string) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logging.Fields{
				"channel":  channel,
				"listener": e.id,
				"panic":    r,
			}).Error("Listener panicked")
		}
	}()
	e.fn(channel, raw)
}
