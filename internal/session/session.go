// Package session tracks the subscriptions owned by one client
// connection. SSE sessions hold exactly one entry for the connection
// lifetime; WebSocket sessions grow and shrink with subscribe and
// unsubscribe control frames.
package session

import (
	"sync"

	"github.com/XueKirby/mastodon-streaming/internal/hub"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

// Bus is the upstream adapter a session attaches its listeners to.
type Bus interface {
	Subscribe(channel string, fn hub.Listener) hub.ListenerID
	Unsubscribe(channel string, id hub.ListenerID)
	Heartbeat(channels []string) (stop func())
}

type subscription struct {
	channels []string
	ids      []hub.ListenerID
	stop     func()
}

// Session owns a set of channel subscriptions keyed by the
// destination's stable channel-set key.
type Session struct {
	bus Bus
	log logging.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func New(bus Bus, log logging.Logger) *Session {
	return &Session{
		bus:  bus,
		log:  log,
		subs: make(map[string]*subscription),
	}
}

// Subscribe attaches deliver to every channel of dst and starts the
// subscription heartbeat. It reports false without side effects when
// the destination is already subscribed or the session is closed.
func (s *Session) Subscribe(dst streams.Destination, deliver hub.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	key := dst.Key()
	if _, ok := s.subs[key]; ok {
		return false
	}

	ids := make([]hub.ListenerID, len(dst.Channels))
	for i, channel := range dst.Channels {
		ids[i] = s.bus.Subscribe(channel, deliver)
	}
	s.subs[key] = &subscription{
		channels: dst.Channels,
		ids:      ids,
		stop:     s.bus.Heartbeat(dst.Channels),
	}
	return true
}

// Unsubscribe detaches the subscription matching dst, if present.
func (s *Session) Unsubscribe(dst streams.Destination) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(dst.Key())
}

// Close detaches every subscription and stops every heartbeat. The
// session accepts no further subscribes afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	n := len(s.subs)
	for key := range s.subs {
		s.remove(key)
	}
	if n > 0 {
		s.log.WithField("subscriptions", n).Debug("Session closed")
	}
}

// Count returns the number of active subscriptions.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// remove detaches one entry. Callers hold s.mu.
func (s *Session) remove(key string) bool {
	sub, ok := s.subs[key]
	if !ok {
		return false
	}
	delete(s.subs, key)
	for i, channel := range sub.channels {
		s.bus.Unsubscribe(channel, sub.ids[i])
	}
	sub.stop()
	return true
}
