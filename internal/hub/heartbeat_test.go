package hub

import (
	"testing"
	"time"
)

func TestHeartbeatWritesMarkersImmediately(t *testing.T) {
	h, _, mr := newTestHub(t, "")

	stop := h.Heartbeat([]string{"timeline:42", "timeline:42:notification"})
	defer stop()

	for _, key := range []string{"subscribed:timeline:42", "subscribed:timeline:42:notification"} {
		got, err := mr.Get(key)
		if err != nil {
			t.Fatalf("marker %s missing: %v", key, err)
		}
		if got != "1" {
			t.Fatalf("marker %s = %q, want 1", key, got)
		}
		if ttl := mr.TTL(key); ttl != heartbeatTTL {
			t.Fatalf("marker %s ttl = %v, want %v", key, ttl, heartbeatTTL)
		}
	}
}

func TestHeartbeatUsesNamespacePrefix(t *testing.T) {
	h, _, mr := newTestHub(t, "ns:")

	stop := h.Heartbeat([]string{"timeline:42"})
	defer stop()

	if _, err := mr.Get("ns:subscribed:timeline:42"); err != nil {
		t.Fatalf("prefixed marker missing: %v", err)
	}
	if mr.Exists("subscribed:timeline:42") {
		t.Fatalf("unprefixed marker must not be written")
	}
}

func TestHeartbeatStopLetsMarkersExpire(t *testing.T) {
	h, _, mr := newTestHub(t, "")

	stop := h.Heartbeat([]string{"timeline:42"})
	stop()

	mr.FastForward(heartbeatTTL + time.Second)
	if mr.Exists("subscribed:timeline:42") {
		t.Fatalf("marker should expire once the heartbeat stops")
	}
}
