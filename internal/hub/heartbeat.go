package hub

import (
	"context"
	"time"
)

// The TTL spans three intervals, so producers conclude "no live
// subscribers" after one missed refresh plus slack.
const (
	heartbeatInterval = 360 * time.Second
	heartbeatTTL      = 3 * heartbeatInterval
)

// Heartbeat advertises live local subscribers by refreshing a
// subscribed:{channel} marker key for every given channel. The first write
// happens immediately; the returned stop function cancels the refresh.
func (h *Hub) Heartbeat(channels []string) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	h.writeMarkers(ctx, channels)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.writeMarkers(ctx, channels)
			}
		}
	}()

	return cancel
}

func (h *Hub) writeMarkers(ctx context.Context, channels []string) {
	for _, channel := range channels {
		key := h.prefix + "subscribed:" + channel
		if err := h.rdb.Set(ctx, key, "1", heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			h.log.WithError(err).WithField("channel", channel).Warn("Subscription heartbeat write failed")
		}
	}
}
