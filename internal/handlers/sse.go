package handlers

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/XueKirby/mastodon-streaming/internal/auth"
	"github.com/XueKirby/mastodon-streaming/internal/session"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

// sseHeartbeatInterval paces the comment lines that keep proxies from
// reaping an otherwise quiet connection.
const sseHeartbeatInterval = 15 * time.Second

// streamSSE writes the resolved destination to the client as a
// Server-Sent Events response until the client goes away or falls too
// far behind.
func (h *StreamingHandlers) streamSSE(c *gin.Context, viewer *auth.Account, dst streams.Destination) {
	h.metrics.ConnectedClients.WithLabelValues("eventsource").Inc()
	defer h.metrics.ConnectedClients.WithLabelValues("eventsource").Dec()

	ctx := c.Request.Context()
	events := make(chan streams.Event, sendQueueSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	sess := session.New(h.bus, h.log)
	defer sess.Close()
	sess.Subscribe(dst, func(_, raw string) {
		h.deliver(ctx, viewer, dst.Options, raw, func(ev streams.Event) {
			select {
			case events <- ev:
			default:
				h.metrics.MessagesDropped.WithLabelValues("slow_client").Inc()
				overflowOnce.Do(func() { close(overflow) })
			}
		})
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-store")
	c.Header("Transfer-Encoding", "chunked")
	c.Writer.WriteString(":)\n")
	c.Writer.Flush()

	h.log.WithFields(logging.Fields{
		"request_id": c.GetString("request_id"),
		"stream":     dst.StreamName,
		"channels":   dst.Channels,
	}).Debug("Client connected over SSE")

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			h.log.WithFields(logging.Fields{
				"request_id": c.GetString("request_id"),
				"channels":   dst.Channels,
			}).Warn("Disconnecting SSE client that stopped draining events")
			return
		case <-heartbeat.C:
			c.Writer.WriteString(":thump\n")
			c.Writer.Flush()
		case ev := <-events:
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Event, ev.EncodedPayload())
			c.Writer.Flush()
			h.metrics.MessagesDelivered.WithLabelValues("eventsource").Inc()
		}
	}
}
