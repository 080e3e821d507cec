// Package handlers serves the streaming API over its two transports:
// Server-Sent Events on the /api/v1/streaming resource routes and
// WebSocket upgrades on the root and base streaming paths.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/XueKirby/mastodon-streaming/internal/api"
	"github.com/XueKirby/mastodon-streaming/internal/auth"
	"github.com/XueKirby/mastodon-streaming/internal/filter"
	"github.com/XueKirby/mastodon-streaming/internal/metrics"
	"github.com/XueKirby/mastodon-streaming/internal/session"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/config"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

// sendQueueSize bounds the per-client outbound queue. A client that
// cannot drain this many events is disconnected rather than allowed to
// stall delivery to others.
const sendQueueSize = 256

// StreamingHandlers contains the HTTP handlers for the service.
type StreamingHandlers struct {
	cfg      *config.Config
	log      logging.Logger
	bus      session.Bus
	accounts *auth.Resolver
	resolver *streams.Resolver
	filter   *filter.Filter
	metrics  *metrics.Metrics
}

// NewStreamingHandlers creates a new handlers instance.
func NewStreamingHandlers(cfg *config.Config, log logging.Logger, bus session.Bus, accounts *auth.Resolver, resolver *streams.Resolver, fil *filter.Filter, m *metrics.Metrics) *StreamingHandlers {
	return &StreamingHandlers{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		accounts: accounts,
		resolver: resolver,
		filter:   fil,
		metrics:  m,
	}
}

// RegisterRoutes attaches every streaming endpoint to the router. The
// WebSocket entry points live at the root and the bare streaming path;
// each resource route under /api/v1/streaming serves one SSE stream.
func (h *StreamingHandlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.HandleWebSocket)
	router.GET("/api/v1/streaming", h.HandleWebSocket)

	sse := router.Group("/api/v1/streaming")
	sse.GET("/health", h.HandleStreamingHealth)
	sse.GET("/user", h.sseHandler("user"))
	sse.GET("/user/notification", h.sseHandler("user:notification"))
	sse.GET("/public", h.publicHandler("public"))
	sse.GET("/public/local", h.publicHandler("public:local"))
	sse.GET("/public/remote", h.publicHandler("public:remote"))
	sse.GET("/direct", h.sseHandler("direct"))
	sse.GET("/hashtag", h.sseHandler("hashtag"))
	sse.GET("/hashtag/local", h.sseHandler("hashtag:local"))
	sse.GET("/list", h.sseHandler("list"))
}

// HandleStreamingHealth answers the plain-text liveness probe load
// balancers poll.
func (h *StreamingHandlers) HandleStreamingHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (h *StreamingHandlers) sseHandler(stream string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.serveSSE(c, stream)
	}
}

// publicHandler maps the only_media query flag onto the :media stream
// variants before resolution.
func (h *StreamingHandlers) publicHandler(stream string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if mediaOnly := c.Query("only_media"); mediaOnly == "1" || mediaOnly == "true" {
			stream += ":media"
		}
		h.serveSSE(c, stream)
	}
}

func (h *StreamingHandlers) serveSSE(c *gin.Context, stream string) {
	viewer, err := h.authorize(c, stream)
	if err != nil {
		api.AbortWithError(c, err)
		return
	}

	dst, err := h.resolver.Resolve(c.Request.Context(), viewer, streams.Request{
		Stream: stream,
		Tag:    c.Query("tag"),
		List:   c.Query("list"),
	})
	if err != nil {
		api.AbortWithError(c, err)
		return
	}

	h.streamSSE(c, viewer, dst)
}

// authorize resolves the viewer identity for the named stream. A missing
// token passes only when the stream accepts anonymous viewers; a
// presented token is always verified, public stream or not.
func (h *StreamingHandlers) authorize(c *gin.Context, stream string) (*auth.Account, error) {
	required := streams.RequiredScopes(stream, h.cfg.AlwaysRequireAuth)
	token, ok := auth.TokenFromRequest(c.Request)
	if !ok {
		if required != nil {
			return nil, api.MissingToken()
		}
		return auth.Anonymous(), nil
	}
	return h.accounts.Resolve(c.Request.Context(), token, required)
}

// deliver parses one upstream message and hands it to enqueue when the
// viewer may see it. Policy checks that hit the database run off the
// dispatch goroutine so a slow query cannot stall fan-out to listeners
// on other connections.
func (h *StreamingHandlers) deliver(ctx context.Context, viewer *auth.Account, opts streams.Options, raw string, enqueue func(streams.Event)) {
	ev, err := streams.ParseEvent(raw)
	if err != nil {
		h.log.WithError(err).Warn("Discarding malformed upstream event")
		return
	}
	if ev.QueuedAt > 0 {
		if lag := float64(time.Now().UnixMilli()-ev.QueuedAt) / 1000; lag >= 0 {
			h.metrics.DeliveryLag.Observe(lag)
		}
	}

	decide := func() {
		if !h.filter.Allow(ctx, viewer, opts, ev) {
			h.metrics.MessagesDropped.WithLabelValues("filtered").Inc()
			return
		}
		enqueue(ev)
	}
	if opts.NeedsFiltering && ev.Event == "update" && !viewer.IsAnonymous() {
		go decide()
	} else {
		decide()
	}
}
