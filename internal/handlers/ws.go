package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/XueKirby/mastodon-streaming/internal/api"
	"github.com/XueKirby/mastodon-streaming/internal/auth"
	"github.com/XueKirby/mastodon-streaming/internal/session"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = 30 * time.Second

	// Maximum control frame size allowed from peer
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// controlFrame is one inbound subscription command.
type controlFrame struct {
	Type   string      `json:"type"`
	Stream string      `json:"stream"`
	Tag    string      `json:"tag"`
	List   looseString `json:"list"`
}

// looseString accepts either a JSON string or a bare number, since
// clients send list ids both ways.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(b)
	return nil
}

// outboundFrame is the envelope written for every delivered event.
type outboundFrame struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// HandleWebSocket authenticates the handshake, upgrades the connection
// and runs the subscription control plane. The auth policy matches SSE:
// the stream named in the handshake query decides whether a token is
// required, and a presented token is always verified.
func (h *StreamingHandlers) HandleWebSocket(c *gin.Context) {
	stream := c.Query("stream")
	var required []string
	if stream != "" {
		required = streams.RequiredScopes(stream, h.cfg.AlwaysRequireAuth)
	}

	viewer := auth.Anonymous()
	if token, ok := auth.TokenFromRequest(c.Request); ok {
		var err error
		viewer, err = h.accounts.Resolve(c.Request.Context(), token, required)
		if err != nil {
			api.AbortWithError(c, err)
			return
		}
	} else if required != nil {
		api.AbortWithError(c, api.MissingToken())
		return
	}

	// Browser clients smuggle the token through the subprotocol header;
	// the handshake response has to echo it back or they drop the
	// connection.
	var responseHeader http.Header
	if protocols := websocket.Subprotocols(c.Request); len(protocols) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {protocols[0]}}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		h.log.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := newWSClient(h, conn, viewer, c.GetString("request_id"))
	if stream != "" {
		client.subscribe(streams.Request{Stream: stream, Tag: c.Query("tag"), List: c.Query("list")})
	}

	go client.writePump()
	go client.readPump()
}

// wsClient is one WebSocket connection and its subscription set.
type wsClient struct {
	h         *StreamingHandlers
	conn      *websocket.Conn
	viewer    *auth.Account
	sess      *session.Session
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	requestID string
	closeOnce sync.Once
}

func newWSClient(h *StreamingHandlers, conn *websocket.Conn, viewer *auth.Account, requestID string) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	h.metrics.ConnectedClients.WithLabelValues("websocket").Inc()
	return &wsClient{
		h:         h,
		conn:      conn,
		viewer:    viewer,
		sess:      session.New(h.bus, h.log),
		send:      make(chan []byte, sendQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		requestID: requestID,
	}
}

// teardown detaches every subscription and closes the connection. Safe
// to call from any goroutine, any number of times.
func (cl *wsClient) teardown() {
	cl.closeOnce.Do(func() {
		cl.cancel()
		cl.sess.Close()
		cl.conn.Close()
		cl.h.metrics.ConnectedClients.WithLabelValues("websocket").Dec()
	})
}

// readPump consumes control frames until the connection drops.
func (cl *wsClient) readPump() {
	defer cl.teardown()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cl.h.log.WithError(err).WithField("request_id", cl.requestID).Error("WebSocket connection error")
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			cl.h.log.WithError(err).WithField("request_id", cl.requestID).Warn("Invalid control frame")
			continue
		}
		cl.handleControl(frame)
	}
}

// writePump flushes outbound frames and keeps the connection alive with
// periodic pings.
func (cl *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.teardown()
	}()

	for {
		select {
		case <-cl.ctx.Done():
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			cl.h.metrics.MessagesDelivered.WithLabelValues("websocket").Inc()

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *wsClient) handleControl(frame controlFrame) {
	req := streams.Request{Stream: frame.Stream, Tag: frame.Tag, List: string(frame.List)}
	switch frame.Type {
	case "subscribe":
		cl.subscribe(req)
	case "unsubscribe":
		cl.unsubscribe(req)
	default:
		// Unknown control types are ignored.
	}
}

// subscribe authorizes and resolves one stream request, then attaches
// it to the session. Failures are logged and the frame is dropped; the
// client simply never sees events for that stream.
func (cl *wsClient) subscribe(req streams.Request) {
	if required := streams.RequiredScopes(req.Stream, cl.h.cfg.AlwaysRequireAuth); required != nil {
		if cl.viewer.IsAnonymous() {
			cl.refuse(req.Stream, api.MissingToken())
			return
		}
		if !cl.viewer.HasAnyScope(required...) {
			cl.refuse(req.Stream, api.InsufficientScope())
			return
		}
	}

	dst, err := cl.h.resolver.Resolve(cl.ctx, cl.viewer, req)
	if err != nil {
		cl.refuse(req.Stream, err)
		return
	}

	subscribed := cl.sess.Subscribe(dst, func(_, raw string) {
		cl.h.deliver(cl.ctx, cl.viewer, dst.Options, raw, func(ev streams.Event) {
			cl.enqueue(dst, ev)
		})
	})
	if subscribed {
		cl.h.log.WithFields(logging.Fields{
			"request_id": cl.requestID,
			"stream":     dst.StreamName,
			"channels":   dst.Channels,
		}).Debug("Client subscribed")
	}
}

// unsubscribe resolves the stream request again to recover the channel
// set key, then detaches it.
func (cl *wsClient) unsubscribe(req streams.Request) {
	dst, err := cl.h.resolver.Resolve(cl.ctx, cl.viewer, req)
	if err != nil {
		cl.refuse(req.Stream, err)
		return
	}
	if cl.sess.Unsubscribe(dst) {
		cl.h.log.WithFields(logging.Fields{
			"request_id": cl.requestID,
			"stream":     dst.StreamName,
		}).Debug("Client unsubscribed")
	}
}

func (cl *wsClient) refuse(stream string, err error) {
	cl.h.log.WithError(err).WithFields(logging.Fields{
		"request_id": cl.requestID,
		"stream":     stream,
	}).Warn("Subscription request refused")
}

// enqueue frames the event and queues it for the write pump. A full
// queue means the client stopped draining; it gets disconnected instead
// of holding up dispatch.
func (cl *wsClient) enqueue(dst streams.Destination, ev streams.Event) {
	frame, err := json.Marshal(outboundFrame{
		Stream:  dst.StreamName,
		Event:   ev.Event,
		Payload: ev.EncodedPayload(),
	})
	if err != nil {
		cl.h.log.WithError(err).Error("Failed to marshal outbound frame")
		return
	}

	select {
	case cl.send <- frame:
	default:
		cl.h.metrics.MessagesDropped.WithLabelValues("slow_client").Inc()
		cl.h.log.WithField("request_id", cl.requestID).Warn("Disconnecting WebSocket client that stopped draining events")
		cl.teardown()
	}
}
