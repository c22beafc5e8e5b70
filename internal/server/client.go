// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	releaseGrace = 5 * time.Second
)

// eventHandler is the part of relay.Relay a client drives.
type eventHandler interface {
	Connect(ctx context.Context, sess relay.Session) bool
	Handle(ctx context.Context, sess relay.Session, raw []byte) error
	Disconnect(ctx context.Context, conn presence.ConnID) (string, bool)
	Touch(ctx context.Context, sess relay.Session)
}

// Client is one WebSocket connection and the user it was opened for.
type Client struct {
	id             presence.ConnID
	userID         string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	handler        eventHandler
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         *slog.Logger

	// ctx lives as long as the connection is registered with the hub.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient wraps an upgraded connection. userID may be empty; such a client
// stays connected but every event it sends is dropped.
func NewClient(conn *websocket.Conn, hub *Hub, handler eventHandler, cfg Config, userID, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := presence.ConnID(uuid.NewString())
	ctx, cancel := context.WithCancel(hub.ctx)
	return &Client{
		id:             id,
		userID:         userID,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		handler:        handler,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit()),
		rateLimit:      cfg.RateLimit(),
		logger:         hub.logger.With("component", "client", "conn_id", id, "addr", addr),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *Client) session() relay.Session {
	return relay.Session{ConnID: c.id, UserID: c.userID}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		c.handler.Touch(c.ctx, c.session())
		return nil
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", "error", err)
	default:
		c.logger.Warn("WebSocket read error", "error", err)
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage hands one frame to the relay. Dropped frames are logged and
// the connection stays open.
func (c *Client) processMessage(ctx context.Context, raw []byte) {
	if err := c.handler.Handle(ctx, c.session(), raw); err != nil {
		if errors.Is(err, relay.ErrProtocolViolation) {
			c.logger.Warn("event dropped", "user_id", c.userID, "error", err)
			return
		}
		c.logger.Error("event handling failed", "user_id", c.userID, "error", err)
	}
}

func (c *Client) readPump() {
	ctx := c.ctx
	defer func() {
		c.cancel()
		// ctx is cancelled by now; cleanup gets its own deadline
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseGrace)
		c.handler.Disconnect(cleanupCtx, c.id)
		cancel()

		c.hub.release(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()
	c.handler.Connect(ctx, c.session())

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(ctx, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection in writePump", "error", err)
	}
}

// handleMessage writes one frame. Each event travels in its own text frame.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error writing close message", "error", err)
	}
	return false
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping message", "error", err)
		return false
	}
	return true
}
