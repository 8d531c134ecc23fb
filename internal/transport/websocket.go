package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/goalmate/realtime/internal/models"
)

// WebSocketConfig holds configuration for the WebSocket adapter.
type WebSocketConfig struct {
	URL            string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultWebSocketConfig returns the default adapter configuration.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:            url,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// WebSocketTransport opens push channels over a WebSocket. Outbound sends
// are correlated to their acknowledgments with a per-connection sequence
// number.
type WebSocketTransport struct {
	config WebSocketConfig
}

// NewWebSocketTransport creates the adapter.
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	return &WebSocketTransport{config: config}
}

// Open dials the channel endpoint with the session's bearer token.
func (t *WebSocketTransport) Open(ctx context.Context, cred Credential) (Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: t.config.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", t.config.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	c := &wsConn{
		id:      uuid.New().String(),
		userID:  cred.UserID,
		conn:    conn,
		config:  t.config,
		events:  make(chan Event, t.config.SendBuffer),
		outCh:   make(chan []byte, t.config.SendBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]*pendingSend),
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Int64("user_id", cred.UserID).
		Str("url", t.config.URL).
		Msg("push channel established")

	return c, nil
}

type pendingSend struct {
	feed models.FeedID
	ch   chan sendResult
}

type sendResult struct {
	item *models.Item
	err  error
}

type wsConn struct {
	id     string
	userID int64
	conn   *websocket.Conn
	config WebSocketConfig

	events chan Event
	outCh  chan []byte
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]*pendingSend
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears the connection down locally. Err stays nil for a local
// close.
func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown records the terminal error (first one wins), closes the done
// channel and the underlying socket, and fails all pending sends.
func (c *wsConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.done)
		c.conn.Close()

		c.pendingMu.Lock()
		for seq, p := range c.pending {
			p.ch <- sendResult{err: ErrConnClosed}
			delete(c.pending, seq)
		}
		c.pendingMu.Unlock()

		if cause != nil {
			log.Warn().Err(cause).Str("connection_id", c.id).Msg("push channel failed")
		} else {
			log.Info().Str("connection_id", c.id).Msg("push channel closed")
		}
	})
}

// Send writes a send frame and waits for the matching ack.
func (c *wsConn) Send(ctx context.Context, req SendRequest) (*models.Item, error) {
	seq := c.seq.Add(1)
	envelope, err := json.Marshal(sendEnvelope{Feed: req.Feed, Payload: req.Payload})
	if err != nil {
		return nil, fmt.Errorf("marshal send envelope: %w", err)
	}
	data, err := json.Marshal(frame{Type: frameSend, Seq: seq, Data: envelope})
	if err != nil {
		return nil, fmt.Errorf("marshal send frame: %w", err)
	}

	p := &pendingSend{feed: req.Feed, ch: make(chan sendResult, 1)}
	c.pendingMu.Lock()
	c.pending[seq] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	select {
	case c.outCh <- data:
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-p.ch:
		return res.item, res.err
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvePending completes the send waiting on seq, if it still is.
func (c *wsConn) resolvePending(seq uint64, res func(feed models.FeedID) sendResult) {
	c.pendingMu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Debug().Uint64("seq", seq).Str("connection_id", c.id).Msg("ack for unknown send sequence")
		return
	}
	p.ch <- res(p.feed)
}

// writePump owns all writes to the socket: queued frames plus pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.outCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(fmt.Errorf("write frame: %w", err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames, resolves acks, and forwards events. It closes
// the events channel on exit so consumers ranging over it terminate.
func (c *wsConn) readPump() {
	defer close(c.events)

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("connection_id", c.id).Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(f)
	}
}

func (c *wsConn) handleFrame(f frame) {
	switch f.Type {
	case frameAck:
		c.resolvePending(f.Seq, func(feed models.FeedID) sendResult {
			item, err := decodeAckItem(feed, f.Data)
			return sendResult{item: item, err: err}
		})
	case frameError:
		c.resolvePending(f.Seq, func(models.FeedID) sendResult {
			return sendResult{err: fmt.Errorf("send rejected: %s", f.Error)}
		})
	default:
		event, err := decodeEvent(f)
		if err != nil {
			log.Warn().Err(err).Str("type", f.Type).Str("connection_id", c.id).Msg("dropping undecodable event")
			return
		}
		if event == nil {
			log.Debug().Str("type", f.Type).Str("connection_id", c.id).Msg("ignoring unknown frame type")
			return
		}
		select {
		case c.events <- *event:
		case <-c.done:
		}
	}
}
