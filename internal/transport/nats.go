package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/goalmate/realtime/internal/models"
)

// NATSConfig holds configuration for the NATS adapter, used against
// deployments where the backend publishes feed events on a subject per
// user instead of a socket per client.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	EventBuffer   int
}

// DefaultNATSConfig returns the default adapter configuration.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		SubjectPrefix: "feed.user",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		EventBuffer:   256,
	}
}

// NATSTransport opens push channels over NATS. Reconnects below a live
// Conn are the client library's business; the Conn only reports terminal
// closure.
type NATSTransport struct {
	config NATSConfig
}

// NewNATSTransport creates the adapter.
func NewNATSTransport(config NATSConfig) *NATSTransport {
	return &NATSTransport{config: config}
}

// Open connects and subscribes to the identity's event subject.
func (t *NATSTransport) Open(ctx context.Context, cred Credential) (Conn, error) {
	c := &natsConn{
		userID: cred.UserID,
		config: t.config,
		events: make(chan Event, t.config.EventBuffer),
		done:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Token(cred.Token),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Int64("user_id", cred.UserID).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.shutdown(nc.LastError())
		}),
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	subject := fmt.Sprintf("%s.%d.events", t.config.SubjectPrefix, cred.UserID)
	sub, err := nc.Subscribe(subject, c.handleMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.sub = sub

	log.Info().
		Str("subject", subject).
		Int64("user_id", cred.UserID).
		Msg("push channel established over NATS")

	return c, nil
}

type natsConn struct {
	userID int64
	config NATSConfig
	nc     *nats.Conn
	sub    *nats.Subscription

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Events returns the inbound event channel. It is never closed; consumers
// must also watch Done. A NATS callback may still be running when the
// connection shuts down, so closing the channel here would race with it.
func (c *natsConn) Events() <-chan Event {
	return c.events
}

func (c *natsConn) Done() <-chan struct{} {
	return c.done
}

func (c *natsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *natsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *natsConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		if c.nc != nil && !c.nc.IsClosed() {
			c.nc.Close()
		}
		close(c.done)

		if cause != nil {
			log.Warn().Err(cause).Int64("user_id", c.userID).Msg("NATS push channel failed")
		} else {
			log.Info().Int64("user_id", c.userID).Msg("NATS push channel closed")
		}
	})
}

// handleMessage decodes one published frame and forwards the event. A
// full buffer drops the event rather than blocking the NATS callback.
func (c *natsConn) handleMessage(msg *nats.Msg) {
	var f frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed frame")
		return
	}

	event, err := decodeEvent(f)
	if err != nil {
		log.Warn().Err(err).Str("type", f.Type).Msg("dropping undecodable event")
		return
	}
	if event == nil {
		log.Debug().Str("type", f.Type).Msg("ignoring unknown frame type")
		return
	}

	select {
	case <-c.done:
	default:
		select {
		case c.events <- *event:
		default:
			log.Warn().Str("feed", event.Feed.String()).Msg("event buffer full, dropping event")
		}
	}
}

// Send publishes a request and decodes the reply as the confirmed item.
func (c *natsConn) Send(ctx context.Context, req SendRequest) (*models.Item, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	default:
	}

	envelope, err := json.Marshal(sendEnvelope{Feed: req.Feed, Payload: req.Payload})
	if err != nil {
		return nil, fmt.Errorf("marshal send envelope: %w", err)
	}
	data, err := json.Marshal(frame{Type: frameSend, Data: envelope})
	if err != nil {
		return nil, fmt.Errorf("marshal send frame: %w", err)
	}

	subject := fmt.Sprintf("%s.%d.send", c.config.SubjectPrefix, c.userID)
	reply, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var f frame
	if err := json.Unmarshal(reply.Data, &f); err != nil {
		return nil, fmt.Errorf("decode send reply: %w", err)
	}
	if f.Type == frameError || f.Error != "" {
		return nil, fmt.Errorf("send rejected: %s", f.Error)
	}
	return decodeAckItem(req.Feed, f.Data)
}
