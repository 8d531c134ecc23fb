// Package coordinator binds the push-channel lifecycle to the session
// lifecycle and reconciles the two data sources every feed has: paginated
// REST history and out-of-order push events. Each feed's items live in a
// merge ledger; the coordinator routes completions and events to the
// right ledger and discards anything issued under a superseded session.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/goalmate/realtime/internal/ledger"
	"github.com/goalmate/realtime/internal/models"
	"github.com/goalmate/realtime/internal/session"
	"github.com/goalmate/realtime/internal/transport"
)

// HistoryFetcher is the request/response side of a feed: room listing,
// history pages, and read-state updates over the backend REST API.
type HistoryFetcher interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	FetchPage(ctx context.Context, feed models.FeedID, before *int64) ([]models.Item, *int64, error)
	FetchUnreadCount(ctx context.Context) (int, error)
	MarkItemRead(ctx context.Context, feed models.FeedID, itemID int64, isRead bool) (*models.Item, error)
}

// State is the coordinator's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Config holds coordinator tuning.
type Config struct {
	// DialTimeout bounds one transport open attempt.
	DialTimeout time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{DialTimeout: 15 * time.Second}
}

type feedState struct {
	ledger *ledger.Ledger
	// loading serializes history loads per feed; a second load is
	// rejected, never queued.
	loading bool
	// populated is set after the first successful history load, so
	// re-activating a feed does not refetch.
	populated bool
}

// Coordinator owns exactly one push connection and one ledger per feed.
// All in-flight work is tagged with the generation it was issued under;
// a session transition bumps the generation and strands the stragglers.
type Coordinator struct {
	transport transport.Transport
	history   HistoryFetcher
	config    Config

	mu          sync.Mutex
	state       State
	sess        models.Session
	conn        transport.Conn
	generation  string
	feeds       map[models.FeedID]*feedState
	rooms       []models.Room
	inboxUnread int

	unsubscribe func()
}

// New creates a coordinator over the given transport and history fetcher.
func New(t transport.Transport, history HistoryFetcher, config Config) *Coordinator {
	return &Coordinator{
		transport:  t,
		history:    history,
		config:     config,
		state:      StateDisconnected,
		generation: newGeneration(),
		feeds:      make(map[models.FeedID]*feedState),
	}
}

func newGeneration() string {
	return uuid.New().String()[:8]
}

// Bind subscribes the coordinator to a session stream. The stream's
// current value is processed immediately.
func (c *Coordinator) Bind(stream *session.Stream) {
	c.unsubscribe = stream.Subscribe(c.onSession)
}

// Close detaches from the session stream and tears everything down.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.mu.Lock()
	c.teardownLocked("coordinator closed")
	c.mu.Unlock()
}

// onSession is the single entry point for identity transitions.
func (c *Coordinator) onSession(sess models.Session) {
	c.mu.Lock()
	prev := c.sess
	c.sess = sess

	if !sess.CanUseFeeds() {
		c.teardownLocked("session lost feed capability")
		c.mu.Unlock()
		return
	}

	if sess.SameIdentity(prev) && (c.state == StateConnected || c.state == StateConnecting) {
		// Same identity with a live or opening connection: no-op.
		c.mu.Unlock()
		return
	}

	if !sess.SameIdentity(prev) {
		c.teardownLocked("identity changed")
	}

	c.state = StateConnecting
	gen := newGeneration()
	c.generation = gen
	cred := transport.Credential{UserID: sess.Identity.UserID, Token: sess.Token}
	c.mu.Unlock()

	log.Info().
		Str("generation", gen).
		Int64("user_id", cred.UserID).
		Msg("opening push channel")
	go c.dial(gen, cred)
}

// teardownLocked is the hard privacy boundary: it closes the transport,
// discards every ledger, and zeroes derived counts. Caller holds the lock.
func (c *Coordinator) teardownLocked(reason string) {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.generation = newGeneration()
	c.feeds = make(map[models.FeedID]*feedState)
	c.rooms = nil
	c.inboxUnread = 0
	log.Info().Str("reason", reason).Msg("feed state torn down")
}

// dial opens the transport for one generation. A completion that lands
// after the generation moved on is discarded, connection included.
func (c *Coordinator) dial(gen string, cred transport.Credential) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()

	conn, err := c.transport.Open(ctx, cred)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		log.Debug().Str("generation", gen).Msg("discarding superseded connection attempt")
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Error().Err(err).Str("generation", gen).
			Msg("push channel connect failed; waiting for next session signal")
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	log.Info().Str("generation", gen).Msg("push channel connected")
	go c.readLoop(gen, conn)
	go c.bootstrap(gen)
}

// bootstrap runs the initial loads that follow a successful connect: the
// room listing and the inbox unread counter.
func (c *Coordinator) bootstrap(gen string) {
	ctx := context.Background()

	rooms, err := c.history.ListRooms(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial room listing failed")
		rooms = nil
	}
	count, countErr := c.history.FetchUnreadCount(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		log.Debug().Str("generation", gen).Msg("discarding stale bootstrap results")
		return
	}
	c.rooms = rooms
	if countErr != nil {
		log.Warn().Err(countErr).Msg("initial unread count failed")
		c.inboxUnread = 0
	} else {
		c.inboxUnread = count
	}
}

// readLoop forwards inbound events for one connection until it dies, then
// reports the loss. The coordinator does not re-dial on its own.
func (c *Coordinator) readLoop(gen string, conn transport.Conn) {
	for {
		select {
		case event, ok := <-conn.Events():
			if !ok {
				c.connLost(gen, conn)
				return
			}
			c.handleEvent(gen, event)
		case <-conn.Done():
			c.connLost(gen, conn)
			return
		}
	}
}

func (c *Coordinator) connLost(gen string, conn transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	if err := conn.Err(); err != nil {
		log.Warn().Err(err).Str("generation", gen).
			Msg("push channel lost; waiting for next session signal")
	}
}

// handleEvent routes one inbound event to its feed's ledger, creating the
// ledger if the feed was not locally known yet.
func (c *Coordinator) handleEvent(gen string, event transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}

	switch event.Kind {
	case transport.EventItem:
		if event.Item == nil {
			log.Warn().Str("feed", event.Feed.String()).Msg("item event without item")
			return
		}
		fs := c.ensureFeedLocked(event.Feed)
		fs.ledger.MergeOne(*event.Item)
		if event.Feed.Kind == models.FeedKindInbox {
			c.inboxUnread = fs.ledger.UnreadCount()
		}

	case transport.EventUnreadCount:
		c.inboxUnread = event.UnreadCount

	case transport.EventCapabilityDisabled:
		// The authoritative disable arrives through the session stream;
		// this push is informational.
		log.Warn().Msg("server reports realtime features disabled")

	default:
		log.Debug().Str("kind", string(event.Kind)).Msg("ignoring unknown event kind")
	}
}

func (c *Coordinator) ensureFeedLocked(feed models.FeedID) *feedState {
	fs, ok := c.feeds[feed]
	if !ok {
		fs = &feedState{ledger: ledger.New(feed, feed.Retention())}
		c.feeds[feed] = fs
	}
	return fs
}

// ActivateFeed ensures a ledger exists for the feed and triggers the
// initial history load if it never completed one. Re-activating a
// populated feed is a no-op; use RefreshFeed to force a reload.
func (c *Coordinator) ActivateFeed(ctx context.Context, feed models.FeedID) error {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return ErrCapabilityDisabled
	}
	fs := c.ensureFeedLocked(feed)
	if fs.populated || fs.loading {
		c.mu.Unlock()
		return nil
	}
	fs.loading = true
	gen := c.generation
	c.mu.Unlock()

	return c.loadPage(ctx, gen, feed, fs, nil, ledger.Replace)
}

// RefreshFeed reloads the most recent page with replace semantics. Items
// merged from the push channel before the page lands are dropped with the
// rest of the old state; the page is authoritative.
func (c *Coordinator) RefreshFeed(ctx context.Context, feed models.FeedID) error {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return ErrCapabilityDisabled
	}
	fs := c.ensureFeedLocked(feed)
	if fs.loading {
		c.mu.Unlock()
		return ErrLoadInFlight
	}
	fs.loading = true
	gen := c.generation
	c.mu.Unlock()

	return c.loadPage(ctx, gen, feed, fs, nil, ledger.Replace)
}

// LoadOlderPage requests the page before the feed's cursor and prepends
// it. It fails fast when history is exhausted or a load is in flight.
func (c *Coordinator) LoadOlderPage(ctx context.Context, feed models.FeedID) error {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return ErrCapabilityDisabled
	}
	fs, ok := c.feeds[feed]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownFeed
	}
	if fs.loading {
		c.mu.Unlock()
		return ErrLoadInFlight
	}
	cursor := fs.ledger.Cursor()
	if cursor == nil {
		c.mu.Unlock()
		return ErrHistoryExhausted
	}
	fs.loading = true
	gen := c.generation
	c.mu.Unlock()

	return c.loadPage(ctx, gen, feed, fs, cursor, ledger.Prepend)
}

// loadPage performs one history fetch and merges the result, unless the
// generation moved on while the request was in flight, in which case the
// completion is silently discarded. A failed page never partially merges.
func (c *Coordinator) loadPage(ctx context.Context, gen string, feed models.FeedID, fs *feedState, before *int64, mode ledger.MergeMode) error {
	items, next, err := c.history.FetchPage(ctx, feed, before)

	c.mu.Lock()
	defer c.mu.Unlock()
	// This load owns the flag it set; a stale completion still clears it.
	// A same-identity reconnect bumps the generation but keeps the feed
	// map, and a flag left set would reject every future load.
	fs.loading = false
	if gen != c.generation {
		log.Debug().
			Str("generation", gen).
			Str("feed", feed.String()).
			Msg("discarding stale history page")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load history for feed %s: %w", feed, err)
	}

	fs.ledger.MergePage(items, mode)
	fs.ledger.SetCursor(next)
	fs.populated = true
	if feed.Kind == models.FeedKindInbox {
		c.inboxUnread = fs.ledger.UnreadCount()
	}

	log.Debug().
		Str("feed", feed.String()).
		Int("items", len(items)).
		Int("ledger_len", fs.ledger.Len()).
		Msg("history page merged")
	return nil
}

// SendOutbound sends a payload on a feed through the push channel and
// merges the confirmed item exactly once; the eventual push echo of the
// same id dedups in the ledger.
func (c *Coordinator) SendOutbound(ctx context.Context, feed models.FeedID, payload json.RawMessage) (*models.Item, error) {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return nil, ErrCapabilityDisabled
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	gen := c.generation
	c.mu.Unlock()

	item, err := conn.Send(ctx, transport.SendRequest{Feed: feed, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("send on feed %s: %w", feed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		log.Debug().Str("feed", feed.String()).Msg("discarding send confirmation for superseded session")
		return item, nil
	}
	fs := c.ensureFeedLocked(feed)
	fs.ledger.MergeOne(*item)
	return item, nil
}

// MarkRead flips an inbox item's read flag on the backend and merges the
// updated item.
func (c *Coordinator) MarkRead(ctx context.Context, feed models.FeedID, itemID int64, isRead bool) (*models.Item, error) {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return nil, ErrCapabilityDisabled
	}
	gen := c.generation
	c.mu.Unlock()

	item, err := c.history.MarkItemRead(ctx, feed, itemID, isRead)
	if err != nil {
		return nil, fmt.Errorf("mark read on feed %s: %w", feed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return item, nil
	}
	fs := c.ensureFeedLocked(feed)
	fs.ledger.MergeOne(*item)
	if feed.Kind == models.FeedKindInbox {
		c.inboxUnread = fs.ledger.UnreadCount()
	}
	return item, nil
}

// ReloadRooms refetches the room listing.
func (c *Coordinator) ReloadRooms(ctx context.Context) ([]models.Room, error) {
	c.mu.Lock()
	if !c.sess.CanUseFeeds() {
		c.mu.Unlock()
		return nil, ErrCapabilityDisabled
	}
	gen := c.generation
	c.mu.Unlock()

	rooms, err := c.history.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload rooms: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation {
		c.rooms = rooms
	}
	return rooms, nil
}
