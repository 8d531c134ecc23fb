package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jonboulle/clockwork"

	"github.com/goalmate/realtime/internal/models"
	"github.com/goalmate/realtime/internal/session"
	"github.com/goalmate/realtime/internal/transport"
)

// fakeConn is a controllable push channel.
type fakeConn struct {
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	errMu  sync.Mutex
	err    error

	sendMu sync.Mutex
	sendFn func(transport.SendRequest) (*models.Item, error)
	sends  []transport.SendRequest
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan transport.Event, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }
func (c *fakeConn) Done() <-chan struct{}          { return c.done }

func (c *fakeConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *fakeConn) fail(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Send(ctx context.Context, req transport.SendRequest) (*models.Item, error) {
	c.sendMu.Lock()
	c.sends = append(c.sends, req)
	fn := c.sendFn
	c.sendMu.Unlock()
	if fn == nil {
		return nil, errors.New("no send handler")
	}
	return fn(req)
}

// fakeTransport hands out fakeConns and records dial credentials.
type fakeTransport struct {
	mu      sync.Mutex
	creds   []transport.Credential
	openErr error
	opened  chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *fakeConn, 8)}
}

func (t *fakeTransport) Open(ctx context.Context, cred transport.Credential) (transport.Conn, error) {
	t.mu.Lock()
	t.creds = append(t.creds, cred)
	err := t.openErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	t.opened <- conn
	return conn, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.creds)
}

// fakeHistory is a scriptable history fetcher.
type fakeHistory struct {
	mu         sync.Mutex
	rooms      []models.Room
	unread     int
	pageFn     func(feed models.FeedID, before *int64) ([]models.Item, *int64, error)
	markFn     func(feed models.FeedID, itemID int64, isRead bool) (*models.Item, error)
	pageCalls  int
	blockPages chan struct{}
}

func (h *fakeHistory) ListRooms(ctx context.Context) ([]models.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms, nil
}

func (h *fakeHistory) FetchUnreadCount(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unread, nil
}

func (h *fakeHistory) FetchPage(ctx context.Context, feed models.FeedID, before *int64) ([]models.Item, *int64, error) {
	h.mu.Lock()
	h.pageCalls++
	fn := h.pageFn
	block := h.blockPages
	h.mu.Unlock()

	if block != nil {
		<-block
	}
	if fn == nil {
		return nil, nil, nil
	}
	return fn(feed, before)
}

func (h *fakeHistory) MarkItemRead(ctx context.Context, feed models.FeedID, itemID int64, isRead bool) (*models.Item, error) {
	h.mu.Lock()
	fn := h.markFn
	h.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no mark handler")
	}
	return fn(feed, itemID, isRead)
}

func (h *fakeHistory) setPageFn(fn func(feed models.FeedID, before *int64) ([]models.Item, *int64, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pageFn = fn
}

func (h *fakeHistory) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pageCalls
}

type harness struct {
	stream *session.Stream
	ft     *fakeTransport
	fh     *fakeHistory
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		stream: session.NewStream(clockwork.NewFakeClock()),
		ft:     newFakeTransport(),
		fh:     &fakeHistory{},
	}
	h.coord = New(h.ft, h.fh, DefaultConfig())
	h.coord.Bind(h.stream)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) signIn(t *testing.T, userID int64, chatEnabled bool) *fakeConn {
	t.Helper()
	h.stream.SetSession(models.Session{
		Identity: models.Identity{UserID: userID, Username: "sam", ChatEnabled: chatEnabled},
		Token:    "opaque",
	})
	if !chatEnabled {
		return nil
	}
	select {
	case conn := <-h.ft.opened:
		waitFor(t, func() bool { return h.coord.State() == StateConnected })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not opened")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func roomItem(id int64, tsMilli int64) models.Item {
	return models.Item{
		ID:        id,
		Feed:      models.RoomFeed(3),
		CreatedAt: time.UnixMilli(tsMilli).UTC(),
		Read:      true,
	}
}

func inboxItem(id int64, tsMilli int64, read bool) models.Item {
	return models.Item{
		ID:        id,
		Feed:      models.InboxFeed(),
		CreatedAt: time.UnixMilli(tsMilli).UTC(),
		Read:      read,
	}
}

func itemIDs(items []models.Item) []int64 {
	out := make([]int64, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func TestConnectsOnCapableSession(t *testing.T) {
	h := newHarness(t)
	h.fh.rooms = []models.Room{{ID: 3, Type: models.RoomTypeGlobal, Name: "General"}}
	h.fh.unread = 4

	h.signIn(t, 7, true)

	h.ft.mu.Lock()
	cred := h.ft.creds[0]
	h.ft.mu.Unlock()
	assert.Equal(t, int64(7), cred.UserID)
	assert.Equal(t, "opaque", cred.Token)

	// Bootstrap loads the room listing and seeds the unread counter.
	waitFor(t, func() bool { return len(h.coord.Rooms()) == 1 })
	waitFor(t, func() bool { return h.coord.UnreadCount() == 4 })
}

func TestSameIdentityTickIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, 7, true)

	// A token refresh for the same identity must not reconnect.
	h.stream.SetSession(models.Session{
		Identity: models.Identity{UserID: 7, Username: "sam", ChatEnabled: true},
		Token:    "refreshed",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ft.openCount())
	assert.Equal(t, StateConnected, h.coord.State())
}

func TestLogoutTearsDownAllState(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		cursor := int64(1)
		return []models.Item{roomItem(1, 100), roomItem(2, 200)}, &cursor, nil
	}

	conn := h.signIn(t, 7, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	assert.Equal(t, 2, len(h.coord.FeedItems(feed)))

	h.stream.Clear()
	waitFor(t, func() bool { return h.coord.State() == StateDisconnected })
	assert.Equal(t, true, conn.closed())
	assert.Equal(t, 0, len(h.coord.FeedItems(feed)))
	assert.Equal(t, 0, h.coord.UnreadCount())
	assert.Equal(t, 0, len(h.coord.Rooms()))

	// The same feed under a new identity starts from an empty ledger.
	h.fh.setPageFn(func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		return []models.Item{roomItem(9, 900)}, nil, nil
	})
	h.signIn(t, 8, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	assert.Equal(t, []int64{9}, itemIDs(h.coord.FeedItems(feed)))
}

func TestCapabilityRevokedMidSession(t *testing.T) {
	h := newHarness(t)
	conn := h.signIn(t, 7, true)

	conn.events <- transport.Event{Kind: transport.EventUnreadCount, Feed: models.InboxFeed(), UnreadCount: 3}
	waitFor(t, func() bool { return h.coord.UnreadCount() == 3 })

	// Same identity, capability toggled off.
	h.stream.SetSession(models.Session{
		Identity: models.Identity{UserID: 7, Username: "sam", ChatEnabled: false},
		Token:    "opaque",
	})
	waitFor(t, func() bool { return h.coord.State() == StateDisconnected })
	assert.Equal(t, true, conn.closed())
	assert.Equal(t, 0, h.coord.UnreadCount())

	_, err := h.coord.SendOutbound(context.Background(), models.RoomFeed(3), json.RawMessage(`{}`))
	assert.Equal(t, ErrCapabilityDisabled, err)
}

func TestActivateFeedIsNoOpOncePopulated(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		return []models.Item{roomItem(1, 100)}, nil, nil
	}

	h.signIn(t, 7, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	calls := h.fh.calls()
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	assert.Equal(t, calls, h.fh.calls())

	// An explicit refresh does reload.
	assert.Equal(t, nil, h.coord.RefreshFeed(context.Background(), feed))
	assert.Equal(t, calls+1, h.fh.calls())
}

func TestLoadOlderPagePrependsAndExhausts(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(_ models.FeedID, before *int64) ([]models.Item, *int64, error) {
		if before == nil {
			cursor := int64(10)
			return []models.Item{roomItem(10, 1000), roomItem(11, 1100)}, &cursor, nil
		}
		assert.Equal(t, int64(10), *before)
		return []models.Item{roomItem(1, 100), roomItem(2, 200)}, nil, nil
	}

	h.signIn(t, 7, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	assert.Equal(t, true, h.coord.HasMoreHistory(feed))

	assert.Equal(t, nil, h.coord.LoadOlderPage(context.Background(), feed))
	assert.Equal(t, []int64{1, 2, 10, 11}, itemIDs(h.coord.FeedItems(feed)))
	assert.Equal(t, false, h.coord.HasMoreHistory(feed))

	assert.Equal(t, ErrHistoryExhausted, h.coord.LoadOlderPage(context.Background(), feed))
}

func TestConcurrentLoadRejected(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(_ models.FeedID, before *int64) ([]models.Item, *int64, error) {
		cursor := int64(10)
		return []models.Item{roomItem(10, 1000)}, &cursor, nil
	}

	h.signIn(t, 7, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	baseline := h.fh.calls()

	block := make(chan struct{})
	h.fh.mu.Lock()
	h.fh.blockPages = block
	h.fh.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- h.coord.LoadOlderPage(context.Background(), feed)
	}()
	waitFor(t, func() bool { return h.fh.calls() == baseline+1 })

	// Second call while the first is in flight: rejected, not queued.
	assert.Equal(t, ErrLoadInFlight, h.coord.LoadOlderPage(context.Background(), feed))

	close(block)
	assert.Equal(t, nil, <-firstDone)
	assert.Equal(t, baseline+1, h.fh.calls())
}

func TestPushBeforeActivateThenReplace(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	conn := h.signIn(t, 7, true)

	// A push event for a feed no one activated yet creates its ledger.
	live := roomItem(42, 4200)
	conn.events <- transport.Event{Kind: transport.EventItem, Feed: feed, Item: &live}
	waitFor(t, func() bool { return len(h.coord.FeedItems(feed)) == 1 })

	// The initial load replaces: the page is authoritative and the live
	// item not present in it is dropped.
	h.fh.setPageFn(func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		return []models.Item{roomItem(1, 100), roomItem(2, 200)}, nil, nil
	})
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), feed))
	assert.Equal(t, []int64{1, 2}, itemIDs(h.coord.FeedItems(feed)))
}

func TestSendMergesOnceWithPushEcho(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	conn := h.signIn(t, 7, true)

	confirmed := roomItem(77, 7700)
	conn.sendMu.Lock()
	conn.sendFn = func(transport.SendRequest) (*models.Item, error) {
		return &confirmed, nil
	}
	conn.sendMu.Unlock()

	item, err := h.coord.SendOutbound(context.Background(), feed, json.RawMessage(`{"content":"hi"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(77), item.ID)

	// The push echo of the same id must not duplicate.
	echo := confirmed
	conn.events <- transport.Event{Kind: transport.EventItem, Feed: feed, Item: &echo}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{77}, itemIDs(h.coord.FeedItems(feed)))
}

func TestSendRejectedAfterConnectionLoss(t *testing.T) {
	h := newHarness(t)
	conn := h.signIn(t, 7, true)

	conn.fail(errors.New("wire broke"))
	waitFor(t, func() bool { return h.coord.State() == StateDisconnected })

	// No self-initiated reconnect: the coordinator waits for the next
	// session signal.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.ft.openCount())

	_, err := h.coord.SendOutbound(context.Background(), models.RoomFeed(3), json.RawMessage(`{}`))
	assert.Equal(t, ErrNotConnected, err)
}

func TestStaleHistoryPageDiscarded(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		return []models.Item{roomItem(1, 100)}, nil, nil
	}

	h.signIn(t, 7, true)

	block := make(chan struct{})
	h.fh.mu.Lock()
	h.fh.blockPages = block
	h.fh.mu.Unlock()

	activateDone := make(chan error, 1)
	go func() {
		activateDone <- h.coord.ActivateFeed(context.Background(), feed)
	}()
	waitFor(t, func() bool { return h.fh.calls() == 1 })

	// Identity signs out while the page is in flight.
	h.stream.Clear()
	waitFor(t, func() bool { return h.coord.State() == StateDisconnected })

	h.fh.mu.Lock()
	h.fh.blockPages = nil
	h.fh.mu.Unlock()
	close(block)
	assert.Equal(t, nil, <-activateDone)

	// The late page belongs to the dead generation: nothing merged.
	assert.Equal(t, 0, len(h.coord.FeedItems(feed)))

	h.signIn(t, 8, true)
	assert.Equal(t, 0, len(h.coord.FeedItems(feed)))
}

func TestFeedLoadsAfterReconnect(t *testing.T) {
	h := newHarness(t)
	feed := models.RoomFeed(3)
	h.fh.pageFn = func(models.FeedID, *int64) ([]models.Item, *int64, error) {
		return []models.Item{roomItem(1, 100)}, nil, nil
	}

	conn := h.signIn(t, 7, true)

	block := make(chan struct{})
	h.fh.mu.Lock()
	h.fh.blockPages = block
	h.fh.mu.Unlock()

	activateDone := make(chan error, 1)
	go func() {
		activateDone <- h.coord.ActivateFeed(context.Background(), feed)
	}()
	waitFor(t, func() bool { return h.fh.calls() == 1 })

	// The connection drops while the page is in flight, then the same
	// identity signs in again. The generation moves on but the feed map
	// survives.
	conn.fail(errors.New("wire broke"))
	waitFor(t, func() bool { return h.coord.State() == StateDisconnected })
	h.signIn(t, 7, true)

	h.fh.mu.Lock()
	h.fh.blockPages = nil
	h.fh.mu.Unlock()
	close(block)
	assert.Equal(t, nil, <-activateDone)

	// The stale page was discarded, and the feed must not be stuck
	// loading: a fresh load succeeds.
	assert.Equal(t, 0, len(h.coord.FeedItems(feed)))
	assert.Equal(t, nil, h.coord.RefreshFeed(context.Background(), feed))
	assert.Equal(t, []int64{1}, itemIDs(h.coord.FeedItems(feed)))
}

func TestInboxMergesAndUnreadTracking(t *testing.T) {
	h := newHarness(t)
	inbox := models.InboxFeed()
	h.fh.pageFn = func(feed models.FeedID, _ *int64) ([]models.Item, *int64, error) {
		assert.Equal(t, inbox, feed)
		return []models.Item{inboxItem(1, 100, true), inboxItem(2, 200, false)}, nil, nil
	}
	h.fh.markFn = func(_ models.FeedID, itemID int64, isRead bool) (*models.Item, error) {
		item := inboxItem(itemID, 200, isRead)
		return &item, nil
	}

	conn := h.signIn(t, 7, true)
	assert.Equal(t, nil, h.coord.ActivateFeed(context.Background(), inbox))
	assert.Equal(t, 1, h.coord.UnreadCount())

	// A new unread notification arrives over push.
	notif := inboxItem(3, 300, false)
	conn.events <- transport.Event{Kind: transport.EventItem, Feed: inbox, Item: &notif}
	waitFor(t, func() bool { return h.coord.UnreadCount() == 2 })

	// Marking one read merges the update and recomputes the counter.
	_, err := h.coord.MarkRead(context.Background(), inbox, 2, true)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, h.coord.UnreadCount())
	assert.Equal(t, []int64{1, 2, 3}, itemIDs(h.coord.FeedItems(inbox)))
}

func TestLoadOlderOnUnknownFeed(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, 7, true)
	err := h.coord.LoadOlderPage(context.Background(), models.RoomFeed(99))
	assert.Equal(t, ErrUnknownFeed, err)
}
