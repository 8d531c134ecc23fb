package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/goalmate/realtime/internal/models"
)

// Stream publishes the current authentication session to subscribers with
// synchronous, ordered delivery. It owns at most one pending expiry timer:
// every credential refresh cancels and reschedules it, so a stale token
// can never fire a second sign-out.
type Stream struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	current models.Session
	subs    []*subscriber
	nextID  int

	expiryTimer  clockwork.Timer
	expiryCancel chan struct{}
}

type subscriber struct {
	id int
	fn func(models.Session)
}

// NewStream creates a signed-out session stream.
func NewStream(clock clockwork.Clock) *Stream {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Stream{clock: clock}
}

// Current returns the latest published session.
func (s *Stream) Current() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers fn for every subsequent session transition and
// invokes it immediately with the current value. Delivery is synchronous
// and in subscription order. The returned func cancels the subscription.
func (s *Stream) Subscribe(fn func(models.Session)) func() {
	s.mu.Lock()
	sub := &subscriber{id: s.nextID, fn: fn}
	s.nextID++
	s.subs = append(s.subs, sub)
	current := s.current
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, candidate := range s.subs {
			if candidate.id == sub.id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// SetSession publishes a new authenticated session. If the session has no
// explicit expiry, one is derived from the bearer token's exp claim when
// present. The expiry timer is rescheduled on every call.
func (s *Stream) SetSession(sess models.Session) {
	sess.Authenticated = true
	if sess.ExpiresAt.IsZero() && sess.Token != "" {
		if exp, err := TokenExpiry(sess.Token); err == nil {
			sess.ExpiresAt = exp
		} else {
			log.Debug().Err(err).Msg("token carries no usable expiry")
		}
	}

	s.mu.Lock()
	s.current = sess
	s.cancelExpiryLocked()
	if !sess.ExpiresAt.IsZero() {
		s.scheduleExpiryLocked(sess.ExpiresAt)
	}
	s.mu.Unlock()

	s.publish(sess)
}

// Clear publishes the signed-out session and cancels any pending expiry.
func (s *Stream) Clear() {
	s.mu.Lock()
	s.current = models.Session{}
	s.cancelExpiryLocked()
	s.mu.Unlock()

	s.publish(models.Session{})
}

// publish delivers sess to a snapshot of the subscriber list, outside the
// lock so a callback can call back into the stream.
func (s *Stream) publish(sess models.Session) {
	s.mu.Lock()
	subs := make([]*subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(sess)
	}
}

// scheduleExpiryLocked arms the single expiry timer. Caller holds the lock.
func (s *Stream) scheduleExpiryLocked(expiresAt time.Time) {
	wait := expiresAt.Sub(s.clock.Now())
	if wait <= 0 {
		// Already expired; sign out on a fresh goroutine so the caller
		// of SetSession observes the publish ordering set -> clear.
		go s.Clear()
		return
	}

	timer := s.clock.NewTimer(wait)
	cancel := make(chan struct{})
	s.expiryTimer = timer
	s.expiryCancel = cancel

	go func() {
		select {
		case <-timer.Chan():
			log.Info().Time("expires_at", expiresAt).Msg("session token expired, signing out")
			s.Clear()
		case <-cancel:
			stopAndDrainTimer(timer)
		}
	}()

	log.Debug().
		Time("expires_at", expiresAt).
		Dur("wait", wait).
		Msg("scheduled session expiry")
}

// cancelExpiryLocked stops the pending expiry timer, if any. Caller holds
// the lock.
func (s *Stream) cancelExpiryLocked() {
	if s.expiryCancel != nil {
		close(s.expiryCancel)
		s.expiryCancel = nil
		s.expiryTimer = nil
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel, following
// the pattern from the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
