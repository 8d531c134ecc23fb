package coordinator

import "errors"

var (
	// ErrNotConnected rejects an outbound send while the push channel is
	// not in the connected state.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrCapabilityDisabled rejects an action while realtime features are
	// disabled for the current identity. No network call is issued.
	ErrCapabilityDisabled = errors.New("realtime features disabled for this account")
	// ErrLoadInFlight rejects a page load while one is already running
	// for the same feed. Callers wait for completion, they do not queue.
	ErrLoadInFlight = errors.New("history load already in flight")
	// ErrHistoryExhausted rejects a page load once the cursor is gone.
	ErrHistoryExhausted = errors.New("no more history for feed")
	// ErrUnknownFeed rejects an operation on a feed that was never
	// activated or observed.
	ErrUnknownFeed = errors.New("feed not active")
)
