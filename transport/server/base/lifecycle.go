package base

// RemovalPolicy determines when a session should be removed from the session store.
type RemovalPolicy int

const (
	// RemovalOnDisconnect removes session as soon as streaming connection closes.
	// Useful for strict cleanup behavior.
	RemovalOnDisconnect RemovalPolicy = iota
	// RemovalAfterGrace keeps session for a grace period to allow quick reconnects.
	RemovalAfterGrace
	// RemovalAfterIdle removes session after it has been idle for a configured TTL.
	RemovalAfterIdle
	// RemovalManual leaves removal entirely to explicit DELETE or external cleanup.
	RemovalManual
)

// OverflowPolicy determines how a session's event replay buffer behaves
// once it exceeds its configured capacity.
type OverflowPolicy int

const (
	// OverflowDropOldest silently discards the oldest buffered event (default).
	OverflowDropOldest OverflowPolicy = iota
	// OverflowMark discards the oldest buffered event like OverflowDropOldest,
	// but also flags the session so a resuming client can be told its
	// Last-Event-ID replay may be missing history.
	OverflowMark
)
