// Package eventbus is the public façade over the delivery primitives. A Bus
// owns every logical session and its pending queue, assigns sequence
// numbers on publish, fans inbound envelopes out to subscribers, and drives
// the reconnection replay that keeps the per-session ordering guarantee
// across socket changes.
//
// Session lifecycle: CONNECTING -> CONNECTED -> DISCONNECTED ->
// (RECONNECTING -> CONNECTED | EXPIRED). A disconnected session keeps its
// pending queue until the idle-timeout janitor destroys it; reconnecting
// after that point returns ErrSessionExpired.
//
// Retry policy while disconnected: timers freeze on disconnect and the
// retry budget is only consumed by attempts made over a live connection.
// The budget therefore measures real delivery attempts, not outage length.
package eventbus
