// Package delivery implements the reliable event delivery primitives used by
// the event bus: sequence assignment, at-least-once tracking with retry
// timers, and receive-side duplicate suppression.
//
// Components:
//   - SequenceAssigner: monotonic, gapless per-session sequence numbers
//   - Tracker: pending-envelope registry with exponential backoff retries
//   - DuplicateFilter: bounded window of recently seen event IDs
//
// All components are safe for concurrent use. The Tracker is built on an
// injectable clock so retry and backoff behavior can be tested against a
// mock clock without real sleeps.
package delivery
