// Package broadcast is the scheduled multi-tenant voice-broadcast engine.
//
// A one-second trigger loop evaluates every tenant's schedule and emits
// boundary-matched Join and Play fire events. Each tenant owns exactly one
// voice resource, guarded by the Arbiter; a Join fire leases it, picks the
// busiest destination and connects, and the matching Play fire plays a
// payload, waits a short grace delay and disconnects. Every lifecycle ends
// in Idle and produces at most one PlaybackOutcome, which the OutcomeSink
// counts and forwards to the tenant's notification channel.
package broadcast
