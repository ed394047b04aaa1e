// Package notifier delivers tenant-facing broadcast notices to chat.
//
// Notices are queued and sent by a small worker pool through a token-bucket
// rate limiter, with bounded retries and a time-window dedup so a flapping
// room does not spam the tenant. Delivery is best-effort: Notify never blocks
// the broadcast engine.
package notifier
