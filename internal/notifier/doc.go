// Package notifier delivers operator alerts and owner messages asynchronously.
//
// Notifications are queued and sent by a small worker pool through a
// kit.Sender, rate limited with a token bucket and retried with jittered
// exponential backoff when the transport error is transient. Callers never
// block on delivery: a full queue returns ErrQueueFull immediately.
//
// A short in-memory history of sent messages is kept for the status endpoint.
package notifier
