// Package notifier renders scheduling alerts and delivers them to a chat
// webhook (Slack incoming webhooks or any endpoint accepting JSON).
//
// # Contract
//
// The Dispatcher:
//  1. Accepts OutboundMessages from the reconciliation loop without blocking
//  2. Holds them in a bounded priority queue (Incident, Resolution, Summary
//     and Test above Reminder)
//  3. Paces requests with a global token bucket (RateLimitPerMinute, 10% burst)
//  4. Delivers on a bounded worker pool through a Sender
//  5. Reports exactly one Result per dequeued message on Results()
//
// The Deliverer (the production Sender) renders the payload and posts it via
// a Transport, retrying transient failures with exponential backoff and
// jitter. Errors are *DeliveryError values of kind Transient, Permanent or
// Exhausted.
//
// # Backpressure
//
// When the queue is full the oldest Reminder is evicted first, then the
// oldest message of the lowest priority. Evicted messages are returned from
// Enqueue so the caller can record them as dropped.
//
// # Shutdown
//
// Shutdown abandons queued messages, lets in-flight deliveries finish within
// the grace period and then cancels them. No retry starts after Shutdown.
//
// # Payload
//
//	{"text": "⚠️ Pod ns/foo is unschedulable (NodeSelectorMismatch)\nenv: prod\nnodeSelector: zone=us-east",
//	 "id": "…", "kind": "Incident", "cluster": "prod", "namespace": "ns", "pod": "foo",
//	 "cause": "NodeSelectorMismatch", "reason": "…", "nodeSelector": {"zone": "us-east"},
//	 "resolved": false, "timestamp": "2026-03-01T10:00:30Z"}
package notifier
