// Package controller runs the reconciliation loop that ties the pod source,
// the classifier, the notification tracker and the delivery dispatcher
// together.
//
// # Contract
//
// Loop.Run is the only goroutine that touches the tracker. It selects over
// pod events, a periodic tick, delivery results and a reconnect timer:
//
//   - Startup lists every pod, replays it as Modified, then watches from the
//     list's resource version. Synced reports true once the first list
//     succeeded.
//   - A stream ending with source.ErrStreamBroken triggers a resync:
//     MarkUnconfirmed, list, replay, Reap (pods missing from the list are
//     treated as deleted), watch again. Failed lists are retried with
//     exponential backoff while ticks and delivery results keep flowing.
//   - Tracker actions become outbound messages. Diagnose actions are only
//     logged and counted.
//   - Every enqueued message eventually produces exactly one tracker result:
//     Delivered, Failed, or Dropped when the dispatcher evicted it.
//
// When the startup summary is enabled and more than one pod is due for a
// notification right after the initial list, the pods are announced in a
// single Summary message whose outcome is applied to each of them.
package controller
