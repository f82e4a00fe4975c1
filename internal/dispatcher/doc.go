// Package dispatcher drives every time-based action of the bot from one
// periodic tick.
//
// Each tick evaluates a fixed table of rules. A rule scans the store for
// rows whose moment has come and turns every match into a keyed unit of
// work. Units run concurrently under the runner; a key still in flight
// from an earlier tick is skipped, so a slow item never blocks the tick
// or its neighbours and never runs twice at once.
//
// Rules:
//   - send: due content items are fanned out, then removed.
//   - unpin: pinned copies past their unpin time are unpinned.
//   - delete: copies past their delete time are retired and the owner
//     receives the aggregated final CPM report.
//   - report: CPM copies that crossed a horizon get a staged report.
//   - housekeeping: drafts without destinations are purged after a while.
package dispatcher
