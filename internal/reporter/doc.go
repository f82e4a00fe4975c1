// Package reporter samples view counts through client sessions and turns
// them into monetization reports for owners.
//
// Staged reports are sent once per live copy and horizon (24h, 48h, 72h).
// The final report is sent when the copies of an item are deleted and
// lists only the horizons the copies actually lived through. A sampled
// count of zero is treated as unknown and replaced by the largest count
// already persisted for the copy.
package reporter
