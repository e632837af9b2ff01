// Package storage keeps the short-lived dead-letter archive.
//
// Exhausted dispatch jobs and dead-lettered events land here so an operator
// can inspect recent failures; a periodic prune discards old rows. The
// archive is strictly best-effort and never on the delivery path.
package storage
