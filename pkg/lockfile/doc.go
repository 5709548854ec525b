// Package lockfile provides cross-process mutual exclusion over named
// resources using atomic lock file creation on a shared filesystem.
//
// Both the long-lived daemon and short-lived helper processes coordinate
// through the same lock directory. Ownership is a JSON record created with
// exclusive-create semantics; a record older than the configured staleness
// threshold is presumed abandoned and broken by the next contender. A record
// that cannot be parsed is treated the same way, so a partially written file
// never wedges the system.
package lockfile
