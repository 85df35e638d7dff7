// Package cache is the session's keyed value store with freshness windows
// and single-flight request coalescing.
//
// A lookup either returns a fresh entry without blocking or attaches to the
// one in-flight load for that key; concurrent callers of the same key share
// a single loader invocation and observe the identical value or error.
// Failed loads store nothing, so the next lookup retries.
//
// The cache performs no I/O itself. I/O lives in the Loader passed per call.
package cache
