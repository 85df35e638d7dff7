// Package notify owns the session's notification list.
//
// The list is capped, newest first, persisted through storage and fanned out
// over the event bus. ShouldAdmit is the dedup predicate applied to every
// candidate before it is prepended.
package notify
