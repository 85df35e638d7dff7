package storage

// Package storage provides the small key-value persistence layer that lets
// a session survive restarts.
//
// Recognized keys:
//   - "notifications" (capped, serialized notification list)
//   - "lastPolledAt"  (poller checkpoint, RFC3339Nano)
//
// Values are opaque bytes; JSON/time helpers live in types.go.
