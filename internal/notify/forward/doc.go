// Package forward mirrors admitted notifications to a Telegram chat.
//
// It listens for notifications.admitted on the event bus and pushes each
// item through a bounded queue to a single worker, so messages keep their
// admission order. Sends are rate limited and retried with jittered
// exponential backoff. A full queue drops the message.
package forward
