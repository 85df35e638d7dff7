// Package schedule parses human-friendly schedule strings and runs a job on
// them with robfig/cron.
//
// Supported forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (seconds optional), "@hourly", "@every 30s"
//   - interval: "30s", "2h30m"
//   - interval HH:MM: "00:05" (five minutes), "02:30"
//
// Prefixes "cron:", "interval:" and "every:" force the kind.
package schedule
