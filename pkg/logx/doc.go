// Package logx configures sessionhub's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config hot reload)
//
// The zero Logger is a safe no-op, so components can be constructed in tests
// without any logging setup.
package logx
