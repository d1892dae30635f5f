// Package logx configures meteobot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional ops-room sink (min-level + rate limiting) that mirrors
//     warnings into a chat room
package logx
