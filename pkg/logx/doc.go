// Package logx configures postbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator sink that forwards warnings to the operator chat
//     (min-level + rate limiting)
package logx
