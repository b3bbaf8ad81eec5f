// Package logger wraps zap with the helpers used across finalize-ostree-uki:
//   - a global sugared logger with a console encoder writing to stderr,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and configuration,
//   - leveled convenience functions (Infof, ErrorKV, etc.).
//
// Pipeline stages accept a context and log through the logger stored in it,
// so every line emitted while processing an entry carries that entry's name.
package logger
