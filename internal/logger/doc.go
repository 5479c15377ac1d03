// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Store, builder and pipeline operations accept a context and extract the
// logger from it, so a tag or a fabric version attached once at the entry
// point shows up on every line logged below it.
package logger
