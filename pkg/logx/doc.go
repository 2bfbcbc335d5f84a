// Package logx configures pollkit's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured.
// Loggers derived from a Service follow every later Service.Apply.
package logx
