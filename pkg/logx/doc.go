// Package logx configures the runner's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps
// console output readable (short timestamp + short caller) and file
// output JSON-structured. The Service supports live reconfiguration,
// so a config reload can change the level without tearing down loggers
// held by long-lived components.
package logx
