// Package logx configures feedbot's structured logging.
//
// Logger is a thin value type over zerolog so components can carry fixed
// fields (usually comp=...) without depending on zerolog directly:
//   - Console output stays short (timestamp, level, file:line)
//   - File output is JSON, one record per line
//   - The optional alert sink forwards warnings and errors to an operator chat
package logx
