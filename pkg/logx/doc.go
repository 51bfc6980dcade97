// Package logx is a thin structured-logging layer over zerolog.
//
// The Logger zero value is a safe no-op, so library code can carry a
// logx.Logger field without nil checks. The Service owns the sinks and can
// swap level/outputs at runtime (config hot-reload).
package logx
