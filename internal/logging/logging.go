// Package logging constructs the zap loggers shared by every cmd/
// entry point, matching the ambient logging stack used elsewhere in
// this codebase's lineage (see internal/telemetry for metrics).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-mode zap logger with component and replica
// identity baked in as fields, or a no-op logger if component is empty
// (used in tests that don't care about log output).
func New(component string, fields ...zap.Field) *zap.Logger {
	if component == "" {
		return zap.NewNop()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}

	logger, err := cfg.Build()
	if err != nil {
		// Building a zap config from NewProductionConfig only fails on
		// a broken encoder/level registration, never at runtime; fall
		// back to zap's example logger on stdout so a misconfiguration is
		// still visible.
		fallback := zap.NewExample()
		fallback.Error("failed to build production logger, using fallback", zap.Error(err))
		logger = fallback
	}

	named := logger.With(zap.String("component", component))
	if len(fields) > 0 {
		named = named.With(fields...)
	}
	return named
}

// Sync flushes buffered log entries; call via defer in every main().
// stdout's Sync commonly returns ENOTTY on a terminal, which is
// harmless and safe to ignore.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}
