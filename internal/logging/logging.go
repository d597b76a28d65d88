// Package logging wraps go.uber.org/zap construction so the driver and
// the Lambda handlers log in a single consistent shape: structured,
// stderr-bound (captured by CloudWatch Logs inside a Lambda execution
// environment), job-scoped via a jobId field.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger scoped to a job id. Lambda handlers
// call this once per cold start and reuse the logger across
// invocations, same as the teacher's module-level client pattern; the
// logger is then handed to each component as an explicit constructor
// argument.
func New(jobID string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// zap's production config is built from constants; this can only
		// fail if the encoder name is invalid, which it never is here.
		panic(err)
	}
	if jobID != "" {
		logger = logger.With(zap.String("jobId", jobID))
	}
	return logger
}

// Component returns a child logger tagged with the given component
// name, mirroring the logger.WithComponent convenience seen across the
// pack (e.g. infrastructure/logging.Logger.WithComponent).
func Component(logger *zap.Logger, name string) *zap.Logger {
	return logger.With(zap.String("component", name))
}
