// Package telemetry builds the zap logger the way guardiand does:
// console encoding for interactive/dev use, JSON in production, with
// the level driven by a single atomic.
package telemetry

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger constructs a *zap.Logger at the given level. production
// selects JSON encoding (for log aggregation downstream); otherwise a
// human-readable console encoder is used, matching node.go's dev logger.
func NewLogger(levelStr string, production bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(levelStr)); err != nil {
		return nil, fmt.Errorf("telemetry: invalid log level %q: %w", levelStr, err)
	}

	var encoder zapcore.Encoder
	if production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(zapcore.Lock(os.Stderr)),
		zap.NewAtomicLevelAt(lvl),
	)

	return zap.New(core), nil
}
