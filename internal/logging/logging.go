// Package logging builds the process logger and bridges it to models.Logger
package logging

import (
	"fmt"
	"strings"

	"github.com/memsql/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/singlestore-labs/iapprofile/iap/models"
)

// New returns a JSON production logger at the given level
// ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, errors.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Adapter writes Logf output as debug entries of a zap logger
type Adapter struct {
	logger *zap.Logger
}

var _ models.Logger = Adapter{}

// NewAdapter wraps logger. A nil logger yields a no-op adapter.
func NewAdapter(logger *zap.Logger) Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Adapter{logger: logger}
}

func (a Adapter) Logf(format string, args ...interface{}) {
	if ce := a.logger.Check(zapcore.DebugLevel, ""); ce != nil {
		ce.Message = fmt.Sprintf(format, args...)
		ce.Write()
	}
}
