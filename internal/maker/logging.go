package maker

import (
	"fmt"

	"go.uber.org/zap"
)

// BuildLogger returns a JSON production logger at the named level.
func BuildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q: %v", ErrInvalidConfig, level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Sampling = nil
	return cfg.Build()
}
