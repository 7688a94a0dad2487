// Package commands implements the fulfillment CLI subcommands.
package commands

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

func loadConfig(configDir string) (*config.Settings, *zap.Logger, error) {
	cfg, err := config.LoadFromFile(configDir)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func closeQuietly(logger *zap.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed", zap.String("resource", what), zap.Error(err))
	}
}
