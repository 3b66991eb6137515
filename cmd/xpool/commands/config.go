// Package commands implements the xpool CLI's subcommands.
package commands

import (
	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/internal/config"
	"github.com/teranos/xpool/internal/errors"
	"github.com/teranos/xpool/internal/logger"
)

// ConfigPath, when set via --config, bypasses the system/user/project
// config search path entirely.
var ConfigPath string

func loadConfig() (*config.Config, error) {
	if ConfigPath != "" {
		return config.LoadFromFile(ConfigPath)
	}
	return config.Load()
}

func openStore() (*accountpool.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}

	store, err := accountpool.Open(cfg.Database.Path, logger.Named("accountpool"))
	if err != nil {
		return nil, errors.Wrapf(err, "open account store at %s", cfg.Database.Path)
	}
	return store, nil
}
