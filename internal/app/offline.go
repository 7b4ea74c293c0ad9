package app

import (
	"context"

	"watchbot/internal/config"
	"watchbot/internal/storage"
	"watchbot/internal/tenant"
	logx "watchbot/pkg/logx"
)

// LoadConfig parses and validates the config file without touching the network.
func LoadConfig(path string) (*config.Config, *tenant.Registry, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validateReload(context.Background(), cfg); err != nil {
		return nil, nil, err
	}
	reg, err := tenant.Build(cfg.Tenants)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

// OpenStates opens the configured backend for offline inspection. The caller
// closes the returned backend.
func OpenStates(cfg *config.Config, log logx.Logger) (*storage.StateStore, storage.Backend, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewStateStore(b, log), b, nil
}
