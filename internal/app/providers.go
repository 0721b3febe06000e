package app

import (
	"context"

	"autotrader/internal/config"
)

// ConfigPath is the file the configuration was loaded from; empty disables
// hot reload.
type ConfigPath string

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppBuilder(cfg *config.Config, path ConfigPath) *AppBuilder {
	return NewAppBuilder(cfg, WithConfigPath(string(path)))
}

func provideAppFromBuilder(b *AppBuilder, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

var _ appBuilderDeps = (*AppBuilder)(nil)
