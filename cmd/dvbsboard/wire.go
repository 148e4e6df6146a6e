//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

// BuildApp wires the server components using Google Wire.
func BuildApp(ctx context.Context, path ConfigPath) (*App, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideHub,
		provideStorage,
		provideMetrics,
		provideWebhooks,
		provideScoreboard,
		provideHandler,
		provideServer,
		provideMetricsServer,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}

// BuildTools wires only what the seed and copy commands need.
func BuildTools(ctx context.Context, path ConfigPath) (*Tools, func(), error) {
	wire.Build(
		provideConfig,
		provideLogger,
		provideStorage,
		wire.Struct(new(Tools), "*"),
	)
	return nil, nil, nil
}
