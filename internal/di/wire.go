//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"CoinScout/pkg/config"
	"CoinScout/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure
		ProvideBackends,
		ProvideComm,
		ProvideArchive,

		// Domain services
		ProvideAdapterManager,
		ProvideRulesEngine,
		ProvideScanner,

		// HTTP
		ProvideScannerHandler,
		ProvideHTTPServer,

		ProvideApp,
	)
	return &server.App{}, nil
}
