//go:build !wireinject
// +build !wireinject

package di

import (
	"CoinScout/pkg/config"
	"CoinScout/pkg/server"
)

// InitializeApp builds the application graph declared in wire.go. Running
// wire in this package regenerates this file from that declaration.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}
	metrics := ProvideMetrics(cfg)
	backends, err := ProvideBackends(cfg, logger)
	if err != nil {
		return nil, err
	}
	layer, err := ProvideComm(cfg, backends, logger, metrics)
	if err != nil {
		return nil, err
	}
	opportunityArchive, err := ProvideArchive(cfg, logger)
	if err != nil {
		return nil, err
	}
	manager, err := ProvideAdapterManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	engine, err := ProvideRulesEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	scanner, err := ProvideScanner(cfg, manager, engine, layer, opportunityArchive, metrics, logger)
	if err != nil {
		return nil, err
	}
	scannerHandler := ProvideScannerHandler(logger, scanner, manager, layer, opportunityArchive)
	httpServer := ProvideHTTPServer(cfg, logger, scannerHandler)
	app := ProvideApp(cfg, logger, manager, scanner, layer, opportunityArchive, httpServer)
	return app, nil
}
