//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	dservice "CoordRisk/internal/domain/service"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/pkg/config"
	"CoordRisk/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application. The cleanup closes
// infrastructure clients and must run after App.Run returns.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,

		// Repositories
		ProvideCHWindowStore,
		ProvideWindowStore,
		ProvideCalibratorStore,
		ProvideResultPublisher,

		// Engine and use cases
		ProvideEngineConfig,
		ProvideEngine,
		wire.Bind(new(dservice.CoordinationScorer), new(*vmm.Engine)),
		ProvideCalibrators,
		ProvideWindowAnalyzer,
		ProvideCalibrationTrainer,
		ProvideKafkaWindowHandler,

		// HTTP
		ProvideVMMHandler,
		ProvideCalibrationHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
