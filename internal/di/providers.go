package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"CoordRisk/internal/domain/repository"
	dservice "CoordRisk/internal/domain/service"
	"CoordRisk/internal/handler/api"
	internalrepo "CoordRisk/internal/repository"
	"CoordRisk/internal/services/calibration"
	"CoordRisk/internal/services/vmm"
	"CoordRisk/internal/usecase"
	"CoordRisk/pkg/cache"
	pkgch "CoordRisk/pkg/clickhouse"
	"CoordRisk/pkg/config"
	xhttp "CoordRisk/pkg/http"
	pkgkafka "CoordRisk/pkg/kafka"
	applogger "CoordRisk/pkg/logger"
	"CoordRisk/pkg/metrics"
	"CoordRisk/pkg/server"
)

const calibratorCacheTTL = 10 * time.Minute

// ProvideLogger builds the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the Prometheus registry served on the metrics path.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.NewWithRegistry(reg)
}

// ProvideClickHouseClient connects when clickhouse.enabled is set and returns nil otherwise.
func ProvideClickHouseClient(cfg *config.Config, l *applogger.Logger) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClickHouse.DialTimeout+5*time.Second)
	defer cancel()
	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	l.Info("clickhouse connected",
		applogger.String("host", cfg.ClickHouse.Host),
		applogger.String("database", cfg.ClickHouse.Database),
	)
	return client, func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}, nil
}

// ProvideCHWindowStore creates the price table when missing. It returns nil without a client.
func ProvideCHWindowStore(cfg *config.Config, client *pkgch.Client, l *applogger.Logger) (*internalrepo.CHWindowStore, error) {
	if client == nil {
		return nil, nil
	}
	store, err := internalrepo.NewCHWindowStore(client.DB(), cfg.ClickHouse.Database+"."+cfg.ClickHouse.Table, l)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideWindowStore puts the ClickHouse store behind a circuit breaker. The result is a nil
// interface when ClickHouse is disabled.
func ProvideWindowStore(cfg *config.Config, store *internalrepo.CHWindowStore, l *applogger.Logger) repository.WindowStore {
	if store == nil {
		return nil
	}
	b := cfg.ClickHouse.Breaker
	return internalrepo.NewBreakerWindowStore(store, internalrepo.BreakerSettings{
		MaxRequests:      b.MaxRequests,
		Interval:         b.Interval,
		Timeout:          b.Timeout,
		FailureThreshold: b.Failures,
	}, l)
}

// ProvideCalibratorStore selects the file or Redis backend and fronts it with an in-process
// read-through cache.
func ProvideCalibratorStore(cfg *config.Config, l *applogger.Logger) (repository.CalibratorStore, func(), error) {
	mem := cache.NewMemoryCache(cache.WithMemoryMaxSize(512))
	var (
		primary calibration.Store
		cleanup = func() { _ = mem.Close() }
	)
	switch cfg.Calibration.Store {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rc, err := cache.NewRedisCache(ctx,
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisPassword(cfg.Redis.Password),
			cache.WithRedisDB(cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, 2, 30*time.Second),
			cache.WithRedisRetries(cfg.Redis.MaxRetries),
			cache.WithRedisPrefix(cfg.Redis.KeyPrefix),
		)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("calibrator store: %w", err)
		}
		primary = internalrepo.NewCacheCalibratorStore(rc, 0)
		cleanup = func() {
			_ = mem.Close()
			if err := rc.Close(); err != nil {
				l.Warn("redis close error", applogger.Error(err))
			}
		}
	default:
		primary = calibration.NewFileStore(cfg.Calibration.Dir)
	}
	l.Info("calibrator store ready", applogger.String("backend", cfg.Calibration.Store))
	return internalrepo.NewReadThroughCalibratorStore(primary, mem, calibratorCacheTTL), cleanup, nil
}

// ProvideKafkaProducer creates a producer when kafka.enabled is set and returns nil otherwise.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry, l *applogger.Logger) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(p.BatchSize, p.BatchBytes, p.Linger),
		pkgkafka.WithWriteTimeout(p.WriteTimeout),
		pkgkafka.WithMaxAttempts(p.MaxAttempts),
		pkgkafka.WithAsync(p.Async),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() {
		if err := producer.Close(); err != nil {
			l.Warn("kafka producer close error", applogger.Error(err))
		}
	}, nil
}

// ProvideResultPublisher publishes to the result topic, or drops results without a producer.
func ProvideResultPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.ResultPublisher {
	if producer == nil {
		return internalrepo.NopResultPublisher{}
	}
	return internalrepo.NewKafkaResultPublisher(producer, cfg.Kafka.ResultTopic)
}

// ProvideKafkaConsumer creates a consumer of window requests when kafka.enabled is set.
func ProvideKafkaConsumer(cfg *config.Config, reg *prometheus.Registry, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	c := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(c.GroupID),
		pkgkafka.WithConsumerWorkers(c.Workers),
		pkgkafka.WithConsumerBufferSize(c.BufferSize),
		pkgkafka.WithConsumerRetry(c.RetryMax, c.BackoffMin, c.BackoffMax),
		pkgkafka.WithConsumerDLQ(c.DLQTopic),
		pkgkafka.WithConsumerFetch(c.MinBytes, c.MaxBytes),
		pkgkafka.WithConsumerRegisterer(reg),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.TraceHook())
	return consumer, nil
}

// ProvideEngineConfig maps the vmm section onto the engine configuration.
func ProvideEngineConfig(cfg *config.Config) vmm.EngineConfig {
	return usecase.EngineConfigFrom(cfg.VMM)
}

// ProvideEngine creates the shared engine used when a request carries no overrides.
func ProvideEngine(ec vmm.EngineConfig, l *applogger.Logger) *vmm.Engine {
	return vmm.NewEngine(ec, vmm.WithLogger(l))
}

// ProvideCalibrators resolves calibrators from the store.
func ProvideCalibrators(store repository.CalibratorStore) dservice.ConfidenceCalibrator {
	return usecase.NewStoreCalibrators(store)
}

func ProvideWindowAnalyzer(
	cfg *config.Config,
	store repository.WindowStore,
	scorer dservice.CoordinationScorer,
	calibrators dservice.ConfidenceCalibrator,
	publisher repository.ResultPublisher,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.WindowAnalyzer {
	return usecase.NewWindowAnalyzer(store, scorer, calibrators, publisher, m, l, cfg.Workers.Batch)
}

func ProvideCalibrationTrainer(
	cfg *config.Config,
	store repository.CalibratorStore,
	m repository.Metrics,
	l *applogger.Logger,
) *usecase.CalibrationTrainer {
	opts, gates := usecase.CalibrationFrom(cfg.Calibration)
	return usecase.NewCalibrationTrainer(store, opts, gates, m, l)
}

// ProvideKafkaWindowHandler handles the request topic.
func ProvideKafkaWindowHandler(cfg *config.Config, analyzer *usecase.WindowAnalyzer, m repository.Metrics) *usecase.KafkaWindowHandler {
	return usecase.NewKafkaWindowHandler(cfg.Kafka.RequestTopic, analyzer, m)
}

func ProvideVMMHandler(cfg *config.Config, analyzer *usecase.WindowAnalyzer, ec vmm.EngineConfig, l *applogger.Logger) *api.VMMEchoHandler {
	return api.NewVMMEchoHandler(l, analyzer, ec, cfg.Server.MaxBatch)
}

func ProvideCalibrationHandler(trainer *usecase.CalibrationTrainer, l *applogger.Logger) *api.CalibrationEchoHandler {
	return api.NewCalibrationEchoHandler(l, trainer)
}

// ProvideHTTPServer mounts the API handlers on the Echo server.
func ProvideHTTPServer(
	cfg *config.Config,
	reg *prometheus.Registry,
	l *applogger.Logger,
	vmmH *api.VMMEchoHandler,
	calH *api.CalibrationEchoHandler,
) *xhttp.Server {
	path := ""
	if cfg.Metrics.Enabled {
		path = cfg.Metrics.Path
	}
	return xhttp.NewServer(xhttp.Handlers{vmmH, calH},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		xhttp.WithMetrics(reg, path),
		xhttp.WithLogger(l),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	kh *usecase.KafkaWindowHandler,
) *server.App {
	app := server.New(l, srv, consumer, kh)
	app.SetShutdownTimeout(cfg.Server.ShutdownTimeout + 5*time.Second)
	return app
}
