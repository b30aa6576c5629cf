// Package main is the entry point for the signal activation fabric: it
// wires Signal Producers, the Event Bus Facade, the Dispatcher, the
// Pipeline Index, the Run Registry, the Executor Queue, and the Periodic
// Scheduler into one running process, then waits for SIGINT/SIGTERM to
// drain and exit.
package main

import (
	"context"
	"flag"
	"os"
	osSignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/bus"
	"github.com/aristath/signalfabric/internal/catalogue"
	"github.com/aristath/signalfabric/internal/config"
	"github.com/aristath/signalfabric/internal/database"
	"github.com/aristath/signalfabric/internal/dispatcher"
	"github.com/aristath/signalfabric/internal/events"
	"github.com/aristath/signalfabric/internal/index"
	"github.com/aristath/signalfabric/internal/metrics"
	"github.com/aristath/signalfabric/internal/producer"
	"github.com/aristath/signalfabric/internal/queue"
	"github.com/aristath/signalfabric/internal/registry"
	"github.com/aristath/signalfabric/internal/scheduler"
	fabricsignal "github.com/aristath/signalfabric/internal/signal"
	"github.com/aristath/signalfabric/pkg/logger"
)

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "Data directory path (overrides FABRIC_DATA_DIR environment variable)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel})
	log.Info().Str("data_dir", cfg.DataDir).Msg("starting signalfabric")

	registryDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "registry.db"), Profile: database.ProfileLedger, Name: "registry"})
	must(log, err, "open registry database")
	defer registryDB.Close()
	must(log, registryDB.Migrate(), "migrate registry database")

	queueDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "queue.db"), Profile: database.ProfileStandard, Name: "queue"})
	must(log, err, "open queue database")
	defer queueDB.Close()
	must(log, queueDB.Migrate(), "migrate queue database")

	catalogueDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "catalogue.db"), Profile: database.ProfileCache, Name: "catalogue"})
	must(log, err, "open catalogue database")
	defer catalogueDB.Close()
	must(log, catalogueDB.Migrate(), "migrate catalogue database")

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	eventBus := events.NewBus(log)
	subscribeEventLogging(eventBus, log)

	var signalBus dispatcherBus
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn().Msg("FABRIC_KAFKA_BROKERS unset, falling back to the in-process memory bus")
		signalBus = bus.NewMemory()
	} else {
		facade, err := bus.New(bus.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, PublishTimeout: cfg.PublishTimeout}, log)
		must(log, err, "dial event bus")
		defer facade.Close()
		signalBus = facade
	}

	catalogueReader := catalogue.NewSQLiteReader(catalogueDB.Conn(), 200)
	idx := index.New(catalogueReader, log)
	reg := registry.New(registryDB.Conn(), log)
	execQ := queue.NewPersistentQueue(queueDB.Conn())

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher := index.NewRefresher(idx, cfg.RefreshInterval, metricsReg, log)
	must(log, refresher.Start(rootCtx), "start pipeline index refresher")
	defer refresher.Stop()

	dispatcherExecQ := newEventingQueue(execQ, eventBus, "dispatcher")
	d := dispatcher.New(dispatcher.Config{BatchSize: cfg.BatchSize, BatchTimeout: cfg.BatchTimeout}, idx, reg, dispatcherExecQ, metricsReg, log)
	go d.RunTimeoutFlusher(rootCtx)

	sub, err := signalBus.Subscribe(rootCtx, cfg.ConsumerGroup, d.Handle, func(raw []byte, decodeErr error) {
		metricsReg.IncMalformedSignal()
		log.Warn().Err(decodeErr).Int("bytes", len(raw)).Msg("dropped malformed signal envelope")
	})
	must(log, err, "subscribe dispatcher to event bus")
	defer sub.Close()

	schedulerExecQ := newEventingQueue(execQ, eventBus, "scheduler")
	sched := scheduler.New(scheduler.Config{
		ScheduleInterval:    cfg.ScheduleInterval,
		MonitorTickInterval: cfg.MonitorTickInterval,
		LeaseTimeout:        cfg.LeaseTimeout,
	}, idx, reg, schedulerExecQ, metricsReg, log)
	must(log, sched.Start(), "start scheduler")
	defer sched.Stop()

	workerPool := queue.NewWorkerPool(execQ, reg, referenceExecute(cfg.MonitorTickInterval, log), cfg.WorkerPoolSize, cfg.ExecuteTimeout, cfg.MaxFailCount, metricsReg, log)
	workerPool.Start()
	defer workerPool.Stop(30 * time.Second)

	publisher := newEventingPublisher(signalBus, eventBus)
	mockRunner := producer.NewRunner(
		producer.NewMock([]string{"AAPL", "MSFT", "GOOGL"}, fabricsignal.DirectionBullish, 65, time.Minute),
		publisher,
		producer.RunnerConfig{PublishRetries: 3, PublishBackoffBase: 500 * time.Millisecond},
		metricsReg,
		log,
	)
	go mockRunner.Run(rootCtx)

	metricsServer := metrics.NewServer(cfg.MetricsAddr, log)
	metricsServer.Start(rootCtx)

	sampler, err := metrics.NewProcessSampler(metricsReg, 15*time.Second, log)
	if err != nil {
		log.Warn().Err(err).Msg("process sampler unavailable, skipping resource gauges")
	} else {
		go sampler.Run(rootCtx)
	}

	log.Info().Str("addr", cfg.MetricsAddr).Msg("signalfabric running")

	quit := make(chan os.Signal, 1)
	osSignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, draining")
	cancel()
	log.Info().Msg("signalfabric stopped")
}

// dispatcherBus is the narrow surface main needs from either the durable
// Kafka-backed Facade or the in-process Memory fallback.
type dispatcherBus interface {
	producer.Publisher
	Subscribe(ctx context.Context, groupID string, handler bus.Handler, onMalformed bus.MalformedHandler) (*bus.Subscription, error)
}

func subscribeEventLogging(b *events.Bus, log zerolog.Logger) {
	logged := []events.EventType{
		events.SignalPublished,
		events.PipelineEnqueued,
		events.PipelineSkipped,
		events.LeaseReleased,
		events.IndexRefreshFailed,
		events.LeaseStale,
	}
	for _, t := range logged {
		eventType := t
		b.Subscribe(eventType, func(e *events.Event) {
			log.Debug().Str("event_type", string(e.Type)).Str("module", e.Module).Interface("data", e.Data).Msg("ambient event")
		})
	}
}

func must(log zerolog.Logger, err error, action string) {
	if err != nil {
		log.Fatal().Err(err).Msg("failed to " + action)
	}
}
