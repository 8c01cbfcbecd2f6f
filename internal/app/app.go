// Package app wires the engine, persistence and outer surfaces together and
// supervises them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"NetTrafficSentinel/internal/alerter"
	"NetTrafficSentinel/internal/api"
	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/engine/aggregator"
	"NetTrafficSentinel/internal/engine/capture"
	"NetTrafficSentinel/internal/engine/exclusion"
	"NetTrafficSentinel/internal/engine/manager"
	"NetTrafficSentinel/internal/factory"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/metrics"
	"NetTrafficSentinel/internal/model"
	"NetTrafficSentinel/internal/notification"
	"NetTrafficSentinel/internal/query"

	// Writers register themselves with the factory.
	_ "NetTrafficSentinel/internal/probe"
	_ "NetTrafficSentinel/internal/writer"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that follows the capture state.
const HealthService = "sentinel.Capture"

// App owns every long-running task of one monitor process.
type App struct {
	cfg *config.Config
	log *logrus.Entry

	agg     *aggregator.Aggregator
	capture *capture.Capture
	manager *manager.Manager
	metrics *metrics.Metrics
	health  *health.Server

	api     *api.Server
	querier query.Querier
	alerter *alerter.Alerter
}

// New builds an App that captures from opener. cfg must already be validated.
func New(cfg *config.Config, opener capture.Opener, logger *logrus.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    logging.WithComponent(logger, "app"),
		health: health.NewServer(),
	}
	a.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	exclude, err := exclusion.New(cfg.Capture.ExclusionPrefixes())
	if err != nil {
		return nil, err
	}

	a.agg = aggregator.New(aggregator.WithShards(cfg.Aggregator.NumShards))

	a.capture = capture.New(opener, a.agg, exclude, capture.Options{
		MaxReadErrors: cfg.Capture.MaxReadErrors,
		MaxReopens:    cfg.Capture.MaxReopens,
		OpenTimeout:   config.Duration(cfg.Capture.OpenTimeout, 0),
		ReopenBackoff: config.Duration(cfg.Capture.ReopenBackoff, 0),
		Logger:        logger,
		OnStateChange: a.onStateChange,
	})

	a.metrics = metrics.New(a.capture, a.agg)

	if cfg.Alerter.Enabled {
		var notifier model.Notifier
		if cfg.SMTP.Host != "" {
			if notifier, err = notification.NewEmailNotifier(cfg.SMTP); err != nil {
				return nil, err
			}
		}
		if a.alerter, err = alerter.NewAlerter(&cfg.Alerter, a.agg, notifier, logger); err != nil {
			return nil, err
		}
	}

	writers, err := factory.CreateWriters(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.manager, err = manager.New(a.agg, writers, manager.Options{
		Interval:      cfg.SaveInterval(),
		CommitTimeout: config.Duration(cfg.Aggregator.CommitTimeout, 0),
		MaxBacklog:    cfg.Aggregator.MaxBacklog,
		Logger:        logger,
		OnCommit:      a.metrics.ObserveCommit,
	})
	if err != nil {
		closeAll(writers)
		return nil, err
	}

	if cfg.API.Enabled {
		a.querier, err = openQuerier(cfg)
		if err != nil {
			a.log.WithError(err).Warn("History API disabled")
		}
		a.api = api.New(a.agg, a.capture, a.querier, api.Options{
			Interface: cfg.Capture.Interface,
			TopN:      cfg.API.TopN,
			CacheTTL:  config.Duration(cfg.API.CacheTTL, 0),
			Metrics:   a.metrics.Handler(),
			Logger:    logger,
		})
	}

	return a, nil
}

// openQuerier picks the first enabled writer that can be read back.
func openQuerier(cfg *config.Config) (query.Querier, error) {
	for _, def := range cfg.EnabledWriters() {
		switch def.Type {
		case "sqlite":
			return query.NewSQLiteQuerier(def.SQLite.Path)
		case "clickhouse":
			return query.NewClickHouseQuerier(def.ClickHouse)
		}
	}
	return nil, errors.New("no sqlite or clickhouse writer enabled")
}

// Aggregator returns the engine's aggregator.
func (a *App) Aggregator() *aggregator.Aggregator {
	return a.agg
}

// Capture returns the capture loop.
func (a *App) Capture() *capture.Capture {
	return a.capture
}

// Banner logs the effective settings once at startup.
func (a *App) Banner() {
	dbPath := "-"
	if def, ok := a.cfg.FindWriter("sqlite"); ok && def.Enabled {
		dbPath = def.SQLite.Path
	}
	a.log.WithFields(logrus.Fields{
		"interface":     a.cfg.Capture.Interface,
		"exclude":       a.cfg.Capture.ExclusionPrefixes(),
		"web_port":      a.cfg.API.Port,
		"db_path":       dbPath,
		"save_interval": a.cfg.SaveInterval().String(),
	}).Info("NetTrafficSentinel starting")
}

func (a *App) onStateChange(from, to capture.State) {
	a.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("Capture state changed")
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if to == capture.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus(HealthService, status)
	a.health.SetServingStatus("", status)
}

// Run starts every task and blocks until ctx is cancelled or capture ends.
// Shutdown order: capture drains first, then the manager performs its final
// flush and commit, then the outer surfaces stop. A capture failure is
// returned after shutdown completes.
func (a *App) Run(ctx context.Context) error {
	captureCtx, cancelCapture := context.WithCancel(context.Background())
	defer cancelCapture()
	managerCtx, cancelManager := context.WithCancel(context.Background())
	defer cancelManager()
	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()

	captureErr := make(chan error, 1)
	go func() { captureErr <- a.capture.Run(captureCtx) }()

	managerErr := make(chan error, 1)
	go func() { managerErr <- a.manager.Run(managerCtx) }()

	aux := a.startAux(auxCtx)

	var (
		runErr       error
		captureDone  bool
		auxRemaining = len(aux.tasks)
	)
wait:
	for {
		select {
		case <-ctx.Done():
			a.log.Info("Shutdown signal received")
			break wait
		case runErr = <-captureErr:
			captureDone = true
			if runErr != nil {
				a.log.WithError(runErr).Error("Capture stopped")
			} else {
				a.log.Info("Capture source exhausted")
			}
			break wait
		case err := <-aux.errs:
			auxRemaining--
			if err == nil {
				continue
			}
			runErr = err
			a.log.WithError(err).Error("Auxiliary task failed")
			break wait
		}
	}

	if !captureDone {
		cancelCapture()
		if err := <-captureErr; err != nil && runErr == nil {
			runErr = err
		}
	}

	cancelManager()
	if err := <-managerErr; err != nil {
		a.log.WithError(err).Error("Manager stopped with error")
	}

	cancelAux()
	for ; auxRemaining > 0; auxRemaining-- {
		if err := <-aux.errs; err != nil {
			a.log.WithError(err).Warn("Auxiliary task stopped with error")
		}
	}
	if a.querier != nil {
		a.querier.Close()
	}

	a.log.Info("Shutdown complete")
	return runErr
}

type auxTasks struct {
	tasks []string
	errs  chan error
}

// startAux runs the API, alerter and health server. Each reports exactly one
// result on errs.
func (a *App) startAux(ctx context.Context) auxTasks {
	var run []func(context.Context) error
	t := auxTasks{}
	if a.api != nil {
		t.tasks = append(t.tasks, "api")
		addr := a.cfg.API.ListenAddr()
		run = append(run, func(ctx context.Context) error { return a.api.Serve(ctx, addr) })
	}
	if a.alerter != nil {
		t.tasks = append(t.tasks, "alerter")
		run = append(run, a.alerter.Run)
	}
	if a.cfg.Health.Enabled {
		t.tasks = append(t.tasks, "health")
		run = append(run, a.serveHealth)
	}

	t.errs = make(chan error, len(run))
	for _, fn := range run {
		go func(fn func(context.Context) error) { t.errs <- fn(ctx) }(fn)
	}
	return t
}

func (a *App) serveHealth(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.Health.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Health.ListenAddr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, a.health)

	done := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.Health.ListenAddr).Info("gRPC health server starting")
		done <- srv.Serve(lis)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	a.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
	return nil
}

func closeAll(writers []model.Writer) {
	for _, w := range writers {
		w.Close()
	}
}
