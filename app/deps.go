// Package app assembles the jobs from configuration for the command-line tools and the service.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/escrow"
	"bitbucket.org/mmdatafocus/enrollment_backend/fulfillment"
	"bitbucket.org/mmdatafocus/enrollment_backend/gateway"
	"bitbucket.org/mmdatafocus/enrollment_backend/metrics"
	"bitbucket.org/mmdatafocus/enrollment_backend/models"
	"bitbucket.org/mmdatafocus/enrollment_backend/report"
	"bitbucket.org/mmdatafocus/enrollment_backend/tablestore"
	"bitbucket.org/mmdatafocus/enrollment_backend/workflow"
)

// Deps are the shared backends. Every field except Metrics, Recorder, Lock and Sink may be nil.
type Deps struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics

	DB          *gorm.DB
	Redis       *redis.Client
	Recorder    workflow.RunRecorder
	Idempotency workflow.Idempotency
	Lock        workflow.RunLock
	Sink        report.Sink

	closers []func() error
}

type Options struct {
	// Registerer receives the job metrics; nil means the default registry.
	Registerer prometheus.Registerer
	// Migrate runs AutoMigrate when a database is configured.
	Migrate bool
}

// Open connects whatever cfg configures. A database gives persistent run history and
// idempotency, Redis gives a cross-process run lock and a payment detail cache, a bucket sends
// reports to GCS. Anything left unconfigured falls back to an in-process equivalent.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*Deps, error) {
	d := &Deps{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(opts.Registerer),
	}

	if cfg.Database.Enabled() {
		db, err := config.OpenDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			d.closers = append(d.closers, sqlDB.Close)
		}
		if opts.Migrate {
			if err := models.MigrateTable(db); err != nil {
				d.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		d.DB = db
		d.Recorder = workflow.NewGormRunRecorder(db)
		d.Idempotency = workflow.NewGormIdempotency(db)
	} else {
		logger.Warn("DB_HOST not set; run history is kept in memory")
		d.Recorder = workflow.NewMemoryRunRecorder()
	}

	if cfg.RedisAddress != "" {
		rdb, locker, err := config.ConnectRedis(ctx, cfg.RedisAddress, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, rdb.Close)
		d.Redis = rdb
		d.Lock = workflow.NewRedisRunLock(locker, cfg.RunLockTTL, logger)
	} else {
		d.Lock = workflow.NewLocalRunLock()
	}

	if cfg.Report.Bucket != "" {
		client, err := config.NewStorageClient(ctx, cfg.Report.GCSCredentialsJSON)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		sink, err := report.NewGCSSink(client, cfg.Report.Bucket, "reports")
		if err != nil {
			d.Close()
			return nil, err
		}
		d.Sink = sink
	} else {
		d.Sink = report.LocalSink{Dir: cfg.Report.Dir}
	}
	return d, nil
}

func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// ReconcileJob wires the gateway client, the table store and the course catalog.
func (d *Deps) ReconcileJob() (*workflow.ReconcileJob, error) {
	cfg := d.Config
	var gwOpts []gateway.Option
	if d.Redis != nil {
		gwOpts = append(gwOpts, gateway.WithDetailCache(gateway.NewRedisDetailCache(d.Redis, cfg.Gateway.DetailCacheTTL)))
	}
	gw, err := gateway.NewClient(cfg.Gateway, d.Logger, gwOpts...)
	if err != nil {
		return nil, err
	}
	store, err := tablestore.NewClient(cfg.Store, d.Logger)
	if err != nil {
		return nil, err
	}
	catalog, err := fulfillment.LoadCatalog(cfg.Reconcile.CatalogPath)
	if err != nil {
		return nil, err
	}
	return &workflow.ReconcileJob{
		Source:    gw,
		Store:     store,
		Table:     cfg.Store.Table,
		Catalog:   catalog,
		Recorder:  d.Recorder,
		Lock:      d.Lock,
		Sink:      d.Sink,
		Metrics:   d.Metrics,
		Logger:    d.Logger,
		Reconcile: cfg.Reconcile,
		Dispatch:  cfg.Dispatch,
		Report:    cfg.Report,
	}, nil
}

func (d *Deps) EscrowJob() (*workflow.EscrowJob, error) {
	registrar, err := escrow.NewRegistrar(d.Config.Escrow, d.Logger)
	if err != nil {
		return nil, err
	}
	return &workflow.EscrowJob{
		Registrar:   registrar,
		MerchantID:  d.Config.Escrow.MerchantID,
		Idempotency: d.Idempotency,
		Recorder:    d.Recorder,
		Lock:        d.Lock,
		Sink:        d.Sink,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
		Dispatch:    d.Config.Dispatch,
	}, nil
}
