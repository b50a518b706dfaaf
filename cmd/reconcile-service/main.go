package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/enrollment_backend/app"
	"bitbucket.org/mmdatafocus/enrollment_backend/config"
	"bitbucket.org/mmdatafocus/enrollment_backend/trigger"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateReconcile(); err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}
	production := strings.EqualFold(cfg.Env, "production")
	if production {
		gin.SetMode(gin.ReleaseMode)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	migrate := !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true")
	if !migrate {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}
	deps, err := app.Open(sigCtx, cfg, logger, app.Options{Registerer: prometheus.DefaultRegisterer, Migrate: migrate})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}
	defer deps.Close()

	job, err := deps.ReconcileJob()
	if err != nil {
		deps.Close()
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal(err)
	}

	loc, err := time.LoadLocation(cfg.Reconcile.Timezone)
	if err != nil {
		deps.Close()
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}
	opts := []trigger.Option{trigger.WithLocation(loc)}

	if cfg.PubSub.ProjectID != "" {
		client, err := config.NewPubSubClient(sigCtx, cfg.PubSub, logger)
		if err != nil {
			deps.Close()
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
		}
		defer client.Close()
		publisher, err := trigger.NewPubSubPublisher(sigCtx, client, cfg.PubSub)
		if err != nil {
			deps.Close()
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
		}
		defer publisher.Stop()
		opts = append(opts, trigger.WithPublisher(publisher))
	} else {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("PUBSUB_PROJECT_ID not set; runs execute in this process")
	}

	handlers := trigger.NewHandlers(job, deps.Recorder, logger, opts...)
	r := trigger.NewRouter(handlers, prometheus.DefaultGatherer, logger, trigger.RouterConfig{
		Production:     production,
		AllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		PushPath:       strings.TrimSpace(os.Getenv("PUBSUB_PUSH_PATH")),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"port": cfg.Port}).Info("reconcile service listening")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
	// in-process runs keep their own context; let them record their outcome
	handlers.Wait()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
