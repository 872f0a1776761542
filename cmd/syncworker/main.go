// Command syncworker runs a search projection worker with its admin API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UniQw/searchsync"
	"github.com/UniQw/searchsync/internal/admin"
	"github.com/UniQw/searchsync/internal/config"
	"github.com/UniQw/searchsync/internal/metrics"
	"github.com/UniQw/searchsync/internal/pgstore"
	"github.com/UniQw/searchsync/internal/redisbus"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	zl := zerolog.New(os.Stderr).With().Timestamp().Str("app", "syncworker").Logger()
	conf, err := config.Load()
	if err != nil {
		zl.Fatal().Err(err).Msg("load config")
	}
	zl = zl.Level(conf.LogLevel).With().Str("worker", conf.Worker.ID).Logger()
	log := searchsync.NewZerologLogger(zl)

	if err := run(conf, log); err != nil {
		zl.Fatal().Err(err).Msg("syncworker")
	}
}

func run(conf *config.Config, log searchsync.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgstore.Open(ctx, conf.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := pgstore.Migrate(ctx, db); err != nil {
		return err
	}
	store := pgstore.New(db)

	signals := []searchsync.SignalSource{pgstore.NewListener(conf.Database.URL, log)}
	reporters := []searchsync.Reporter{metrics.Reporter{}}
	if conf.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr, Password: conf.Redis.Password, DB: conf.Redis.DB})
		defer rdb.Close()
		bus := redisbus.New(rdb, conf.Redis.Name, redisbus.WithLogger(log))
		signals = append(signals, bus)
		reporters = append(reporters, bus)
		log.Infof("redis bus enabled; addr=%s channel=%s", conf.Redis.Addr, bus.Channel())
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	w := conf.Worker
	worker := searchsync.NewWorker(store, searchsync.WorkerConfig{
		ID:               w.ID,
		BatchSize:        w.BatchSize,
		PollInterval:     w.PollInterval,
		HealthInterval:   w.HealthInterval,
		CleanupInterval:  w.CleanupInterval,
		StatsInterval:    w.StatsInterval,
		FailureThreshold: w.FailureThreshold,
		StuckTimeout:     w.StuckTimeout,
		DeadGrace:        w.DeadGrace,
		Signals:          signals,
		Reporters:        reporters,
		Logger:           log,
	})
	worker.Start(ctx)
	defer worker.Stop()

	var srv *http.Server
	if conf.Admin.Addr != "" {
		srv = &http.Server{
			Addr:              conf.Admin.Addr,
			Handler:           admin.NewRouter(&admin.App{Worker: worker, Client: searchsync.NewClient(store)}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("admin api listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("admin api: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Infof("signal received; stopping worker...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnf("admin api shutdown: %v", err)
		}
	}
	return nil
}
