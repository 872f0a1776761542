// Command syncctl is an interactive operator console for a searchsync
// deployment. Commands run against the database directly, so it works while
// workers are down.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/UniQw/searchsync"
	"github.com/UniQw/searchsync/internal/config"
	"github.com/UniQw/searchsync/internal/console"
	"github.com/UniQw/searchsync/internal/pgstore"
	"github.com/UniQw/searchsync/internal/redisbus"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	history := flag.String("history", ".syncctl_history", "readline history file")
	flag.Parse()

	_ = godotenv.Load()
	conf, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
	if err := run(conf, *history, strings.Join(flag.Args(), " ")); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

// run executes line when given, otherwise opens the interactive console.
func run(conf *config.Config, history, line string) error {
	ctx := context.Background()
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(conf.LogLevel)
	log := searchsync.NewZerologLogger(zl)

	db, err := pgstore.Open(ctx, conf.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	store := pgstore.New(db)

	// Never started: the console drives it through the Force* operations.
	worker := searchsync.NewWorker(store, searchsync.WorkerConfig{
		ID:              "syncctl-" + conf.Worker.ID,
		BatchSize:       conf.Worker.BatchSize,
		StuckTimeout:    conf.Worker.StuckTimeout,
		DeadGrace:       conf.Worker.DeadGrace,
		PollInterval:    -1,
		HealthInterval:  -1,
		CleanupInterval: -1,
		StatsInterval:   -1,
		Logger:          log,
	})

	env := console.Env{
		Worker:  worker,
		Client:  searchsync.NewClient(store),
		Wake:    store.Notify,
		Migrate: func(ctx context.Context) error { return pgstore.Migrate(ctx, db) },
	}
	if conf.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr, Password: conf.Redis.Password, DB: conf.Redis.DB})
		defer rdb.Close()
		bus := redisbus.New(rdb, conf.Redis.Name, redisbus.WithLogger(log))
		env.Wake = func(ctx context.Context, payload string) error {
			if err := store.Notify(ctx, payload); err != nil {
				return err
			}
			_, err := bus.Publish(ctx, payload)
			return err
		}
	}

	c := console.New(env, os.Stdout)
	if line != "" {
		if err := c.Exec(ctx, line); err != io.EOF {
			return err
		}
		return nil
	}
	if err := c.Open(history); err != nil {
		return err
	}
	defer c.Close()
	return c.Run(ctx)
}
