// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// contextsyncd serves the change synchronization engine over
// websockets, with prometheus metrics alongside.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/contextsync/contextsync/core/record"
	"github.com/contextsync/contextsync/internal/store/memstore"
	"github.com/contextsync/contextsync/internal/store/sqlitestore"
	"github.com/contextsync/contextsync/internal/wstransport"
	"github.com/contextsync/contextsync/sync"
)

var logger = loggo.GetLogger("contextsync.cmd")

type settings struct {
	ListenAddr    string `yaml:"listen-addr"`
	StorePath     string `yaml:"store-path"`
	LoggingConfig string `yaml:"logging-config"`

	ConcurrencyWindow        time.Duration `yaml:"concurrency-window"`
	MaxRetryAttempts         int           `yaml:"max-retry-attempts"`
	BaseRetryDelay           time.Duration `yaml:"base-retry-delay"`
	MaxRetryDelay            time.Duration `yaml:"max-retry-delay"`
	QueueCapacity            int           `yaml:"queue-capacity"`
	CollisionFraction        float64       `yaml:"collision-fraction"`
	HistoryDepth             int           `yaml:"history-depth"`
	HistoryMaxAge            time.Duration `yaml:"history-max-age"`
	DegradedPendingThreshold int           `yaml:"degraded-pending-threshold"`
	RedeliveryInterval       time.Duration `yaml:"redelivery-interval"`
}

func defaultSettings() settings {
	return settings{
		ListenAddr:    ":17070",
		LoggingConfig: "<root>=INFO",
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "contextsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg := defaultSettings()

	var configPath string
	flags := gnuflag.NewFlagSet("contextsyncd", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to serve websocket and metrics endpoints on")
	flags.StringVar(&cfg.StorePath, "store", cfg.StorePath, "sqlite database path (in-memory store when empty)")
	flags.StringVar(&cfg.LoggingConfig, "logging-config", cfg.LoggingConfig, "loggo configuration string")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return errors.Annotate(err, "reading configuration")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return errors.Annotate(err, "parsing configuration")
		}
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	store, closeStore, err := openStore(cfg.StorePath)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeStore()

	metrics := sync.NewMetrics()
	if err := prometheus.Register(metrics); err != nil {
		return errors.Annotate(err, "registering metrics")
	}

	transport := &lazyTransport{}
	engine, err := sync.NewEngine(sync.Config{
		Store:                    store,
		Clock:                    clock.WallClock,
		Transport:                transport,
		Metrics:                  metrics,
		ConcurrencyWindow:        cfg.ConcurrencyWindow,
		MaxRetryAttempts:         cfg.MaxRetryAttempts,
		BaseRetryDelay:           cfg.BaseRetryDelay,
		MaxRetryDelay:            cfg.MaxRetryDelay,
		QueueCapacity:            cfg.QueueCapacity,
		CollisionFraction:        cfg.CollisionFraction,
		HistoryDepth:             cfg.HistoryDepth,
		HistoryMaxAge:            cfg.HistoryMaxAge,
		DegradedPendingThreshold: cfg.DegradedPendingThreshold,
		RedeliveryInterval:       cfg.RedeliveryInterval,
	})
	if err != nil {
		return errors.Annotate(err, "starting sync engine")
	}
	defer func() {
		engine.Kill()
		_ = engine.Wait()
	}()

	server := wstransport.NewServer(engine)
	transport.set(server)

	mux := http.NewServeMux()
	mux.Handle("/sync", server)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Infof("caught %v, shutting down", sig)
		_ = httpServer.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Trace(err)
	}
}

// openStore returns the configured record store. The sqlite open is
// retried briefly, which papers over a database still locked by a
// terminating predecessor.
func openStore(path string) (record.Store, func(), error) {
	if path == "" {
		logger.Infof("using in-memory record store")
		return memstore.New(clock.WallClock), func() {}, nil
	}
	var store *sqlitestore.Store
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			store, err = sqlitestore.Open(path, clock.WallClock)
			return err
		},
		Attempts: 5,
		Delay:    200 * time.Millisecond,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, nil, errors.Annotatef(err, "opening record store %q", path)
	}
	logger.Infof("using sqlite record store at %s", path)
	return store, func() { _ = store.Close() }, nil
}
