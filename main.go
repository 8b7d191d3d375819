package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/promstow/promstow/config"
	"github.com/promstow/promstow/pipeline"
	"github.com/promstow/promstow/scrape"
	"github.com/promstow/promstow/service"
	"github.com/promstow/promstow/table"
	"github.com/promstow/promstow/utils/printer"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	nmConfigFilePath = "config.file"
	nmTarget         = "target"
	nmOutput         = "output"
	nmStatusAddr     = "status.address"
)

// flags
var (
	cfgFilePath = flag.String(nmConfigFilePath, "", "YAML config file path for promstow")
	target      = flag.String(nmTarget, "", "exposition endpoint URL, or '-' to read one payload from stdin")
	output      = flag.String(nmOutput, "", "SQLite database file to store metrics into")
	statusAddr  = flag.String(nmStatusAddr, "", "TCP address to listen on for status http requests")
)

// global variables
var db *sql.DB

func initLogger(cfg *config.Config) {
	logger, props, err := log.InitLogger(&log.Config{
		Level: cfg.Log.Level,
		File:  log.FileLogConfig{Filename: cfg.Log.File},
	})
	if err != nil {
		log.Fatal("failed to init logger", zap.Error(err))
	}
	log.ReplaceGlobals(logger, props)
}

func initDatabase(path string) {
	d, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path))
	if err != nil {
		log.Fatal("failed to open db", zap.String("path", path), zap.Error(err))
	}
	// Single-writer model: the storage writer owns the only connection.
	d.SetMaxOpenConns(1)

	if err = d.Ping(); err != nil {
		log.Fatal("failed to reach db", zap.String("path", path), zap.Error(err))
	}
	if err = table.Bootstrap(d); err != nil {
		log.Fatal("failed to initialize schema", zap.Error(err))
	}
	db = d
}

func closeDatabase() {
	if db != nil {
		if err := db.Close(); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
		db = nil
	}
}

func newSource(cfg *config.Config) scrape.Source {
	if cfg.Target == config.StdinTarget {
		return scrape.NewOneShot(os.Stdin, cfg.Labels)
	}
	return scrape.NewPeriodic(cfg.Target, cfg.ScrapeInterval.Std(), cfg.ScrapeTimeout.Std(), cfg.Labels)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*cfgFilePath)
	if err != nil {
		log.Fatal("failed to load config file", zap.String(nmConfigFilePath, *cfgFilePath), zap.Error(err))
	}
	if len(*target) != 0 {
		cfg.Target = *target
	}
	if len(*output) != 0 {
		cfg.Output = *output
	}
	if len(*statusAddr) != 0 {
		cfg.StatusAddress = *statusAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	initLogger(cfg)
	printer.PrintPromstowInfo()
	log.Info("configured", zap.String("target", cfg.Target), zap.String("output", cfg.Output))

	initDatabase(cfg.Output)
	defer closeDatabase()

	pl := pipeline.New(newSource(cfg), cfg.BufferCapacity, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- pl.Run(ctx)
	}()

	if len(cfg.StatusAddress) != 0 {
		service.Init(cfg.StatusAddress, pl)
		defer service.Stop()
	}

	if err := waitForShutdown(cancel, done); err != nil {
		log.Error("pipeline failed", zap.Error(err))
	}
}

// waitForShutdown blocks until the pipeline completes on its own (the
// one-shot source) or a termination signal arrives, in which case the
// scrape schedule is stopped and buffered scrapes drain before return.
func waitForShutdown(cancel context.CancelFunc, done <-chan error) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-ch:
			if sig == syscall.SIGHUP {
				// Prevent the program from stopping on SIGHUP
				continue
			}
			log.Info("received signal", zap.String("sig", sig.String()))
			cancel()
			return <-done
		case err := <-done:
			return err
		}
	}
}
