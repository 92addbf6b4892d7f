// chaindata ingests wallet addresses from chain blocks into Postgres.
// A scheduled batch job walks the chain from a persisted high-water
// mark; an HTTP surface exposes control, status and metrics.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/kayufok/chain-data/addrcache"
	"github.com/kayufok/chain-data/api"
	"github.com/kayufok/chain-data/batch"
	"github.com/kayufok/chain-data/fetch"
	"github.com/kayufok/chain-data/limiter"
	"github.com/kayufok/chain-data/pgstore"
)

func main() {
	app := &cli.App{
		Name:   "chaindata",
		Usage:  "chain address ingestion service",
		Flags:  appFlags,
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "dumpconfig",
				Usage:  "Print the effective configuration as TOML",
				Flags:  appFlags,
				Action: dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))
	metrics.Enabled = true

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Batch = cfg.Batch.Sanitize()
	cfg.Cache = cfg.Cache.Sanitize()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := pgstore.Connect(rootCtx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.InitSchema(rootCtx); err != nil {
		return err
	}
	if err := store.EnsureChain(rootCtx, cfg.Batch.ChainID, cfg.Batch.ChainName, cfg.Batch.StartBlock); err != nil {
		return err
	}

	client, err := fetch.Dial(rootCtx, cfg.RPC.Endpoint, cfg.RPC.Timeout)
	if err != nil {
		return fmt.Errorf("dial rpc endpoint %s: %w", cfg.RPC.Endpoint, err)
	}
	defer client.Close()

	cache := addrcache.New(cfg.Cache)
	lim := limiter.New(cfg.Batch.RateLimitPerMinute)
	processor := batch.NewProcessor(cfg.Batch, client, store, cache, lim)

	scheduler := batch.NewScheduler(cfg.Batch, processor)
	scheduler.Start(rootCtx)
	defer scheduler.Stop()

	server := api.NewServer(cfg.HTTP, processor, cache, client)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	stopServices(processor, scheduler, server)
	cancel()
	return nil
}

// stopServices winds the pipeline down in dependency order: the stop
// flag first so an in-flight batch exits at its next phase boundary,
// then the scheduler, which waits for that batch, then the listener.
func stopServices(processor interface{ RequestStop() }, scheduler interface{ Stop() }, server interface{ Stop() error }) {
	processor.RequestStop()
	scheduler.Stop()
	if err := server.Stop(); err != nil {
		log.Error("HTTP shutdown failed", "err", err)
	}
}

// setupLogging installs the root handler with color when stderr is a
// terminal.
func setupLogging(verbosity int) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	output := io.Writer(os.Stderr)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	handler := log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(output, log.TerminalFormat(usecolor)))
	log.Root().SetHandler(handler)
}
