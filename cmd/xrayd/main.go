// ABOUTME: CLI entrypoint for the xray trace API daemon.
// ABOUTME: Wires config, SQLite store, and HTTP server with graceful shutdown on signals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389-research/xray/server"
	"github.com/2389-research/xray/store"
)

var version = "dev"

// config holds CLI configuration parsed from flags, layered over the YAML file.
type config struct {
	configPath  string
	addr        string
	dbPath      string
	showVersion bool
}

func main() {
	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("xrayd %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("xrayd", flag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", "xray.yaml", "Path to YAML config file")
	fs.StringVar(&cfg.addr, "addr", "", "Listen address (overrides config)")
	fs.StringVar(&cfg.dbPath, "db", "", "SQLite database path (overrides config)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

// run starts the daemon and blocks until shutdown.
// Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	srvCfg, err := server.LoadConfig(cfg.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if cfg.addr != "" {
		srvCfg.Addr = cfg.addr
	}
	if cfg.dbPath != "" {
		srvCfg.DBPath = cfg.dbPath
	}

	st, err := store.Open(srvCfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	httpServer := &http.Server{
		Addr:    srvCfg.Addr,
		Handler: server.NewServer(st),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("component=xrayd action=listening addr=%s db=%s", srvCfg.Addr, srvCfg.DBPath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("component=xrayd action=shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error: shutdown: %v\n", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
}
