package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kdhira/llmproxy/internal/capture"
	"github.com/kdhira/llmproxy/internal/classifier"
	"github.com/kdhira/llmproxy/internal/config"
	"github.com/kdhira/llmproxy/internal/logging"
	"github.com/kdhira/llmproxy/internal/procwatch"
	"github.com/kdhira/llmproxy/internal/proxy"
	"github.com/kdhira/llmproxy/internal/sink"
)

func main() {
	var (
		configPath   string
		validateOnly bool
	)
	flag.StringVar(&configPath, "config", "", "path to YAML/JSON configuration file")
	flag.BoolVar(&validateOnly, "validate-config", false, "loads configuration and exits after validation")
	cfg := config.MustParseFlags(flag.CommandLine, os.Args[1:])
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	cfg = cfg.ApplyEnvToggles()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if validateOnly {
		fmt.Println("configuration validated successfully")
		return
	}

	logger := logging.New(cfg.Debug)
	defer logger.Sync()

	evtSink, err := sink.NewFileSink(cfg.EventLogFile)
	if err != nil {
		logger.Fatalw("failed to open event sink", "error", err)
	}
	defer func() {
		if cerr := evtSink.Close(); cerr != nil {
			logger.Warnw("failed to close event sink", "error", cerr)
		}
	}()

	srv, err := proxy.NewServer(cfg, logger, evtSink)
	if err != nil {
		logger.Fatalw("failed to configure proxy server", "error", err)
	}

	var pcapture *capture.PacketCapture
	if cfg.CaptureIface != "" {
		rules := classifier.Load(cfg.RuleFile)
		watcher := procwatch.New(nil, cfg.ProcessLookupWaitMS)
		pcapture = capture.New(logger, evtSink, rules, watcher)
		if err := pcapture.Start(cfg.CaptureIface); err != nil {
			logger.Warnw("packet capture disabled", "iface", cfg.CaptureIface, "error", err)
			pcapture = nil
		} else {
			logger.Infow("packet capture started", "iface", cfg.CaptureIface)
			defer pcapture.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Infow("starting proxy", "addr", cfg.Addr, "force_mitm", cfg.ForceMITM, "disable_h2", cfg.DisableH2)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("graceful shutdown failed", "error", err)
		}
	case err := <-serverErr:
		if err != nil {
			logger.Fatalw("proxy server terminated", "error", err)
		}
		return
	}

	if err := <-serverErr; err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "proxy server exited with error: %v\n", err)
	}
}
