// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/astarte-platform/astarte-stream-test/astarte"
	"github.com/astarte-platform/astarte-stream-test/internal/config"
	"github.com/astarte-platform/astarte-stream-test/streamer"
	"github.com/astarte-platform/astarte-stream-test/waveform"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "astarte-stream-test: %v\n", err)
		os.Exit(2)
	}

	level := must(cfg.Level())
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	check(run(ctx, cfg, logger))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	device := astarte.NewDevice(
		astarte.ConfigPath(wd, cfg.Device),
		astarte.InterfacesDir(wd),
		cfg.Device,
		astarte.WithLogger(logger),
	)
	defer func() {
		if err := device.Close(); err != nil {
			logger.Warn("device close failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := streamer.NewMetrics(reg)
	if err != nil {
		return err
	}

	opts := []streamer.PublisherOption{
		streamer.WithLogger(logger),
		streamer.WithMetrics(metrics),
	}
	if cfg.Seed != 0 {
		opts = append(opts, streamer.WithRand(
			rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
		))
	}

	publisher, err := streamer.New(device, streamer.Config{
		Interface: cfg.Interface,
		Path:      cfg.Path,
		Function:  cfg.Function,
		Interval:  cfg.Interval,
		Scale:     cfg.Scale,
	}, opts...)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(
				context.Background(),
				5*time.Second,
			)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	logger.Info("starting",
		"device", cfg.Device,
		"interface", cfg.Interface,
		"path", cfg.Path,
		"function", publisher.Kind().String(),
		"interval", publisher.Snapshot().Interval,
		"scale", cfg.Scale,
	)

	start := time.Now()
	if err := publisher.Run(ctx); err != nil {
		return err
	}

	snap := publisher.Snapshot()
	logger.Info("stopped",
		"state", snap.State.String(),
		"uptime", time.Since(start).Round(time.Second),
		"published", humanize.Comma(int64(snap.Published)),
		"rejected", humanize.Comma(int64(snap.Rejected)),
		"received", humanize.Comma(int64(snap.Received)),
	)
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// Resolve the configuration from the optional file and the flags. Flags that
// are set explicitly take precedence over the file.
func parseConfig(args []string) (*config.Config, error) {
	def := config.Default()

	fs := flag.NewFlagSet("astarte-stream-test", flag.ContinueOnError)
	var (
		path        = fs.String("config", "", "optional YAML configuration file")
		iface       = fs.String("interface", def.Interface, "interface to publish on")
		mapping     = fs.String("path", def.Path, "mapping path to publish on")
		function    = fs.String("function", def.Function, "waveform: "+kindNames())
		device      = fs.String("device", def.Device, "device ID")
		interval    = fs.Int("interval", def.Interval, "milliseconds between samples; negative for random intervals")
		scale       = fs.Float64("scale", def.Scale, "phase advance per millisecond, in cycles")
		seed        = fs.Uint64("seed", def.Seed, "random seed; 0 seeds from the clock")
		logLevel    = fs.String("log-level", def.LogLevel, "debug, info, warn or error")
		metricsAddr = fs.String("metrics-addr", def.MetricsAddr, "address serving /metrics; empty disables it")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &def
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interface":
			cfg.Interface = *iface
		case "path":
			cfg.Path = *mapping
		case "function":
			cfg.Function = *function
		case "device":
			cfg.Device = *device
		case "interval":
			cfg.Interval = *interval
		case "scale":
			cfg.Scale = *scale
		case "seed":
			cfg.Seed = *seed
		case "log-level":
			cfg.LogLevel = *logLevel
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func kindNames() string {
	kinds := waveform.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.String())
	}
	return strings.Join(names, ", ")
}

func check(e error) {
	if e != nil {
		panic(e)
	}
}

func must[T any](t T, e error) T {
	check(e)
	return t
}
