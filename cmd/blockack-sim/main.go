// Blockack-sim drives a block-ack reorder engine with a synthetic frame
// workload described by a JSON configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/database64128/blockack-go/jsonhelper"
	"github.com/database64128/blockack-go/sim"
	"github.com/database64128/blockack-go/tslog"
)

var (
	testConf   bool
	confPath   string
	logNoColor bool
	logNoTime  bool
	logLevel   slog.Level
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file without starting the workload")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.BoolVar(&logNoColor, "logNoColor", false, "Disable colors in log output")
	flag.BoolVar(&logNoTime, "logNoTime", false, "Disable timestamps in log output")
	flag.TextVar(&logLevel, "logLevel", slog.LevelInfo, "Log level.\nAvailable levels: DEBUG, INFO, WARN, ERROR")
}

func main() {
	flag.Parse()

	if confPath == "" {
		fmt.Println("Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	logCfg := tslog.Config{
		Level:   logLevel,
		NoColor: logNoColor,
		NoTime:  logNoTime,
	}
	logger := logCfg.NewLogger(os.Stderr)

	var sc sim.Config
	if err := jsonhelper.OpenAndDecodeDisallowUnknownFields(confPath, &sc); err != nil {
		logger.Error("Failed to load config",
			slog.String("confPath", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	m, err := sc.Manager(logger)
	if err != nil {
		logger.Error("Failed to create sim manager",
			slog.String("confPath", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	if testConf {
		logger.Info("Config test OK", slog.String("confPath", confPath))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", slog.Any("signal", sig))
		cancel()
	}()

	if err = m.Start(ctx); err != nil {
		logger.Error("Failed to start services",
			slog.String("confPath", confPath),
			tslog.Err(err),
		)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-m.Done():
	}
	m.Stop()

	if violations := m.OrderViolations(); violations > 0 {
		logger.Error("Workload observed out-of-order deliveries", tslog.Uint("violations", violations))
		os.Exit(1)
	}
}
