// Command terminal launches the trading engine runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepterminal/deepterminal/config"
	"github.com/deepterminal/deepterminal/internal/engine"
	"github.com/deepterminal/deepterminal/internal/telemetry"
)

const (
	defaultConfigPath        = "config/terminal.yaml"
	terminalLoggerPrefix     = "terminal "
	startupTimeout           = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newTerminalLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: instruments=%d, strategies=%d",
		len(cfg.Engine.Instruments), len(cfg.Strategies))

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	metrics := telemetry.NewEngineMetrics()

	eng, err := engine.New(cfg, metrics, logger)
	if err != nil {
		logger.Fatalf("build engine: %v", err)
	}
	logger.Printf("strategies registered: %d", len(eng.StrategyIDs()))

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	err = eng.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Fatalf("start engine: %v", err)
	}
	logger.Printf("feed connected: url=%s", cfg.Feed.URL)

	go logFeedStatus(ctx, logger, eng)

	logger.Print("terminal started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	eng.Close()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to terminal configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newTerminalLogger() *log.Logger {
	return log.New(os.Stdout, terminalLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func logFeedStatus(ctx context.Context, logger *log.Logger, eng *engine.Engine) {
	status := eng.FeedStatus()
	if status == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-status:
			if !ok {
				return
			}
			if st.Connected {
				logger.Printf("feed session established: epoch=%d", st.Epoch)
			} else {
				logger.Printf("feed session lost: epoch=%d", st.Epoch)
			}
		}
	}
}
