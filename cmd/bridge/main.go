// Command bridge is the nanonis-bridge process entrypoint: it loads
// configuration, opens one Transport session to the controller, builds the
// guarded Instrument and trajectory Store on top of it, and drives the
// Monitor sample loop until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/BB-84C/nanonis-bridge/common/id"
	"github.com/BB-84C/nanonis-bridge/common/logger"
	"github.com/BB-84C/nanonis-bridge/common/otel"
	"github.com/BB-84C/nanonis-bridge/core/config"
	"github.com/BB-84C/nanonis-bridge/internal/catalogue"
	"github.com/BB-84C/nanonis-bridge/internal/instrument"
	"github.com/BB-84C/nanonis-bridge/internal/monitor"
	"github.com/BB-84C/nanonis-bridge/internal/policy"
	"github.com/BB-84C/nanonis-bridge/internal/store"
	"github.com/BB-84C/nanonis-bridge/internal/transport"
	"github.com/joho/godotenv"
)

func main() {
	ctx := context.Background()

	// .env is optional; config.Load falls back to process env and defaults
	// when it is absent.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)
	slog.InfoContext(ctx, "nanonis bridge starting", "env", cfg.Env, "host", cfg.Controller.Host)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up otel", "error", err)
		os.Exit(1)
	}

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	if cfg.Monitor.RunName == "" {
		slog.ErrorContext(ctx, "BRIDGE_RUN_NAME must be set; run_name must be non-empty before starting a monitor run")
		os.Exit(1)
	}

	catalogueBytes, err := os.ReadFile(cfg.Controller.CatalogueFile)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read catalogue file", "error", err, "path", cfg.Controller.CatalogueFile)
		os.Exit(1)
	}
	cat, err := catalogue.Load(catalogueBytes)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load catalogue", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "catalogue loaded",
		"parameters", len(cat.ParameterNames()),
		"actions", len(cat.ActionNames()))

	tr, err := transport.New(transport.Config{
		Host:       cfg.Controller.Host,
		Ports:      cfg.Controller.Ports,
		Timeout:    cfg.Controller.DialTimeout(),
		RetryCount: cfg.Controller.RetryCount,
	}, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct transport", "error", err)
		os.Exit(1)
	}
	if err := tr.Connect(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to connect to controller", "error", err, "endpoint", tr.Endpoint())
		os.Exit(1)
	}
	slog.InfoContext(ctx, "controller connected", "endpoint", tr.Endpoint())

	pol := policy.New(true, cfg.IsDevelopment(), channelLimitsFromCatalogue(cat))

	events := make(chan instrument.InstrumentEvent, 64)
	inst := instrument.New(cat, tr, pol, events)
	go logInstrumentEvents(ctx, events)

	st, err := store.Open(cfg.Store.Directory, cfg.Store.Name)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open trajectory store", "error", err)
		os.Exit(1)
	}
	if err := st.InitializeSchema(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to initialize trajectory schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "trajectory store ready", "directory", cfg.Store.Directory, "name", cfg.Store.Name)

	mon, err := monitor.New(monitor.Config{
		RunName:       cfg.Monitor.RunName,
		Interval:      durationFromSeconds(cfg.Monitor.IntervalS),
		RotateEntries: cfg.Monitor.RotateEntries,
		ActionWindow:  durationFromSeconds(cfg.Monitor.ActionWindowS),
		SignalLabels:  cfg.Monitor.SignalLabels,
		SpecLabels:    cfg.Monitor.SpecLabels,
	}, inst, st, nil, nil)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct monitor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- mon.Run(ctx) }()

	slog.InfoContext(ctx, "monitor running", "run_name", cfg.Monitor.RunName)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.InfoContext(ctx, "shutdown signal received, initiating graceful shutdown...")
		mon.Stop()
		<-monitorDone
	case err := <-monitorDone:
		if err != nil {
			slog.ErrorContext(ctx, "monitor exited with error", "error", err)
		}
	}

	cancel()

	slog.InfoContext(ctx, "closing transport")
	if err := tr.Close(); err != nil {
		slog.ErrorContext(ctx, "transport close error", "error", err)
	}

	slog.InfoContext(ctx, "closing trajectory store")
	if err := st.Close(); err != nil {
		slog.ErrorContext(ctx, "store close error", "error", err)
	}

	if telemetry != nil {
		slog.InfoContext(ctx, "shutting down otel")
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutdown complete")
}

// channelLimitsFromCatalogue derives the Policy's channel limits from every
// writable parameter's SafetySpec. An absent Min/Max/MaxStep imposes no
// bound on that axis.
func channelLimitsFromCatalogue(cat catalogue.Catalogue) map[string]policy.ChannelLimit {
	limits := make(map[string]policy.ChannelLimit)
	for _, name := range cat.ParameterNames() {
		spec, _ := cat.Parameter(name)
		if !spec.Writable() || spec.Safety == nil {
			continue
		}
		safety := spec.Safety

		limit := policy.ChannelLimit{
			Min:         floatOrDefault(safety.Min, math.Inf(-1)),
			Max:         floatOrDefault(safety.Max, math.Inf(1)),
			MaxStep:     floatOrDefault(safety.MaxStep, math.Inf(1)),
			MaxSlewPerS: safety.MaxSlewPerS,
			CooldownS:   safety.CooldownS,
		}
		if safety.RampEnabled && safety.RampIntervalS != nil {
			limit.RampIntervalS = durationFromSeconds(*safety.RampIntervalS)
		}
		limits[name] = limit
	}
	return limits
}

func floatOrDefault(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// logInstrumentEvents drains the Instrument's event sink so production
// writes, reads, and state transitions surface in the process log even
// though nothing else in cmd/bridge consumes them directly.
func logInstrumentEvents(ctx context.Context, events <-chan instrument.InstrumentEvent) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "bridge.instrument.events"})
	for ev := range events {
		slog.DebugContext(ctx, fmt.Sprintf("instrument event: %s", ev.Kind), "payload", ev.Payload)
	}
}
