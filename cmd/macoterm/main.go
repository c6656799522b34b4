// MACO terminal - machine access control for open workshops.
//
// macoterm runs next to one machine tool: it owns the NFC reader, talks
// to the authority, and gates the machine's relay. See cmd/macoauthd for
// the service side.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/offene-werkstatt/maco-core/internal/cloud"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/config"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/database"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/logging"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/mqtt"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/telemetry"
	"github.com/offene-werkstatt/maco-core/internal/machine"
	"github.com/offene-werkstatt/maco-core/internal/nfc"
	"github.com/offene-werkstatt/maco-core/internal/session"
	"github.com/offene-werkstatt/maco-core/internal/watchdog"
	"github.com/offene-werkstatt/maco-core/migrations"
)

// Version information - set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// devUID is the simulated tag presented by the built-in transport until
// a hardware driver is wired in.
const devUID = "04c339aa1e1890"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the composition root, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting maco terminal", "version", version, "commit", commit)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "machine_id", cfg.Terminal.MachineID)

	// Database, with the terminal schema.
	migrations.UseTerminal()
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if err := db.Close(); err != nil {
			log.Error("database close failed", "error", err)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	// Optional telemetry.
	metrics, err := telemetry.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, telemetry.ErrDisabled):
		log.Info("telemetry disabled")
	case err != nil:
		log.Warn("telemetry unavailable, continuing without", "error", err)
	default:
		defer metrics.Close()
		metrics.SetOnError(func(err error) {
			log.Warn("telemetry write failed", "error", err)
		})
	}

	// Push channel. The terminal keeps working without it because the
	// authorized start-session response carries the full session; only
	// sessions issued at other terminals and force-closes are lost.
	push, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		log.Warn("mqtt unavailable, running without push channel", "error", err)
		push = nil
	} else {
		push.SetLogger(log)
		defer push.Close()
	}

	// Authority client.
	client := cloud.NewClient(cfg.Authority.URL, cfg.GetRequestTimeout())
	client.SetLogger(log)

	// Machine FSM with its usage history.
	relay := &machine.SimulatedRelay{}
	store := machine.NewSQLiteStore(db, cfg.Terminal.MachineID)
	mach := machine.New(
		cfg.Terminal.MachineID,
		cfg.Terminal.RequiredPermissions,
		relay,
		store,
		cfg.GetDeniedDwell(),
		machine.WithUploader(client),
		machine.WithMetrics(metrics),
		machine.WithLogger(log),
		machine.WithMaxUsage(cfg.GetSessionTimeout()),
	)
	if err := mach.Restore(ctx); err != nil {
		return fmt.Errorf("restoring machine state: %w", err)
	}

	// Session registry, force-closes flow into the machine FSM.
	registry := session.NewRegistry()
	registry.SetLogger(log)
	registry.SetCloseHandler(func(s *session.TokenSession) {
		mach.ForceClose(ctx, s.SessionID)
	})

	// Reader on the tag transport.
	terminalKey, err := cfg.TerminalKeyBytes()
	if err != nil {
		return fmt.Errorf("terminal key: %w", err)
	}
	transport, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("building tag transport: %w", err)
	}
	reader := nfc.NewReader(transport, terminalKey, cfg.GetReaderTickInterval())
	reader.SetLogger(log)

	// Watchdog over the two critical loops.
	wd := watchdog.New(
		watchdog.WithLogger(log),
		watchdog.WithBootTimeout(cfg.GetWatchdogBootTimeout()),
		watchdog.WithReportInterval(cfg.GetWatchdogReportInterval()),
	)
	wd.Register("reader")
	wd.Register("app")
	go wd.Run(ctx)

	app := newTerminalApp(cfg, log, reader, registry, mach, client, metrics, wd)
	if push != nil {
		if err := app.subscribePush(push, byte(cfg.MQTT.QoS)); err != nil {
			log.Warn("push subscription failed", "error", err)
		}
	}

	go reader.Run(ctx, func() { wd.Ping("reader") })

	// Startup complete; tighten the liveness window.
	wd.SetTimeout(cfg.GetWatchdogNormalTimeout())
	log.Info("terminal ready", "machine_id", cfg.Terminal.MachineID)

	app.run(ctx)

	log.Info("shutting down")
	return nil
}

// buildTransport selects the tag transport. Hardware drivers implement
// nfc.TagTransport; until one is wired in, the simulated transport
// carries development and integration testing.
func buildTransport(cfg *config.Config) (nfc.TagTransport, error) {
	masterKey, err := cfg.MasterSecretBytes()
	if err != nil {
		return nil, fmt.Errorf("simulated transport needs the master secret: %w", err)
	}
	uid, err := nfc.ParseUID(devUID)
	if err != nil {
		return nil, err
	}
	return nfc.NewSimulatedTransport(uid, masterKey, cfg.Authority.SystemName)
}

// getConfigPath returns the config file path from args or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return defaultConfigPath
}
