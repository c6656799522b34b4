// MACO authority - the service side of machine access control.
//
// macoauthd owns the token database and the master secret: it verifies
// three-pass tag authentications, issues sessions, and pushes them to
// terminals over MQTT. See cmd/macoterm for the terminal side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/offene-werkstatt/maco-core/internal/authority"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/config"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/database"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/logging"
	"github.com/offene-werkstatt/maco-core/internal/infrastructure/mqtt"
	"github.com/offene-werkstatt/maco-core/migrations"
)

// Version information - set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

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
	log.Info("starting maco authority", "version", version, "commit", commit)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "listen", cfg.Authority.Listen)

	// Database, with the authority schema.
	migrations.UseAuthority()
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

	// Session push channel. The authority still serves requests without
	// it, but terminals then learn of sessions only via their own
	// start-session responses.
	var publisher authority.Publisher
	push, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		log.Warn("mqtt unavailable, running without session push", "error", err)
	} else {
		push.SetLogger(log)
		defer push.Close()
		publisher = push
	}

	masterSecret, err := cfg.MasterSecretBytes()
	if err != nil {
		return fmt.Errorf("master secret: %w", err)
	}
	if cfg.Authority.JWTSecret == "" {
		return fmt.Errorf("authority.jwt_secret is required")
	}

	store := authority.NewStore(db)
	svc, err := authority.NewService(authority.Config{
		MasterSecret:  masterSecret,
		SystemName:    cfg.Authority.SystemName,
		JWTSecret:     []byte(cfg.Authority.JWTSecret),
		SessionTTL:    time.Duration(cfg.Authority.SessionTTL) * time.Minute,
		RecentAuthTTL: time.Duration(cfg.Authority.RecentAuthTTL) * time.Minute,
		AuthRecordTTL: time.Duration(cfg.Authority.AuthRecordTTL) * time.Second,
		PushQoS:       byte(cfg.MQTT.QoS),
	}, store, publisher)
	if err != nil {
		return fmt.Errorf("creating authority service: %w", err)
	}
	svc.SetLogger(log)

	srv, err := authority.NewServer(cfg.Authority.Listen, svc, log, version)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Start()
	log.Info("authority ready", "listen", cfg.Authority.Listen)

	<-ctx.Done()

	log.Info("shutting down")
	if err := srv.Close(); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	return nil
}

// getConfigPath returns the config file path from args or the default.
func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return defaultConfigPath
}
