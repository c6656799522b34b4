package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the MACO terminal
// and the authority service. All configuration is loaded from YAML and can
// be overridden by environment variables.
type Config struct {
	Terminal  TerminalConfig  `yaml:"terminal"`
	Authority AuthorityConfig `yaml:"authority"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
}

// TerminalConfig contains settings for a machine-access terminal.
type TerminalConfig struct {
	// MachineID identifies the machine tool this terminal gates.
	MachineID string `yaml:"machine_id"`

	// RequiredPermissions is the permission set a session must carry to
	// check in at this machine.
	RequiredPermissions []string `yaml:"required_permissions"`

	// TerminalKey is the hex-encoded 16-byte AES key used for the local
	// (hardware trust) tag authentication. Set via MACO_TERMINAL_KEY.
	TerminalKey string `yaml:"terminal_key"`

	// ReaderTickInterval is the pause between reader loop ticks while a
	// tag is present (milliseconds).
	ReaderTickInterval int `yaml:"reader_tick_interval"`

	// DeniedDwell is how long the machine stays in the denied state
	// before returning to idle (seconds).
	DeniedDwell int `yaml:"denied_dwell"`

	// SessionTimeout is the maximum duration of an active machine usage
	// before an automatic checkout (minutes, 0 disables).
	SessionTimeout int `yaml:"session_timeout"`
}

// AuthorityConfig contains settings for the authority service and for the
// terminal's client connection to it.
type AuthorityConfig struct {
	// URL is the base URL terminals use to reach the authority.
	URL string `yaml:"url"`

	// Listen is the authority server bind address (authority only).
	Listen string `yaml:"listen"`

	// MasterSecret is the hex-encoded 16-byte key-diversification master
	// secret (authority only). Set via MACO_AUTHORITY_MASTER_SECRET.
	MasterSecret string `yaml:"master_secret"`

	// SystemName is the diversification system identifier shared by every
	// terminal and the authority.
	SystemName string `yaml:"system_name"`

	// JWTSecret signs recent-authentication tokens (authority only).
	JWTSecret string `yaml:"jwt_secret"`

	// RecentAuthTTL is the lifetime of a recent-authentication token
	// (minutes).
	RecentAuthTTL int `yaml:"recent_auth_ttl"`

	// SessionTTL is the lifetime of an issued token session (minutes).
	SessionTTL int `yaml:"session_ttl"`

	// AuthRecordTTL is how long an in-progress authentication record is
	// kept before it expires (seconds).
	AuthRecordTTL int `yaml:"auth_record_ttl"`

	// RequestTimeout bounds a single terminal request to the authority
	// (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the session push
// channel.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains usage/fault telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WatchdogConfig contains thread-liveness watchdog settings.
type WatchdogConfig struct {
	// BootTimeout is the generous per-loop ping timeout during startup
	// (seconds).
	BootTimeout int `yaml:"boot_timeout"`

	// NormalTimeout is the ping timeout after boot completes (seconds).
	NormalTimeout int `yaml:"normal_timeout"`

	// ReportInterval is how often ping-frequency statistics are logged
	// (seconds).
	ReportInterval int `yaml:"report_interval"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MACO_SECTION_KEY
// For example: MACO_DATABASE_PATH, MACO_AUTHORITY_MASTER_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Terminal: TerminalConfig{
			ReaderTickInterval: 100,
			DeniedDwell:        5,
			SessionTimeout:     0,
		},
		Authority: AuthorityConfig{
			URL:            "http://localhost:8443",
			Listen:         "0.0.0.0:8443",
			SystemName:     "OwwMachineAuth",
			RecentAuthTTL:  15,
			SessionTTL:     720,
			AuthRecordTTL:  60,
			RequestTimeout: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/maco.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "maco-terminal",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Watchdog: WatchdogConfig{
			BootTimeout:    60,
			NormalTimeout:  10,
			ReportInterval: 5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern: MACO_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Terminal
	if v := os.Getenv("MACO_TERMINAL_MACHINE_ID"); v != "" {
		cfg.Terminal.MachineID = v
	}
	if v := os.Getenv("MACO_TERMINAL_KEY"); v != "" {
		cfg.Terminal.TerminalKey = v
	}

	// Authority
	if v := os.Getenv("MACO_AUTHORITY_URL"); v != "" {
		cfg.Authority.URL = v
	}
	if v := os.Getenv("MACO_AUTHORITY_MASTER_SECRET"); v != "" {
		cfg.Authority.MasterSecret = v
	}
	if v := os.Getenv("MACO_AUTHORITY_JWT_SECRET"); v != "" {
		cfg.Authority.JWTSecret = v
	}

	// Database
	if v := os.Getenv("MACO_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MACO_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MACO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MACO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("MACO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// aesKeyLength is the length of every AES-128 key in this system.
const aesKeyLength = 16

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Authority.SystemName == "" {
		errs = append(errs, "authority.system_name is required")
	}

	// Keys gate physical machine access; a malformed key must fail at
	// startup rather than at the first tag presentation.
	if c.Terminal.TerminalKey != "" {
		if _, err := decodeKey(c.Terminal.TerminalKey); err != nil {
			errs = append(errs, fmt.Sprintf("terminal.terminal_key: %v", err))
		}
	}
	if c.Authority.MasterSecret != "" {
		if _, err := decodeKey(c.Authority.MasterSecret); err != nil {
			errs = append(errs, fmt.Sprintf("authority.master_secret: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// decodeKey parses a hex-encoded 16-byte AES key.
func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(key) != aesKeyLength {
		return nil, fmt.Errorf("expected %d bytes, got %d", aesKeyLength, len(key))
	}
	return key, nil
}

// TerminalKeyBytes returns the decoded terminal key.
func (c *Config) TerminalKeyBytes() ([]byte, error) {
	return decodeKey(c.Terminal.TerminalKey)
}

// MasterSecretBytes returns the decoded diversification master secret.
func (c *Config) MasterSecretBytes() ([]byte, error) {
	return decodeKey(c.Authority.MasterSecret)
}

// GetReaderTickInterval returns the reader loop tick pause as a Duration.
func (c *Config) GetReaderTickInterval() time.Duration {
	return time.Duration(c.Terminal.ReaderTickInterval) * time.Millisecond
}

// GetDeniedDwell returns the denied-state dwell as a Duration.
func (c *Config) GetDeniedDwell() time.Duration {
	return time.Duration(c.Terminal.DeniedDwell) * time.Second
}

// GetSessionTimeout returns the maximum usage duration as a Duration.
// Zero means unbounded.
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.Terminal.SessionTimeout) * time.Minute
}

// GetRequestTimeout returns the authority request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Authority.RequestTimeout) * time.Second
}

// GetWatchdogBootTimeout returns the startup liveness window as a Duration.
func (c *Config) GetWatchdogBootTimeout() time.Duration {
	return time.Duration(c.Watchdog.BootTimeout) * time.Second
}

// GetWatchdogNormalTimeout returns the steady-state liveness window as a
// Duration.
func (c *Config) GetWatchdogNormalTimeout() time.Duration {
	return time.Duration(c.Watchdog.NormalTimeout) * time.Second
}

// GetWatchdogReportInterval returns the ping-frequency report interval as
// a Duration.
func (c *Config) GetWatchdogReportInterval() time.Duration {
	return time.Duration(c.Watchdog.ReportInterval) * time.Second
}
