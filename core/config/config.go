// Package config loads typed process configuration for cmd/bridge from
// environment variables, following the teacher's env-first, sensible-defaults
// loading style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the bridge process.
type Config struct {
	// Env is the environment name (development, staging, production)
	Env string

	Controller ControllerConfig
	Store      StoreConfig
	Monitor    MonitorConfig
	OTel       OTelConfig
}

// ControllerConfig describes how to reach the scanning-probe controller.
type ControllerConfig struct {
	Host          string
	Ports         []int
	TimeoutS      float64
	RetryCount    int
	CatalogueFile string
}

// StoreConfig describes the embedded relational store location.
type StoreConfig struct {
	Directory string
	Name      string
}

// MonitorConfig describes default sampling cadence for the trajectory monitor.
type MonitorConfig struct {
	RunName       string
	IntervalS     float64
	RotateEntries int
	ActionWindowS float64
	SignalLabels  []string
	SpecLabels    []string
}

// OTelConfig holds OTLP exporter configuration.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

// Enabled reports whether an OTel collector endpoint has been configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Load loads configuration from environment variables, optionally preloaded
// from a .env file by the caller via godotenv.Load(). It provides sensible
// defaults for development.
func Load() (Config, error) {
	ports, err := parsePorts(getEnv("NANONIS_PORTS", "6501,6502,6503,6504"))
	if err != nil {
		return Config{}, fmt.Errorf("parsing NANONIS_PORTS: %w", err)
	}

	return Config{
		Env: getEnv("BRIDGE_ENV", "development"),
		Controller: ControllerConfig{
			Host:          getEnv("NANONIS_HOST", "127.0.0.1"),
			Ports:         ports,
			TimeoutS:      getEnvFloat("NANONIS_TIMEOUT_S", 2.0),
			RetryCount:    getEnvInt("NANONIS_RETRY_COUNT", 1),
			CatalogueFile: getEnv("BRIDGE_CATALOGUE_FILE", "config/parameters.yaml"),
		},
		Store: StoreConfig{
			Directory: getEnv("BRIDGE_DB_DIRECTORY", "artifacts/trajectory"),
			Name:      getEnv("BRIDGE_DB_NAME", "trajectory.sqlite3"),
		},
		Monitor: MonitorConfig{
			RunName:       getEnv("BRIDGE_RUN_NAME", ""),
			IntervalS:     getEnvFloat("BRIDGE_INTERVAL_S", 1.0),
			RotateEntries: getEnvInt("BRIDGE_ROTATE_ENTRIES", 500),
			ActionWindowS: getEnvFloat("BRIDGE_ACTION_WINDOW_S", 2.5),
			SignalLabels:  parseList(getEnv("BRIDGE_SIGNAL_LABELS", "")),
			SpecLabels:    parseList(getEnv("BRIDGE_SPEC_LABELS", "")),
		},
		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "nanonis-bridge"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},
	}, nil
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func parseList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePorts(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	ports := make([]int, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		port, err := strconv.Atoi(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", trimmed, err)
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("at least one port is required")
	}
	return ports, nil
}

// DialTimeout returns the controller connect timeout as a time.Duration.
func (c ControllerConfig) DialTimeout() time.Duration {
	return time.Duration(c.TimeoutS * float64(time.Second))
}
