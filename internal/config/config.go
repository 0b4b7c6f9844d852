// Package config loads and layers libvirt-guestd's configuration: built-in
// defaults, an optional JSON file overlay, then environment variable
// overrides, in that order of precedence.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// HypervisorConfig holds libvirt connection settings.
type HypervisorConfig struct {
	URI                string        `json:"uri"`                  // qemu:///system
	CheckDelay         time.Duration `json:"check_delay"`          // poll interval while awaiting a state transition
	ActionTimeout      time.Duration `json:"action_timeout"`       // give up waiting for start/stop to land
	ReconnectBackoff   time.Duration `json:"reconnect_backoff"`    // not read by the daemon: a dropped connection is not retried
	ReconnectMaxBackoff time.Duration `json:"reconnect_max_backoff"`
}

// SystemdConfig holds the service-unit side of the reconciliation.
type SystemdConfig struct {
	TemplatePrefix string        `json:"template_prefix"` // e.g. "libvirt-guest" -> libvirt-guest@<domain>.service
	JobMode        string        `json:"job_mode"`        // "fail", passed to Start/Stop/RestartUnitContext
	ActionTimeout  time.Duration `json:"action_timeout"`
}

// JournalConfig holds the journal-tailing (JET) settings.
type JournalConfig struct {
	RestartDelay time.Duration `json:"restart_delay"` // delay before reopening journalctl after it exits
	SinceOverlap time.Duration `json:"since_overlap"` // rewind this much on reopen, to not miss events
}

// RLALConfig holds Rate-Limited Action Log thresholds.
type RLALConfig struct {
	Threshold time.Duration `json:"threshold"` // two records within this gap = suppress as an echo
	MaxLength time.Duration `json:"max_length"` // history older than this is discarded
}

// DaemonConfig holds top-level process settings.
type DaemonConfig struct {
	LogLevel string `json:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // libvirt-guestd
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`
	Namespace        string    `json:"namespace"` // libvirt_guestd
	ListenAddr       string    `json:"listen_addr"`
	HistogramBuckets []float64 `json:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`  // debug, info, warn, error
	Format         string `json:"format"` // text, json
	ActionLogFile  string `json:"action_log_file"`
	ActionConsole  bool   `json:"action_console"`
}

// GRPCConfig holds the gRPC health service settings.
type GRPCConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"` // :9090
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// Config is the root configuration for the daemon.
type Config struct {
	Hypervisor    HypervisorConfig    `json:"hypervisor"`
	Systemd       SystemdConfig       `json:"systemd"`
	Journal       JournalConfig       `json:"journal"`
	RLAL          RLALConfig          `json:"rlal"`
	Daemon        DaemonConfig        `json:"daemon"`
	Observability ObservabilityConfig `json:"observability"`
	GRPC          GRPCConfig          `json:"grpc"`
}

// DefaultConfig returns a Config with the values used in the reference
// deployment: qemu:///system over libvirtd's default socket, a 1s poll
// delay, a 120s action timeout, and a 3s/60s rate-limited action log.
func DefaultConfig() *Config {
	return &Config{
		Hypervisor: HypervisorConfig{
			URI:                 "qemu:///system",
			CheckDelay:          1 * time.Second,
			ActionTimeout:       120 * time.Second,
			ReconnectBackoff:    1 * time.Second,
			ReconnectMaxBackoff: 30 * time.Second,
		},
		Systemd: SystemdConfig{
			TemplatePrefix: "libvirt-guest",
			JobMode:        "fail",
			ActionTimeout:  120 * time.Second,
		},
		Journal: JournalConfig{
			RestartDelay: 1 * time.Second,
			SinceOverlap: 2 * time.Second,
		},
		RLAL: RLALConfig{
			Threshold: 3 * time.Second,
			MaxLength: 60 * time.Second,
		},
		Daemon: DaemonConfig{
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "libvirt-guestd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "libvirt_guestd",
				ListenAddr:       ":9100",
				HistogramBuckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			Logging: LoggingConfig{
				Level:         "info",
				Format:        "text",
				ActionLogFile: "",
				ActionConsole: true,
			},
		},
		GRPC: GRPCConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// LoadFromFile loads configuration from a JSON file, overlaid on top of
// DefaultConfig so an omitted field in the file keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies LIBVIRT_GUESTD_* environment variable overrides to cfg.
// The hypervisor URI is also taken from LIBVIRT_DEFAULT_URI, with
// LIBVIRT_GUESTD_URI winning when both are set.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LIBVIRT_DEFAULT_URI"); v != "" {
		cfg.Hypervisor.URI = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_URI"); v != "" {
		cfg.Hypervisor.URI = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_CHECK_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Hypervisor.CheckDelay = d
		}
	}
	if v := os.Getenv("LIBVIRT_GUESTD_ACTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Hypervisor.ActionTimeout = d
			cfg.Systemd.ActionTimeout = d
		}
	}
	if v := os.Getenv("LIBVIRT_GUESTD_RECONNECT_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Hypervisor.ReconnectBackoff = d
		}
	}

	if v := os.Getenv("LIBVIRT_GUESTD_TEMPLATE_PREFIX"); v != "" {
		cfg.Systemd.TemplatePrefix = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_JOB_MODE"); v != "" {
		cfg.Systemd.JobMode = v
	}

	if v := os.Getenv("LIBVIRT_GUESTD_JOURNAL_RESTART_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Journal.RestartDelay = d
		}
	}

	if v := os.Getenv("LIBVIRT_GUESTD_RLAL_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RLAL.Threshold = d
		}
	}
	if v := os.Getenv("LIBVIRT_GUESTD_RLAL_MAX_LENGTH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RLAL.MaxLength = d
		}
	}

	if v := os.Getenv("LIBVIRT_GUESTD_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_ACTION_LOG_FILE"); v != "" {
		cfg.Observability.Logging.ActionLogFile = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_ACTION_CONSOLE"); v != "" {
		cfg.Observability.Logging.ActionConsole = parseBool(v)
	}

	if v := os.Getenv("LIBVIRT_GUESTD_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("LIBVIRT_GUESTD_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}

	if v := os.Getenv("LIBVIRT_GUESTD_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("LIBVIRT_GUESTD_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Observability.Metrics.ListenAddr = v
	}
	if v := os.Getenv("LIBVIRT_GUESTD_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}

	if v := os.Getenv("LIBVIRT_GUESTD_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}
	if v := os.Getenv("LIBVIRT_GUESTD_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
