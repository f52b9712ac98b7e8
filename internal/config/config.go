package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Loopwire control plane.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Relay     RelayConfig
	Readiness ReadinessConfig
	Monitor   MonitorConfig
	ExecPlane ExecPlaneConfig
	Fallback  FallbackConfig
}

type DatabaseConfig struct {
	// URL enables the Postgres-backed session store when set.
	// Empty means in-memory sessions (zero config).
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// RelayConfig controls client stream admission and buffering.
type RelayConfig struct {
	MaxConnectionsPerUser int
	MaxConnectionsPerOrg  int
	HeartbeatInterval     time.Duration
	MaxMessageLength      int
	HistoryLength         int
	BufferCapacity        int
}

// ReadinessConfig bounds the pre-dispatch worker readiness poll.
type ReadinessConfig struct {
	MaxWait      time.Duration
	PollInterval time.Duration
}

// MonitorConfig tunes the execution-plane circuit breaker.
//
// RecoveryMultiplier must be < 1 so that the recovery bound
// (ErrorRateThreshold × RecoveryMultiplier) sits strictly below the trip
// threshold; this hysteresis is what keeps the circuit from flapping.
type MonitorConfig struct {
	Window               time.Duration
	MinSamples           int
	MaxRecords           int
	ErrorRateThreshold   float64
	TimeoutRateThreshold float64
	TimeoutThreshold     time.Duration
	LatencyMultiplier    float64
	RecoveryMultiplier   float64
}

// ExecPlaneConfig locates the execution plane: the WebSocket gateway that
// carries per-user control channels, and the provisioning API the
// readiness gate polls.
type ExecPlaneConfig struct {
	GatewayURL   string
	ProvisionURL string
	Token        string
	ExecTimeout  time.Duration
}

// FallbackConfig points the embedded fallback runner at an
// OpenAI-compatible chat completions endpoint.
type FallbackConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("LOOPWIRE_PORT", 8080),
		Version: envStr("LOOPWIRE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loopwire-control-plane"),
		},
		Relay: RelayConfig{
			MaxConnectionsPerUser: envInt("RELAY_MAX_CONNECTIONS_PER_USER", 20),
			MaxConnectionsPerOrg:  envInt("RELAY_MAX_CONNECTIONS_PER_ORG", 200),
			HeartbeatInterval:     envDur("RELAY_HEARTBEAT_INTERVAL", 25*time.Second),
			MaxMessageLength:      envInt("RELAY_MAX_MESSAGE_LENGTH", 32000),
			HistoryLength:         envInt("RELAY_HISTORY_LENGTH", 20),
			BufferCapacity:        envInt("RELAY_BUFFER_CAPACITY", 256),
		},
		Readiness: ReadinessConfig{
			MaxWait:      envDur("READINESS_MAX_WAIT", 30*time.Second),
			PollInterval: envDur("READINESS_POLL_INTERVAL", 1*time.Second),
		},
		Monitor: MonitorConfig{
			Window:               envDur("MONITOR_WINDOW", 5*time.Minute),
			MinSamples:           envInt("MONITOR_MIN_SAMPLES", 10),
			MaxRecords:           envInt("MONITOR_MAX_RECORDS", 1000),
			ErrorRateThreshold:   envFloat("MONITOR_ERROR_RATE_THRESHOLD", 0.5),
			TimeoutRateThreshold: envFloat("MONITOR_TIMEOUT_RATE_THRESHOLD", 0.3),
			TimeoutThreshold:     envDur("MONITOR_TIMEOUT_THRESHOLD", 60*time.Second),
			LatencyMultiplier:    envFloat("MONITOR_LATENCY_MULTIPLIER", 0.8),
			RecoveryMultiplier:   envFloat("MONITOR_RECOVERY_MULTIPLIER", 0.5),
		},
		ExecPlane: ExecPlaneConfig{
			GatewayURL:   envStr("EXECPLANE_GATEWAY_URL", "ws://localhost:9090"),
			ProvisionURL: envStr("EXECPLANE_PROVISION_URL", "http://localhost:9091"),
			Token:        envStr("EXECPLANE_TOKEN", ""),
			ExecTimeout:  envDur("EXECPLANE_EXEC_TIMEOUT", 120*time.Second),
		},
		Fallback: FallbackConfig{
			Endpoint: envStr("FALLBACK_LLM_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:   envStr("FALLBACK_LLM_API_KEY", ""),
			Model:    envStr("FALLBACK_LLM_MODEL", "gpt-4o-mini"),
			Timeout:  envDur("FALLBACK_LLM_TIMEOUT", 120*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
