package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid float.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (Go duration syntax, e.g. "2s" or "500ms"), or fallback if the
// variable is unset, empty, or not a valid duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Config holds the full runtime configuration for the camera server.
// All values come from the environment (optionally seeded by a .env file);
// the deployment layer owns the actual values.
type Config struct {
	Host string
	Port int

	// Ephemeral segment store; memory-backed (tmpfs) in deployment.
	StreamDir      string
	RetentionCount int
	RetentionAge   time.Duration

	// Capture device and format.
	CameraDevice  string
	CaptureWidth  int
	CaptureHeight int
	CaptureFPS    int

	// Encoder.
	SegmentDuration   time.Duration
	StoreFailureLimit int

	// Session controller.
	OpenTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	StopGrace     time.Duration

	// Viewers.
	MaxViewers int

	// Health monitor and protection thresholds.
	MonitorInterval time.Duration
	ProtectCPUPct   float64
	ProtectTempC    float64
	ProtectMemPct   float64

	// Logging.
	LogLevel  string
	LogFormat string
}

// FromEnv builds a Config from environment variables, applying defaults for
// anything unset.
func FromEnv() Config {
	return Config{
		Host: GetEnv("HOST", "0.0.0.0"),
		Port: GetEnvInt("PORT", 8080),

		StreamDir:      GetEnv("STREAM_DIR", "/tmp/stream"),
		RetentionCount: GetEnvInt("RETENTION_COUNT", 6),
		RetentionAge:   GetEnvDuration("RETENTION_AGE", 30*time.Second),

		CameraDevice:  GetEnv("CAMERA_DEVICE", "/dev/video0"),
		CaptureWidth:  GetEnvInt("CAPTURE_WIDTH", 640),
		CaptureHeight: GetEnvInt("CAPTURE_HEIGHT", 480),
		CaptureFPS:    GetEnvInt("CAPTURE_FPS", 30),

		SegmentDuration:   GetEnvDuration("SEGMENT_DURATION", 2*time.Second),
		StoreFailureLimit: GetEnvInt("STORE_FAILURE_LIMIT", 5),

		OpenTimeout:   GetEnvDuration("OPEN_TIMEOUT", 10*time.Second),
		RetryAttempts: GetEnvInt("RETRY_ATTEMPTS", 3),
		RetryBackoff:  GetEnvDuration("RETRY_BACKOFF", time.Second),
		StopGrace:     GetEnvDuration("STOP_GRACE", 5*time.Second),

		MaxViewers: GetEnvInt("MAX_VIEWERS", 12),

		MonitorInterval: GetEnvDuration("MONITOR_INTERVAL", 5*time.Second),
		ProtectCPUPct:   GetEnvFloat("PROTECT_CPU_PCT", 80),
		ProtectTempC:    GetEnvFloat("PROTECT_TEMP_C", 70),
		ProtectMemPct:   GetEnvFloat("PROTECT_MEM_PCT", 80),

		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),
	}
}

// Validate checks the configuration. An invalid configuration is the only
// fatal startup condition; everything else degrades at runtime.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.StreamDir == "" {
		return fmt.Errorf("stream dir must not be empty")
	}
	if c.RetentionCount < 1 && c.RetentionAge <= 0 {
		return fmt.Errorf("at least one of retention count or retention age must be set")
	}
	if c.SegmentDuration <= 0 {
		return fmt.Errorf("invalid segment duration: %v", c.SegmentDuration)
	}
	if c.CaptureFPS < 1 {
		return fmt.Errorf("invalid capture fps: %d", c.CaptureFPS)
	}
	if c.MaxViewers < 1 {
		return fmt.Errorf("invalid max viewers: %d", c.MaxViewers)
	}
	return nil
}

// ServerAddress returns the host:port the HTTP server listens on.
func (c Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
