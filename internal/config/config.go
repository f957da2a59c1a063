package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Dedup       DedupConfig
	Municipal   MunicipalConfig
	Retry       RetryConfig
	Departments DepartmentsConfig
	Extractor   ExtractorConfig
	Transcribe  TranscribeConfig
}

type ServerConfig struct {
	Port            string
	DeliveryWorkers int
}

type StorageConfig struct {
	DBPath string
}

// RedisConfig is optional; an empty Addr keeps dedup and notifications in process.
type RedisConfig struct {
	Addr          string
	Password      string
	NotifyChannel string
}

type DedupConfig struct {
	Window    time.Duration
	Threshold float64
}

type MunicipalConfig struct {
	Endpoint         string
	APIKey           string
	Timeout          time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RequestsPerSec   float64
	FailureThreshold int
	BreakerCooldown  time.Duration
}

type RetryConfig struct {
	Schedule  string
	BatchSize int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type DepartmentsConfig struct {
	Workbook       string
	ReloadSchedule string
	GeneralName    string
	GeneralEmail   string
	GeneralPhone   string
}

type ExtractorConfig struct {
	GatewayURL string
	APIKey     string
	Model      string
	UseMock    bool
}

type TranscribeConfig struct {
	URL     string
	UseMock bool
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("PORT", "8080"),
			DeliveryWorkers: getInt("DELIVERY_WORKERS", 4),
		},
		Storage: StorageConfig{
			DBPath: getEnvOrDefault("DB_PATH", "complaints.db"),
		},
		Redis: RedisConfig{
			Addr:          os.Getenv("REDIS_ADDR"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			NotifyChannel: getEnvOrDefault("NOTIFY_CHANNEL", "civic:notifications"),
		},
		Dedup: DedupConfig{
			Window:    getDuration("DEDUP_WINDOW", 24*time.Hour),
			Threshold: getFloat("DEDUP_THRESHOLD", 0.85),
		},
		Municipal: MunicipalConfig{
			Endpoint:         os.Getenv("MUNICIPAL_ENDPOINT"),
			APIKey:           os.Getenv("MUNICIPAL_API_KEY"),
			Timeout:          getDuration("MUNICIPAL_TIMEOUT", 10*time.Second),
			MaxAttempts:      getInt("SUBMIT_MAX_ATTEMPTS", 3),
			InitialBackoff:   getDuration("SUBMIT_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:       getDuration("SUBMIT_MAX_BACKOFF", 10*time.Second),
			RequestsPerSec:   getFloat("SUBMIT_RPS", 5),
			FailureThreshold: getInt("BREAKER_FAILURE_THRESHOLD", 3),
			BreakerCooldown:  getDuration("BREAKER_COOLDOWN", 2*time.Minute),
		},
		Retry: RetryConfig{
			Schedule:  getEnvOrDefault("RETRY_SCHEDULE", "@every 1m"),
			BatchSize: getInt("RETRY_BATCH", 20),
			BaseDelay: getDuration("RETRY_BASE_DELAY", time.Minute),
			MaxDelay:  getDuration("RETRY_MAX_DELAY", time.Hour),
		},
		Departments: DepartmentsConfig{
			Workbook:       os.Getenv("DEPARTMENTS_WORKBOOK"),
			ReloadSchedule: getEnvOrDefault("DEPARTMENTS_RELOAD_SCHEDULE", "@every 5m"),
			GeneralName:    getEnvOrDefault("GENERAL_DEPARTMENT", "Municipal General Services"),
			GeneralEmail:   getEnvOrDefault("GENERAL_EMAIL", "info@municipality.example"),
			GeneralPhone:   getEnvOrDefault("GENERAL_PHONE", "311"),
		},
		Extractor: ExtractorConfig{
			GatewayURL: os.Getenv("LLM_GATEWAY_URL"),
			APIKey:     os.Getenv("LLM_API_KEY"),
			Model:      os.Getenv("LLM_MODEL"),
			UseMock:    os.Getenv("USE_MOCK_LLM") == "true",
		},
		Transcribe: TranscribeConfig{
			URL:     os.Getenv("TRANSCRIBE_URL"),
			UseMock: os.Getenv("USE_MOCK_TRANSCRIBE") == "true",
		},
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
