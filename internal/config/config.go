package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// Logging
	LogLevel string

	// Update cycle
	UpdateInterval     time.Duration
	MatchMaxConcurrent int
	FinderNeighbors    int

	// Feed
	FeedBaseURL       string
	FeedTimeout       time.Duration
	FeedMaxConcurrent int
	FeedMaxSize       int64
	UserAgent         string

	// Geocoding
	GeocodeServer     string
	GeocodeTimeout    time.Duration
	GeocodeRatePerSec float64
	GeocodeCacheTTL   time.Duration

	// Notification
	WebhookTimeout        time.Duration
	NotifyRequireDelivery bool

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwimlURL         string

	// Tracing
	TracingEnabled     bool
	TracingServiceName string
}

// LoadDotEnv は指定されたファイルが存在する場合に環境変数として読み込む。
// 既に設定されている環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須の環境変数はない。Twilioの資格情報は一部のみ設定された場合にエラーとする。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = getEnvString("DATABASE_URL", "sqlite://data/vaxfinder.db")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.UpdateInterval = getEnvDuration("UPDATE_INTERVAL", 15*time.Second)
	cfg.MatchMaxConcurrent = getEnvInt("MATCH_MAX_CONCURRENT", 32)
	cfg.FinderNeighbors = getEnvInt("FINDER_NEIGHBORS", 5)

	cfg.FeedBaseURL = getEnvString("FEED_BASE_URL", "https://www.vaccinespotter.org/api/v0")
	cfg.FeedTimeout = getEnvDuration("FEED_TIMEOUT", 12*time.Second)
	cfg.FeedMaxConcurrent = getEnvInt("FEED_MAX_CONCURRENT", 16)
	cfg.FeedMaxSize = getEnvInt64("FEED_MAX_SIZE", 16777216)
	cfg.UserAgent = getEnvString("USER_AGENT", "")

	cfg.GeocodeServer = getEnvString("GEOCODE_SERVER", "https://nominatim.openstreetmap.org/")
	cfg.GeocodeTimeout = getEnvDuration("GEOCODE_TIMEOUT", 5*time.Second)
	cfg.GeocodeRatePerSec = getEnvFloat("GEOCODE_RATE_PER_SEC", 1)
	cfg.GeocodeCacheTTL = getEnvDuration("GEOCODE_CACHE_TTL", 24*time.Hour)

	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.NotifyRequireDelivery = getEnvBool("NOTIFY_REQUIRE_DELIVERY", false)

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFromNumber = getEnvString("TWILIO_FROM_NUMBER", "+13236132810")
	cfg.TwimlURL = os.Getenv("TWIML_URL")

	cfg.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	cfg.TracingServiceName = getEnvString("TRACING_SERVICE_NAME", "vaxfinder")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// VoiceEnabled は音声通話通知に必要な設定が揃っているかを返す。
func (c *Config) VoiceEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwimlURL != ""
}

func (c *Config) validate() error {
	var invalid []string

	for key, d := range map[string]time.Duration{
		"UPDATE_INTERVAL":   c.UpdateInterval,
		"FEED_TIMEOUT":      c.FeedTimeout,
		"GEOCODE_TIMEOUT":   c.GeocodeTimeout,
		"GEOCODE_CACHE_TTL": c.GeocodeCacheTTL,
		"WEBHOOK_TIMEOUT":   c.WebhookTimeout,
	} {
		if d <= 0 {
			invalid = append(invalid, key)
		}
	}
	if c.FinderNeighbors <= 0 {
		invalid = append(invalid, "FINDER_NEIGHBORS")
	}
	if c.MatchMaxConcurrent <= 0 {
		invalid = append(invalid, "MATCH_MAX_CONCURRENT")
	}
	if c.FeedMaxConcurrent <= 0 {
		invalid = append(invalid, "FEED_MAX_CONCURRENT")
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}

	set := 0
	for _, v := range []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwimlURL} {
		if v != "" {
			set++
		}
	}
	if set > 0 && set < 3 {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWIML_URL must be set together")
	}
	return nil
}


func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
