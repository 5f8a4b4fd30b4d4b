package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load env vars from .env file directly
func init() {
	if err := godotenv.Load(); err != nil {
		// It's okay if .env doesn't exist (e.g. in production),
		// but we should log it just in case.
		// However, mostly we want to rely on environment variables being set.
		// If we are in local dev, this helps.
		log.Println("No .env file found or error loading it, using system environment variables")
	}
}

// GetAllowedOrigins returns a slice of allowed origins from ALLOWED_ORIGINS,
// given either as a JSON array or as a comma-separated list.
// It defaults to localhost:3000 if not set.
func GetAllowedOrigins() []string {
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		return []string{"http://localhost:3000"}
	}

	if strings.HasPrefix(strings.TrimSpace(originsStr), "[") {
		var list []string
		if err := json.Unmarshal([]byte(originsStr), &list); err == nil {
			return list
		}
	}

	// Split by comma and trim spaces
	parts := strings.Split(originsStr, ",")
	var origins []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// Config is spec.md §6.4's environment surface: database, KV/mutex, SSE hub,
// upstream store, object storage, diffusion service, vectorizer, and the
// pipeline's generation defaults. Loaded once at process startup by
// cmd/server and cmd/worker.
type Config struct {
	DatabaseURL string
	RedisURL    string

	MercureHubURL       string
	MercurePublisherKey string

	UpstreamBaseURL       string
	UpstreamAccessToken   string
	UpstreamWebhookSecret string

	RunpodAPIURL       string
	RunpodEndpointID   string
	RunpodAPIKey       string
	RunpodPollInterval time.Duration
	RunpodTimeout      time.Duration

	VectorizerBaseURL string
	VectorizerAPIKey  string
	VectorizerSecret  string

	DefaultMegapixels float64
	DefaultSteps      int
	MinImageSize      int

	Timezone string
}

// Load reads the process environment into a Config, applying spec.md's
// defaults wherever a variable is unset. Required values (database URL,
// upstream credentials) are left empty on failure — callers decide whether
// to fatal. cmd/migrate does not call Load; it reads DATABASE_URL itself.
func Load() Config {
	return Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MercureHubURL:       getEnv("MERCURE_HUB_URL", "http://localhost:3000/.well-known/mercure"),
		MercurePublisherKey: os.Getenv("MERCURE_PUBLISHER_JWT_KEY"),

		UpstreamBaseURL:       os.Getenv("SHOPIFY_STORE_URL"),
		UpstreamAccessToken:   os.Getenv("SHOPIFY_ACCESS_TOKEN"),
		UpstreamWebhookSecret: os.Getenv("SHOPIFY_WEBHOOK_SECRET"),

		RunpodAPIURL:       getEnv("RUNPOD_API_URL", "https://api.runpod.ai/v2"),
		RunpodEndpointID:   os.Getenv("RUNPOD_ENDPOINT_ID"),
		RunpodAPIKey:       os.Getenv("RUNPOD_API_KEY"),
		RunpodPollInterval: getDuration("RUNPOD_POLL_INTERVAL", 3*time.Second),
		RunpodTimeout:      getDuration("RUNPOD_TIMEOUT", 600*time.Second),

		VectorizerBaseURL: os.Getenv("VECTORIZER_API_URL"),
		VectorizerAPIKey:  os.Getenv("VECTORIZER_API_KEY"),
		VectorizerSecret:  os.Getenv("VECTORIZER_API_SECRET"),

		DefaultMegapixels: getFloat("DEFAULT_MEGAPIXELS", 1.0),
		DefaultSteps:      getInt("DEFAULT_STEPS", 4),
		MinImageSize:      getInt("MIN_IMAGE_SIZE", 1200),

		Timezone: getEnv("TZ", "UTC"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
