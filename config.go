package main

import (
	"log/slog"
	"os"
	"strconv"
)

// Config holds all server configuration, resolved once at startup from the
// environment (§6.4). Nothing here is read again after LoadConfig returns.
type Config struct {
	Port          string
	AllowedOrigin string // "*" or a single origin
	RequireTLS    bool

	SessionSecret  string
	AdminPassword  string
	AcoustIDAPIKey string

	ICEProviderURL  string
	TURNURL         string
	TURNUser        string
	TURNCredential  string

	LogDir   string
	LogLevel string

	DBPath     string
	FFmpegPath string
}

// LoadConfig reads the environment and applies defaults, logging the
// resolved (non-secret) configuration the way main.go reports startup
// config in the teacher.
func LoadConfig() Config {
	cfg := Config{
		Port:           envOr("PORT", "8080"),
		AllowedOrigin:  envOr("ALLOWED_ORIGIN", "*"),
		RequireTLS:     envBool("REQUIRE_TLS", false),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		AdminPassword:  os.Getenv("ADMIN_PASSWORD"),
		AcoustIDAPIKey: os.Getenv("ACOUSTID_API_KEY"),
		ICEProviderURL: os.Getenv("ICE_PROVIDER_URL"),
		TURNURL:        os.Getenv("TURN_URL"),
		TURNUser:       os.Getenv("TURN_USER"),
		TURNCredential: os.Getenv("TURN_CREDENTIAL"),
		LogDir:         envOr("LOG_DIR", "."),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		DBPath:         envOr("DB_PATH", "broadcast.db"),
		FFmpegPath:     envOr("FFMPEG_PATH", "ffmpeg"),
	}

	if cfg.SessionSecret == "" {
		slog.Warn("SESSION_SECRET is unset; session tokens are signed with an empty key")
	}

	slog.Info("config loaded",
		"port", cfg.Port,
		"allowed_origin", cfg.AllowedOrigin,
		"require_tls", cfg.RequireTLS,
		"log_level", cfg.LogLevel,
		"db_path", cfg.DBPath,
	)
	return cfg
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
