package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings. Values come from the environment, with
// an optional .env file for local development. Every consumer receives the
// config (or a field of it) through its constructor; there is no ambient
// process-wide handle.
type Config struct {
	Env       string
	Port      string
	DBPath    string
	JWTSecret string
	LogFile   string
	Debug     bool
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:       getEnv("ENV", "development"),
		Port:      getEnv("PORT", "8080"),
		DBPath:    getEnv("DB_PATH", "escrow.db"),
		JWTSecret: getEnv("JWT_SECRET", "escrow-secret-key"),
		LogFile:   getEnv("LOG_FILE", "escrow-api.log"),
	}
	cfg.Debug, _ = strconv.ParseBool(os.Getenv("DEBUG"))

	return cfg
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
