// Package config loads node configuration from environment variables,
// with an optional YAML economics profile layered on top.
package config

import "os"

// Config holds node configuration.
type Config struct {
	Port        string
	LogLevel    string
	DBDriver    string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ProfileDir  string
	Profile     string
	OTLPTarget  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DB_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "file:keel.db"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DBDriver:    driver,
		DatabaseURL: dbURL,
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		ProfileDir:  os.Getenv("PROFILE_DIR"),
		Profile:     os.Getenv("PROFILE"),
		OTLPTarget:  os.Getenv("OTLP_TARGET"),
	}
}
