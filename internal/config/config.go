// Package config loads the engine's settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingEnv is returned for a required variable that is unset.
var ErrMissingEnv = errors.New("missing required environment variable")

// Config holds all configuration for the engine and the settle CLI.
type Config struct {
	Store  StoreConfig
	Facade FacadeConfig
	LLM    LLMConfig
	Server ServerConfig

	Timezone     string
	TickInterval time.Duration
	CatalogPath  string
}

// StoreConfig locates the record store.
type StoreConfig struct {
	Path string // STORE_PATH
	Base string // STORE_BASE
}

// FacadeConfig points at the web façade and the path service.
type FacadeConfig struct {
	BaseURL      string
	TransportURL string
}

// LLMConfig configures the language model client. An empty key disables it.
type LLMConfig struct {
	APIKey  string
	BaseURL string
}

// ServerConfig configures the engine's own HTTP API.
type ServerConfig struct {
	Port     int
	AdminKey string
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env unreadable", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*Config, error) {
	path, err := requireEnv("STORE_PATH")
	if err != nil {
		return nil, err
	}
	base, err := requireEnv("STORE_BASE")
	if err != nil {
		return nil, err
	}
	apiBase := strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8080"), "/")
	port, err := strconv.Atoi(getEnv("API_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("API_PORT: %w", err)
	}
	tick, err := time.ParseDuration(getEnv("TICK_INTERVAL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("TICK_INTERVAL: %w", err)
	}
	if tick <= 0 {
		return nil, fmt.Errorf("TICK_INTERVAL: must be positive, got %s", tick)
	}
	return &Config{
		Store: StoreConfig{Path: path, Base: base},
		Facade: FacadeConfig{
			BaseURL:      apiBase,
			TransportURL: getEnv("TRANSPORT_API_URL", apiBase+"/api/transport"),
		},
		LLM: LLMConfig{
			APIKey:  os.Getenv("LLM_API_KEY"),
			BaseURL: getEnv("LLM_BASE_URL", "https://api.anthropic.com/v1/messages"),
		},
		Server: ServerConfig{
			Port:     port,
			AdminKey: os.Getenv("ADMIN_KEY"),
		},
		Timezone:     getEnv("VENICE_TIMEZONE", "Europe/Rome"),
		TickInterval: tick,
		CatalogPath:  os.Getenv("CATALOG_PATH"),
	}, nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, key)
	}
	return v, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
