// Package config reads the server configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	defaultHost    = "0.0.0.0"
	defaultPort    = 8080
	defaultDataDir = "./data"
	defaultAuthzDB = "./authz.db"
)

// Config holds the full configuration surface of the sync server.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int

	// DataDir is the directory holding the durable update log.
	DataDir string

	// JWTSecret verifies bearer tokens on the sync endpoint. Required
	// unless InsecureDev is set.
	JWTSecret string

	// InsecureDev admits unauthenticated connections with an anonymous
	// identity and fails open when the permission oracle is unavailable.
	// Never enable outside local development.
	InsecureDev bool

	// AuthzDB is the SQLite database the permission oracle reads.
	AuthzDB string
}

// Load builds a Config from environment variables, applying defaults for
// everything except the JWT secret.
func Load() (Config, error) {
	cfg := Config{
		Host:      getenv("SYNCD_HOST", defaultHost),
		Port:      defaultPort,
		DataDir:   getenv("SYNCD_DATA_DIR", defaultDataDir),
		JWTSecret: os.Getenv("SYNCD_JWT_SECRET"),
		AuthzDB:   getenv("SYNCD_AUTHZ_DB", defaultAuthzDB),
	}

	if v := os.Getenv("SYNCD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SYNCD_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("SYNCD_INSECURE_DEV"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SYNCD_INSECURE_DEV %q: %w", v, err)
		}
		cfg.InsecureDev = insecure
	}

	if cfg.JWTSecret == "" && !cfg.InsecureDev {
		return Config{}, fmt.Errorf("SYNCD_JWT_SECRET is required unless SYNCD_INSECURE_DEV is enabled")
	}

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
