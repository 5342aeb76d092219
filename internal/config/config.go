// Package config loads AutoOrtho's ambient configuration: environment
// variables (optionally from a .env file) with CLI flags taking
// precedence, per SPEC_FULL.md §6's configuration surface.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every ambient knob the core needs that isn't already part
// of a [MODULE]'s own interface (cache directory, default target zoom,
// diagnostics port). Domain behavior itself is untouched by this
// package — it only resolves where things live and how verbose to be.
type Config struct {
	CacheDir    string
	DiagAddr    string
	TargetZoom  int
	WorkerCount int
	Verbose     bool
}

const (
	defaultCacheDir    = "cache"
	defaultDiagAddr    = "127.0.0.1:9061"
	defaultTargetZoom  = 16
	defaultWorkerCount = 4
)

// Load reads environment variables (after optionally loading envFile,
// typically ".env", via godotenv — matching the teacher's cmd/api
// pattern of sourcing config from the process environment) into a
// Config with defaults applied. A missing envFile is not an error: the
// teacher's own services tolerate an absent .env and fall back to
// process-level environment variables.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := &Config{
		CacheDir:    getEnv("AUTOORTHO_CACHE_DIR", defaultCacheDir),
		DiagAddr:    getEnv("AUTOORTHO_DIAG_ADDR", defaultDiagAddr),
		TargetZoom:  getEnvInt("AUTOORTHO_TARGET_ZOOM", defaultTargetZoom),
		WorkerCount: getEnvInt("AUTOORTHO_WORKERS", defaultWorkerCount),
		Verbose:     getEnvBool("AUTOORTHO_VERBOSE", false),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
