package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Helpers for reading configuration from the environment. A set but
// unparseable value falls back to the default and logs a warning rather
// than failing startup.

func GetString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func GetInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn(key, err)
		return fallback
	}
	return n
}

func GetBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warn(key, err)
		return fallback
	}
	return b
}

// GetDuration reads a Go duration string ("30s", "5m").
func GetDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warn(key, err)
		return fallback
	}
	return d
}

// GetSeconds reads a whole number of seconds, for knobs whose env name
// carries a _SECONDS suffix.
func GetSeconds(key string, fallback time.Duration) time.Duration {
	return time.Duration(GetInt(key, int(fallback/time.Second))) * time.Second
}

func warn(key string, err error) {
	log.Printf("config: invalid value for %s: %v", key, err)
}
