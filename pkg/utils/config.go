package utils

import (
	"os"
	"strconv"
	"time"
)

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTDuration time.Duration
}

func LoadAuthConfig() AuthConfig {
	secret := os.Getenv("MANGATRACK_JWT_SECRET")
	if secret == "" {
		// dev default (change for demo / production)
		secret = "dev-secret-change-me"
	}

	issuer := os.Getenv("MANGATRACK_JWT_ISSUER")
	if issuer == "" {
		issuer = "mangatrack"
	}

	duration := 24 * time.Hour
	if ttl := os.Getenv("MANGATRACK_JWT_TTL_HOURS"); ttl != "" {
		if h, err := strconv.Atoi(ttl); err == nil && h > 0 {
			duration = time.Duration(h) * time.Hour
		}
	}

	return AuthConfig{
		JWTSecret:   secret,
		JWTIssuer:   issuer,
		JWTDuration: duration,
	}
}

// WorkerConfig tunes the resolution/crawl worker pool.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:  envInt("MANGATRACK_WORKER_CONCURRENCY", 4),
		PollInterval: envDuration("MANGATRACK_WORKER_POLL", 2*time.Second),
	}
}

// SchedulerConfig tunes the periodic crawl scan.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

func LoadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  envDuration("MANGATRACK_SCAN_INTERVAL", time.Hour),
		BatchSize: envInt("MANGATRACK_SCAN_BATCH", 200),
	}
}

// ServerConfig holds the listen addresses for the API server.
type ServerConfig struct {
	HTTPAddr string
	TCPAddr  string
}

func LoadServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr: envString("MANGATRACK_HTTP_ADDR", ":8080"),
		TCPAddr:  envString("MANGATRACK_SYNC_ADDR", ":9090"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
