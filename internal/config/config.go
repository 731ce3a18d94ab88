// Package config loads server settings from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	QUICAddr string // empty disables the QUIC listener

	TLSCertFile string // empty falls back to a self-signed dev cert
	TLSKeyFile  string

	IdleTimeout   time.Duration
	SweepInterval time.Duration

	RateCapacity float64
	RatePerSec   float64

	Debug bool
}

// Load reads .env if present, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:      envStr("FRAMESYNC_HTTP_ADDR", ":8080"),
		QUICAddr:      envStr("FRAMESYNC_QUIC_ADDR", ""),
		TLSCertFile:   envStr("FRAMESYNC_TLS_CERT", ""),
		TLSKeyFile:    envStr("FRAMESYNC_TLS_KEY", ""),
		IdleTimeout:   envDuration("FRAMESYNC_IDLE_TIMEOUT", 2*time.Minute),
		SweepInterval: envDuration("FRAMESYNC_SWEEP_INTERVAL", 15*time.Second),
		RateCapacity:  envFloat("FRAMESYNC_RATE_CAPACITY", 240),
		RatePerSec:    envFloat("FRAMESYNC_RATE_PER_SEC", 120),
		Debug:         envBool("FRAMESYNC_DEBUG", false),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
