package delivery

import (
	"net/http"
	"time"
)

const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultBasePath     = "/api"
	DefaultWriteTimeout = 2 * time.Minute
)

// Config controls the HTTP listener.
type Config struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// WriteTimeout must exceed the backend startup timeout since /start
	// answers only once the backend is running.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Metrics      bool          `mapstructure:"-"`
}

// NewServer wraps the router in an http.Server listening on cfg.Listen.
// The caller owns ListenAndServe and Shutdown.
func NewServer(cfg Config, r *Router) *http.Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
}
