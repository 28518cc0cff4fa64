// Package config содержит логику чтения конфигурации лотерейного сервиса.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации лотерейного сервиса.
// TicketSealSecret — серверный ключ печати билетов: передаётся дальше
// явно, а не через глобальное состояние, чтобы его можно было ротировать
// и подменять в тестах.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	RealtimeAddress  string `env:"REALTIME_ADDRESS"`
	AdminLogin       string `env:"ADMIN_LOGIN"`
	AuthSecret       string `env:"AUTH_SECRET"`
	TicketSealSecret string `env:"TICKET_SEAL_SECRET"`
	TicketPriceCents int64  `env:"TICKET_PRICE_CENTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRealtimeAddress := cfg.RealtimeAddress
	envAdminLogin := cfg.AdminLogin
	envAuthSecret := cfg.AuthSecret
	envSealSecret := cfg.TicketSealSecret
	envTicketPrice := cfg.TicketPriceCents

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RealtimeAddress, "r", "", "realtime gateway address for best-effort events")
	flag.StringVar(&cfg.AdminLogin, "admin", "admin", "login of the operator account")
	flag.StringVar(&cfg.AuthSecret, "auth-secret", "", "secret for signed auth cookies")
	flag.StringVar(&cfg.TicketSealSecret, "seal-secret", "", "server-only secret for ticket seals")
	flag.Int64Var(&cfg.TicketPriceCents, "price", 100, "ticket price in cents")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRealtimeAddress != "" {
		cfg.RealtimeAddress = envRealtimeAddress
	}
	if envAdminLogin != "" {
		cfg.AdminLogin = envAdminLogin
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envSealSecret != "" {
		cfg.TicketSealSecret = envSealSecret
	}
	if envTicketPrice != 0 {
		cfg.TicketPriceCents = envTicketPrice
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.TicketSealSecret == "" {
		return nil, errors.New("ticket seal secret is required")
	}
	if cfg.TicketPriceCents <= 0 {
		return nil, errors.New("ticket price must be positive")
	}

	return cfg, nil
}
