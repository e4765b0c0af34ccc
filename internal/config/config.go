// Package config содержит логику чтения конфигурации CPA-платформы.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации CPA-платформы.
// Сайтовые настройки (базовый URL, реферальный процент, трекинг-домены)
// передаются явно в сервис и билдер URL, а не читаются из глобального
// состояния.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	GeoIPAddress       string `env:"GEOIP_ADDRESS"`
	SiteURL            string `env:"SITE_URL"`
	ReferralPercentage string `env:"REFERRAL_PERCENTAGE"`
	TrackingDomains    string `env:"TRACKING_DOMAINS"`
	AuthSecret         string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Файл .env, если он есть, подгружается до разбора окружения.
func Parse() (*Config, error) {
	// .env необязателен, его отсутствие не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGeoIPAddress := cfg.GeoIPAddress
	envSiteURL := cfg.SiteURL
	envReferralPercentage := cfg.ReferralPercentage
	envTrackingDomains := cfg.TrackingDomains
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GeoIPAddress, "g", "", "geolocation service address")
	flag.StringVar(&cfg.SiteURL, "s", "http://localhost:8080", "public site URL")
	flag.StringVar(&cfg.ReferralPercentage, "p", "5.00", "site-wide referral commission percentage")
	flag.StringVar(&cfg.TrackingDomains, "t", "", "comma-separated list of permitted tracking domains")
	flag.StringVar(&cfg.AuthSecret, "k", "cpa-platform-secret", "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGeoIPAddress != "" {
		cfg.GeoIPAddress = envGeoIPAddress
	}
	if envSiteURL != "" {
		cfg.SiteURL = envSiteURL
	}
	if envReferralPercentage != "" {
		cfg.ReferralPercentage = envReferralPercentage
	}
	if envTrackingDomains != "" {
		cfg.TrackingDomains = envTrackingDomains
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if _, err := cfg.ReferralPercent(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReferralPercent возвращает реферальный процент как decimal.
func (c *Config) ReferralPercent() (decimal.Decimal, error) {
	p, err := decimal.NewFromString(c.ReferralPercentage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse referral percentage %q: %w", c.ReferralPercentage, err)
	}
	if p.IsNegative() {
		return decimal.Zero, fmt.Errorf("referral percentage must not be negative: %s", p)
	}
	return p, nil
}

// TrackingDomainList возвращает список разрешённых трекинг-доменов.
// Пустой список означает отсутствие ограничений по хосту.
func (c *Config) TrackingDomainList() []string {
	if strings.TrimSpace(c.TrackingDomains) == "" {
		return nil
	}

	parts := strings.Split(c.TrackingDomains, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if d := strings.TrimSpace(p); d != "" {
			res = append(res, strings.ToLower(d))
		}
	}
	return res
}
