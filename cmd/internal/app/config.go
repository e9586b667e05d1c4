package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nostrid/cmd/identity"
	"nostrid/cmd/internal/ledger"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// DataDir holds one <domain>/.well-known/nostr.json tree per domain.
	DataDir    string
	LegacyFile string
	Domains    identity.DomainSet

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless a durable ledger is configured and reachable.
	ReadinessRequireDB bool

	AdminAPIKey    string
	TrustProxy     bool
	PublicCacheTTL time.Duration
	WatchFiles     bool

	LNbitsURL string
	LNbitsKey string
}

// LoadConfig loads Config from environment variables with defaults.
// A malformed domain list or database URL is an error.
func LoadConfig() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("NOSTRID_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("NOSTRID_LOG_LEVEL", "info"),
		LogFormat: EnvString("NOSTRID_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("NOSTRID_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("NOSTRID_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("NOSTRID_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("NOSTRID_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("NOSTRID_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("NOSTRID_SHUTDOWN_TIMEOUT", 10*time.Second),

		DataDir:    EnvString("NOSTRID_DATA_DIR", "data"),
		LegacyFile: EnvString("NOSTRID_LEGACY_FILE", ".well-known/nostr.json"),

		DatabaseURL: EnvString("NOSTRID_DATABASE_URL", ""),
		DBSchema:    EnvString("NOSTRID_DB_SCHEMA", "nostrid"),
		DBMaxConns:  EnvInt32("NOSTRID_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("NOSTRID_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("NOSTRID_READINESS_REQUIRE_DB", false),

		AdminAPIKey:    EnvString("NOSTRID_ADMIN_API_KEY", ""),
		TrustProxy:     EnvBool("NOSTRID_TRUST_PROXY", false),
		PublicCacheTTL: EnvDuration("NOSTRID_PUBLIC_CACHE_TTL", 30*time.Second),
		WatchFiles:     EnvBool("NOSTRID_WATCH_FILES", true),

		LNbitsURL: EnvString("NOSTRID_LNBITS_URL", ""),
		LNbitsKey: EnvString("NOSTRID_LNBITS_API_KEY", ""),
	}

	domains, err := identity.ParseDomains(
		EnvString("NOSTRID_DOMAINS", ""),
		EnvString("NOSTRID_DOMAIN", "example.com"),
		EnvInt64("NOSTRID_INVOICE_AMOUNT_SATS", 100),
	)
	if err != nil {
		return Config{}, fmt.Errorf("NOSTRID_DOMAINS: %w", err)
	}
	cfg.Domains = domains

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("NOSTRID_DATA_DIR must not be empty"))
	}
	if _, _, err := ledger.ParseDSN(c.DatabaseURL); err != nil {
		errs = append(errs, fmt.Errorf("NOSTRID_DATABASE_URL: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("NOSTRID_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	if (c.LNbitsURL == "") != (c.LNbitsKey == "") {
		errs = append(errs, errors.New("NOSTRID_LNBITS_URL and NOSTRID_LNBITS_API_KEY must be set together"))
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		errs = append(errs, errors.New("NOSTRID_DB_MIN_CONNS exceeds NOSTRID_DB_MAX_CONNS"))
	}
	return errors.Join(errs...)
}
