package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/bridge/internal/platform/apperr"
)

// tenantLetters are the configuration groups scanned for tenant definitions.
const tenantLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	AuditDatabaseURL        string        `mapstructure:"AUDIT_DATABASE_URL"`
	AuditDBMaxConns         int32         `mapstructure:"AUDIT_DB_MAX_CONNS"`
	AuditDBMinConns         int32         `mapstructure:"AUDIT_DB_MIN_CONNS"`
	TenantConnectTimeout    time.Duration `mapstructure:"TENANT_CONNECT_TIMEOUT"`
	TenantTimeout           time.Duration `mapstructure:"TENANT_TIMEOUT"`
	FanOutConcurrency       int           `mapstructure:"FANOUT_CONCURRENCY"`
	BulkTransferConcurrency int           `mapstructure:"BULK_TRANSFER_CONCURRENCY"`
	StoreMaxPoolSize        uint64        `mapstructure:"STORE_MAX_POOL_SIZE"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit               string        `mapstructure:"BODY_LIMIT"`
	BulkBodyLimit           string        `mapstructure:"BULK_BODY_LIMIT"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	// OperatorToken authorizes tenant-less HTTP calls. Empty disables them.
	OperatorToken string `mapstructure:"OPERATOR_TOKEN"`

	// Tenants holds every complete TENANT_<LETTER>_* group, in letter order.
	Tenants []TenantDefinition `mapstructure:"-"`
	// SkippedTenants holds one configuration error per incomplete group.
	SkippedTenants []error `mapstructure:"-"`
}

// TenantDefinition is one configured tenant store.
type TenantDefinition struct {
	ID       string
	Name     string
	StoreURI string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUDIT_DB_MAX_CONNS", 5)
	v.SetDefault("AUDIT_DB_MIN_CONNS", 1)
	v.SetDefault("TENANT_CONNECT_TIMEOUT", "10s")
	v.SetDefault("TENANT_TIMEOUT", "15s")
	v.SetDefault("FANOUT_CONCURRENCY", 8)
	v.SetDefault("BULK_TRANSFER_CONCURRENCY", 4)
	v.SetDefault("STORE_MAX_POOL_SIZE", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BULK_BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUDIT_DATABASE_URL")
	v.BindEnv("AUDIT_DB_MAX_CONNS")
	v.BindEnv("AUDIT_DB_MIN_CONNS")
	v.BindEnv("TENANT_CONNECT_TIMEOUT")
	v.BindEnv("TENANT_TIMEOUT")
	v.BindEnv("FANOUT_CONCURRENCY")
	v.BindEnv("BULK_TRANSFER_CONCURRENCY")
	v.BindEnv("STORE_MAX_POOL_SIZE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("BULK_BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("OPERATOR_TOKEN")
	for _, l := range tenantLetters {
		for _, field := range []string{"ID", "NAME", "STORE_URI"} {
			v.BindEnv(tenantKey(l, field))
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil || (len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",")) {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.Tenants, cfg.SkippedTenants = DiscoverTenants(v.GetString)

	if cfg.IsDev() && cfg.AuditDatabaseURL == "" {
		log.Println("WARNING: AUDIT_DATABASE_URL is not set; audit entries go to the process log only.")
	}

	return cfg, nil
}

func tenantKey(letter rune, field string) string {
	return fmt.Sprintf("TENANT_%c_%s", letter, field)
}

// DiscoverTenants scans TENANT_<LETTER>_{ID,NAME,STORE_URI} groups. A group
// with no keys set is ignored; a group missing only some keys is skipped and
// reported as a configuration error. Skipping is never fatal.
func DiscoverTenants(lookup func(string) string) ([]TenantDefinition, []error) {
	var (
		defs    []TenantDefinition
		skipped []error
		seen    = make(map[string]bool)
	)
	for _, l := range tenantLetters {
		id := strings.TrimSpace(lookup(tenantKey(l, "ID")))
		name := strings.TrimSpace(lookup(tenantKey(l, "NAME")))
		uri := strings.TrimSpace(lookup(tenantKey(l, "STORE_URI")))

		if id == "" && name == "" && uri == "" {
			continue
		}

		var missing []string
		if id == "" {
			missing = append(missing, tenantKey(l, "ID"))
		}
		if name == "" {
			missing = append(missing, tenantKey(l, "NAME"))
		}
		if uri == "" {
			missing = append(missing, tenantKey(l, "STORE_URI"))
		}
		if len(missing) > 0 {
			skipped = append(skipped, apperr.New(apperr.KindConfiguration, "config.tenants",
				"tenant group %c skipped: missing %s", l, strings.Join(missing, ", ")).
				WithDetail("group", string(l)))
			continue
		}
		if seen[id] {
			skipped = append(skipped, apperr.New(apperr.KindConfiguration, "config.tenants",
				"tenant group %c skipped: duplicate tenant id %q", l, id).
				WithDetail("group", string(l)))
			continue
		}
		seen[id] = true
		defs = append(defs, TenantDefinition{ID: id, Name: name, StoreURI: uri})
	}
	return defs, skipped
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the bridge is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// minProductionTokenLen is the shortest operator token accepted in production.
const minProductionTokenLen = 32

// Validate checks numeric bounds and that at least one tenant is configured.
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("no complete TENANT_<LETTER>_ID/NAME/STORE_URI group is configured")
	}
	if c.TenantConnectTimeout <= 0 {
		return fmt.Errorf("TENANT_CONNECT_TIMEOUT must be positive, got %s", c.TenantConnectTimeout)
	}
	if c.TenantTimeout <= 0 {
		return fmt.Errorf("TENANT_TIMEOUT must be positive, got %s", c.TenantTimeout)
	}
	if c.FanOutConcurrency < 1 {
		return fmt.Errorf("FANOUT_CONCURRENCY must be at least 1, got %d", c.FanOutConcurrency)
	}
	if c.BulkTransferConcurrency < 1 {
		return fmt.Errorf("BULK_TRANSFER_CONCURRENCY must be at least 1, got %d", c.BulkTransferConcurrency)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive, got %g/%d", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.IsProduction() && c.OperatorToken != "" && len(c.OperatorToken) < minProductionTokenLen {
		return fmt.Errorf("OPERATOR_TOKEN must be at least %d characters in production", minProductionTokenLen)
	}
	if c.AuditDatabaseURL != "" && c.AuditDBMinConns > c.AuditDBMaxConns {
		return fmt.Errorf("AUDIT_DB_MIN_CONNS (%d) exceeds AUDIT_DB_MAX_CONNS (%d)", c.AuditDBMinConns, c.AuditDBMaxConns)
	}
	return nil
}
