package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ehr/bridge/internal/platform/apperr"
)

func lookupFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDiscoverTenants_CompleteGroups(t *testing.T) {
	defs, skipped := DiscoverTenants(lookupFrom(map[string]string{
		"TENANT_A_ID":        "A",
		"TENANT_A_NAME":      "General Hospital",
		"TENANT_A_STORE_URI": "mongodb://localhost:27017/hospital_a",
		"TENANT_C_ID":        "C",
		"TENANT_C_NAME":      "Riverside Clinic",
		"TENANT_C_STORE_URI": "mem://c",
	}))

	if len(skipped) != 0 {
		t.Fatalf("expected no skipped groups, got %v", skipped)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(defs))
	}
	if defs[0].ID != "A" || defs[1].ID != "C" {
		t.Errorf("expected letter order A, C; got %s, %s", defs[0].ID, defs[1].ID)
	}
	if defs[1].StoreURI != "mem://c" {
		t.Errorf("unexpected store uri %q", defs[1].StoreURI)
	}
}

func TestDiscoverTenants_IncompleteGroupSkipped(t *testing.T) {
	defs, skipped := DiscoverTenants(lookupFrom(map[string]string{
		"TENANT_A_ID":        "A",
		"TENANT_A_NAME":      "General Hospital",
		"TENANT_A_STORE_URI": "mem://a",
		"TENANT_B_ID":        "B",
		"TENANT_B_NAME":      "Northside",
	}))

	if len(defs) != 1 || defs[0].ID != "A" {
		t.Fatalf("expected only tenant A, got %v", defs)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected one skipped group, got %d", len(skipped))
	}
	if !apperr.Is(skipped[0], apperr.KindConfiguration) {
		t.Errorf("expected configuration error, got %v", skipped[0])
	}
}

func TestDiscoverTenants_DuplicateID(t *testing.T) {
	defs, skipped := DiscoverTenants(lookupFrom(map[string]string{
		"TENANT_A_ID":        "A",
		"TENANT_A_NAME":      "General Hospital",
		"TENANT_A_STORE_URI": "mem://a",
		"TENANT_B_ID":        "A",
		"TENANT_B_NAME":      "Duplicate",
		"TENANT_B_STORE_URI": "mem://b",
	}))
	if len(defs) != 1 || len(skipped) != 1 {
		t.Errorf("expected 1 tenant and 1 skipped group, got %d and %d", len(defs), len(skipped))
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TENANT_A_ID", "A")
	t.Setenv("TENANT_A_NAME", "General Hospital")
	t.Setenv("TENANT_A_STORE_URI", "mem://a")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.TenantTimeout != 15*time.Second {
		t.Errorf("expected default tenant timeout 15s, got %s", cfg.TenantTimeout)
	}
	if cfg.FanOutConcurrency != 8 {
		t.Errorf("expected default fan-out concurrency 8, got %d", cfg.FanOutConcurrency)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Name != "General Hospital" {
		t.Errorf("expected tenant A from environment, got %v", cfg.Tenants)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestConfig_ValidateRequiresTenants(t *testing.T) {
	c := &Config{TenantConnectTimeout: time.Second, TenantTimeout: time.Second, FanOutConcurrency: 1, BulkTransferConcurrency: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when no tenants are configured")
	}
}

func TestConfig_ValidateBounds(t *testing.T) {
	c := &Config{
		Tenants:                 []TenantDefinition{{ID: "A", Name: "A", StoreURI: "mem://a"}},
		TenantConnectTimeout:    time.Second,
		TenantTimeout:           time.Second,
		FanOutConcurrency:       0,
		BulkTransferConcurrency: 1,
	}
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero fan-out concurrency")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_ValidateHTTPLimits(t *testing.T) {
	c := &Config{
		Tenants:                 []TenantDefinition{{ID: "A", Name: "A", StoreURI: "mem://a"}},
		TenantConnectTimeout:    time.Second,
		TenantTimeout:           time.Second,
		FanOutConcurrency:       1,
		BulkTransferConcurrency: 1,
		RateLimitRPS:            10,
		RateLimitBurst:          0,
		RequestTimeout:          time.Second,
	}
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero rate limit burst")
	}
	c.RateLimitBurst = 5
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestConfig_ValidateOperatorToken(t *testing.T) {
	c := &Config{
		Tenants:                 []TenantDefinition{{ID: "A", Name: "A", StoreURI: "mem://a"}},
		TenantConnectTimeout:    time.Second,
		TenantTimeout:           time.Second,
		FanOutConcurrency:       1,
		BulkTransferConcurrency: 1,
		RateLimitRPS:            10,
		RateLimitBurst:          5,
		RequestTimeout:          time.Second,
		Env:                     "production",
		OperatorToken:           "short",
	}
	if err := c.Validate(); err == nil {
		t.Error("expected error for a short production operator token")
	}

	c.OperatorToken = strings.Repeat("x", 32)
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	c.Env, c.OperatorToken = "development", "short"
	if err := c.Validate(); err != nil {
		t.Errorf("short tokens are fine outside production, got %v", err)
	}
}
