package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/llm-gateway/internal/policy"
	"github.com/relaygate/llm-gateway/internal/route"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Gateway definition (routes + tenants)
	GatewayConfigPath string // default: gateway.yaml

	// Audit sink
	AuditDriver     string // "sqlite", "postgres" or "none"
	AuditSQLitePath string // default: audit.db
	PostgresDSN     string // required when AuditDriver == "postgres"

	// Cache / rate limiting (optional; empty RedisAddr disables)
	RedisAddr           string
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Admin surface
	AdminJWTSecret string // empty disables admin auth

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info

	// Tuning
	UpstreamTimeoutSec int // default: 60
	TraceStoreSize     int // default: 512
	LedgerRingSize     int // default: 50
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		GatewayConfigPath:    getEnv("GATEWAY_CONFIG", "gateway.yaml"),
		AuditDriver:          getEnv("AUDIT_DRIVER", "sqlite"),
		AuditSQLitePath:      getEnv("AUDIT_SQLITE_PATH", "audit.db"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AdminJWTSecret:       os.Getenv("ADMIN_JWT_SECRET"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.DefaultRateLimitTPM, err = getEnvInt64("DEFAULT_RATE_LIMIT_TPM", 100000); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeoutSec, err = getEnvInt("UPSTREAM_TIMEOUT", 60); err != nil {
		return nil, err
	}
	if cfg.TraceStoreSize, err = getEnvInt("TRACE_STORE_SIZE", 512); err != nil {
		return nil, err
	}
	if cfg.LedgerRingSize, err = getEnvInt("LEDGER_RING_SIZE", 50); err != nil {
		return nil, err
	}

	switch cfg.AuditDriver {
	case "sqlite", "postgres", "none":
	default:
		return nil, fmt.Errorf("invalid AUDIT_DRIVER %q (want sqlite, postgres or none)", cfg.AuditDriver)
	}
	if cfg.AuditDriver == "postgres" && cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required when AUDIT_DRIVER=postgres")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// GatewayConfig is the YAML routing and tenant definition.
type GatewayConfig struct {
	Routes        []RouteConfig           `yaml:"routes"`
	Tenants       map[string]TenantConfig `yaml:"tenants"`
	DefaultTenant string                  `yaml:"default_tenant"`
}

type RouteConfig struct {
	Model           string   `yaml:"model"`
	Provider        string   `yaml:"provider"`
	Endpoint        string   `yaml:"endpoint"`
	CredentialRef   string   `yaml:"credential_ref"`
	Models          []string `yaml:"models"`
	CostPer1kInput  float64  `yaml:"cost_per_1k_input"`
	CostPer1kOutput float64  `yaml:"cost_per_1k_output"`
}

type TenantConfig struct {
	AllowModels     []string `yaml:"allow_models"`
	MaxRequestUsd   float64  `yaml:"max_request_usd"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	BudgetUsd       float64  `yaml:"budget_usd"`
	APIKeys         []string `yaml:"api_keys"`
}

// LoadGateway reads and validates the YAML gateway definition, building
// the immutable route table and policy store.
func LoadGateway(path string) (*route.Table, *policy.Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read gateway config: %w", err)
	}
	return ParseGateway(raw)
}

// ParseGateway builds the route table and policy store from raw YAML.
func ParseGateway(raw []byte) (*route.Table, *policy.Store, error) {
	var gc GatewayConfig
	if err := yaml.Unmarshal(raw, &gc); err != nil {
		return nil, nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if len(gc.Routes) == 0 {
		return nil, nil, fmt.Errorf("gateway config: at least one route is required")
	}

	routes := make([]route.Route, 0, len(gc.Routes))
	for _, rc := range gc.Routes {
		routes = append(routes, route.Route{
			Model:           rc.Model,
			Provider:        route.ProviderKind(rc.Provider),
			Endpoint:        rc.Endpoint,
			CredentialRef:   rc.CredentialRef,
			Models:          rc.Models,
			CostPer1kInput:  rc.CostPer1kInput,
			CostPer1kOutput: rc.CostPer1kOutput,
		})
	}
	table, err := route.NewTable(routes)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway config: %w", err)
	}

	policies := make([]policy.TenantPolicy, 0, len(gc.Tenants))
	for id, tc := range gc.Tenants {
		policies = append(policies, policy.TenantPolicy{
			TenantID:        id,
			AllowModels:     tc.AllowModels,
			MaxRequestUsd:   tc.MaxRequestUsd,
			MaxOutputTokens: tc.MaxOutputTokens,
			BudgetUsd:       tc.BudgetUsd,
			APIKeys:         tc.APIKeys,
		})
	}
	store, err := policy.NewStore(policies, gc.DefaultTenant)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway config: %w", err)
	}

	return table, store, nil
}
