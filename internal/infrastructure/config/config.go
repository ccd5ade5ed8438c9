package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// EnvPrefix namespaces environment overrides. A double underscore separates
// nesting levels: DPDP_ANOMALY__RATE_THRESHOLD -> anomaly.rate_threshold.
const EnvPrefix = "DPDP_"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	PubSub    PubSubConfig    `koanf:"pubsub"`
	Identity  IdentityConfig  `koanf:"identity"`
	Consent   ConsentConfig   `koanf:"consent"`
	Grievance GrievanceConfig `koanf:"grievance"`
	Erasure   ErasureConfig   `koanf:"erasure"`
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Notify    NotifyConfig    `koanf:"notify"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int             `koanf:"port"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
	// TrustedProxies lists the CIDRs (or bare addresses) of reverse proxies
	// whose forwarding headers are honored. Empty means the peer address is
	// always the client address.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// TrustedNetworks parses TrustedProxies. A bare address is treated as a
// single-host network.
func (s ServerConfig) TrustedNetworks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("server trusted_proxies: invalid address %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("server trusted_proxies: invalid network %q", raw)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
	// ExportPerHour bounds data export requests per client.
	ExportPerHour int `koanf:"export_per_hour"`
}

type DatabaseConfig struct {
	// Driver selects the store: "postgres" or "memory".
	Driver          string        `koanf:"driver"`
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

type RedisConfig struct {
	// Enabled switches per-principal locking from in-process to Redis.
	Enabled     bool          `koanf:"enabled"`
	URL         string        `koanf:"url"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PoolSize    int           `koanf:"pool_size"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	LockWait    time.Duration `koanf:"lock_wait"`
}

type KafkaConfig struct {
	Enabled bool     `koanf:"enabled"`
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type PubSubConfig struct {
	ProjectID    string `koanf:"project_id"`
	Subscription string `koanf:"subscription"`
}

type IdentityConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	// BootstrapAdminEmail creates the first admin on startup when no admin
	// exists yet.
	BootstrapAdminEmail string `koanf:"bootstrap_admin_email"`
}

type ConsentConfig struct {
	Purposes        []string `koanf:"purposes"`
	NonWithdrawable []string `koanf:"non_withdrawable"`
}

type GrievanceConfig struct {
	SLAWindow time.Duration `koanf:"sla_window"`
	// CloseOutRoles may resolve an escalated grievance. Empty makes
	// escalation fully terminal.
	CloseOutRoles []string `koanf:"close_out_roles"`
	// EscalationRequiresOverdue restricts principals to escalating only
	// after the SLA deadline has passed.
	EscalationRequiresOverdue bool `koanf:"escalation_requires_overdue"`
	SweepBatchSize            int  `koanf:"sweep_batch_size"`
}

type ErasureConfig struct {
	CoolingOff time.Duration `koanf:"cooling_off"`
	// RetainAuditTrail keeps a purged principal's audit events.
	RetainAuditTrail bool `koanf:"retain_audit_trail"`
	// GrievanceRetention is "anonymize" or "delete".
	GrievanceRetention string `koanf:"grievance_retention"`
	PseudonymKey       string `koanf:"pseudonym_key"`
	PurgeConcurrency   int    `koanf:"purge_concurrency"`
	SweepBatchSize     int    `koanf:"sweep_batch_size"`
}

type AnomalyConfig struct {
	HistoryWindow      time.Duration `koanf:"history_window"`
	MinHistory         int           `koanf:"min_history"`
	IPLookback         time.Duration `koanf:"ip_lookback"`
	RateWindow         time.Duration `koanf:"rate_window"`
	RateThreshold      int           `koanf:"rate_threshold"`
	WeightUnusualHour  float64       `koanf:"weight_unusual_hour"`
	WeightIPChange     float64       `koanf:"weight_ip_change"`
	WeightRate         float64       `koanf:"weight_rate"`
	Threshold          float64       `koanf:"threshold"`
	CriticalThreshold  float64       `koanf:"critical_threshold"`
	SecurityCategories []string      `koanf:"security_categories"`
}

type NotifyConfig struct {
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialBackoff  time.Duration `koanf:"initial_backoff"`
	MaxBackoff      time.Duration `koanf:"max_backoff"`
	BatchSize       int           `koanf:"batch_size"`
	Lease           time.Duration `koanf:"lease"`
	WebhookURL      string        `koanf:"webhook_url"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

type SchedulerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	SLAInterval      time.Duration `koanf:"sla_interval"`
	PurgeInterval    time.Duration `koanf:"purge_interval"`
	DispatchInterval time.Duration `koanf:"dispatch_interval"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	// Insecure dials the collector without TLS.
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				BurstSize:         100,
				ExportPerHour:     10,
			},
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			URL:         "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			LockTTL:     30 * time.Second,
			LockWait:    10 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "compliance.notifications",
		},
		Identity: IdentityConfig{
			Issuer:   "dpdp-compliance-engine",
			TokenTTL: time.Hour,
		},
		Consent: ConsentConfig{
			Purposes:        []string{"essential", "analytics", "marketing", "data_processing"},
			NonWithdrawable: []string{"essential"},
		},
		Grievance: GrievanceConfig{
			SLAWindow:      7 * 24 * time.Hour,
			CloseOutRoles:  []string{"dpo", "admin"},
			SweepBatchSize: 500,
		},
		Erasure: ErasureConfig{
			CoolingOff:         30 * 24 * time.Hour,
			RetainAuditTrail:   true,
			GrievanceRetention: "anonymize",
			PurgeConcurrency:   4,
			SweepBatchSize:     200,
		},
		Anomaly: AnomalyConfig{
			HistoryWindow:      30 * 24 * time.Hour,
			MinHistory:         10,
			IPLookback:         time.Hour,
			RateWindow:         time.Minute,
			RateThreshold:      20,
			WeightUnusualHour:  0.3,
			WeightIPChange:     0.3,
			WeightRate:         0.4,
			Threshold:          0.5,
			CriticalThreshold:  0.8,
			SecurityCategories: []string{"auth", "data_access", "data_modification", "deletion", "security"},
		},
		Notify: NotifyConfig{
			DeliveryTimeout: 5 * time.Second,
			MaxAttempts:     8,
			InitialBackoff:  30 * time.Second,
			MaxBackoff:      time.Hour,
			BatchSize:       100,
			Lease:           2 * time.Minute,
			BreakerTimeout:  time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			SLAInterval:      15 * time.Minute,
			PurgeInterval:    time.Hour,
			DispatchInterval: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
		},
	}
}

// Load layers defaults, an optional YAML file and DPDP_ environment variables.
// A .env file in the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	a := c.Anomaly
	sum := decimal.NewFromFloat(a.WeightUnusualHour).
		Add(decimal.NewFromFloat(a.WeightIPChange)).
		Add(decimal.NewFromFloat(a.WeightRate))
	if !sum.Equal(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("anomaly weights must sum to 1.0, got %s", sum))
	}
	for name, w := range map[string]float64{
		"weight_unusual_hour": a.WeightUnusualHour,
		"weight_ip_change":    a.WeightIPChange,
		"weight_rate":         a.WeightRate,
	} {
		if w < 0 {
			errs = append(errs, fmt.Errorf("anomaly %s must not be negative", name))
		}
	}
	if a.Threshold < 0 || a.Threshold > 1 || a.CriticalThreshold < 0 || a.CriticalThreshold > 1 {
		errs = append(errs, errors.New("anomaly thresholds must be within [0, 1]"))
	}
	if a.CriticalThreshold < a.Threshold {
		errs = append(errs, errors.New("anomaly critical_threshold must not be below threshold"))
	}
	if a.RateWindow <= 0 || a.IPLookback <= 0 || a.HistoryWindow <= 0 {
		errs = append(errs, errors.New("anomaly windows must be positive"))
	}
	if a.RateThreshold < 1 {
		errs = append(errs, errors.New("anomaly rate_threshold must be at least 1"))
	}

	if _, err := c.Server.TrustedNetworks(); err != nil {
		errs = append(errs, err)
	}

	if c.Grievance.SLAWindow <= 0 {
		errs = append(errs, errors.New("grievance sla_window must be positive"))
	}
	if c.Erasure.CoolingOff <= 0 {
		errs = append(errs, errors.New("erasure cooling_off must be positive"))
	}
	switch c.Erasure.GrievanceRetention {
	case "anonymize", "delete":
	default:
		errs = append(errs, fmt.Errorf("erasure grievance_retention must be anonymize or delete, got %q", c.Erasure.GrievanceRetention))
	}
	if c.Notify.MaxAttempts < 1 || c.Notify.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("notify max_attempts and delivery_timeout must be positive"))
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("database driver must be postgres or memory, got %q", c.Database.Driver))
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required for the postgres driver"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the engine runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
