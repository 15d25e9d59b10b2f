package oauth

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/idp-engine/security"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Defaults applied by LoadConfig.
const (
	DefaultListen           = ":5000"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultUserStoreTimeout = 5 * time.Second
)

// Config is the process configuration of an identity provider built on the
// engine. It is read from YAML; string values may reference environment
// variables as ${NAME}.
type Config struct {
	// Issuer is the base URL tokens are issued under.
	Issuer string `yaml:"issuer"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Registry is the path of the client and resource registry file.
	Registry string `yaml:"registry"`

	// Users is the path of the static user file. Without it, the password
	// grant is unavailable and identity tokens carry only the subject.
	Users string `yaml:"users"`

	// SecretHasher names the hasher for client, API and user secrets:
	// auto, sha256, bcrypt or argon2id.
	SecretHasher string `yaml:"secret_hasher"`

	// SigningKey is a PEM RSA private key. An ephemeral key is generated
	// when empty, which invalidates issued tokens on restart.
	SigningKey string `yaml:"signing_key"`

	Storage         StorageConfig         `yaml:"storage"`
	Policy          PolicyConfig          `yaml:"policy"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Timeouts        TimeoutsConfig        `yaml:"timeouts"`

	// AuditLogging enables security_audit log events.
	AuditLogging bool `yaml:"audit_logging"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	KeyPrefix  string   `yaml:"key_prefix"`

	// EncryptionKey is a base64 encoded 32 byte key for reference token
	// payloads at rest.
	EncryptionKey string `yaml:"encryption_key"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// PolicyConfig maps onto server.Config.
type PolicyConfig struct {
	ConsentLifetime            time.Duration `yaml:"consent_lifetime"`
	RevokedFamilyRetentionDays int64         `yaml:"revoked_family_retention_days"`
	RequirePKCE                bool          `yaml:"require_pkce"`
	TrustProxy                 bool          `yaml:"trust_proxy"`
	TrustedProxyCount          int           `yaml:"trusted_proxy_count"`
	AllowInsecureHTTP          bool          `yaml:"allow_insecure_http"`
}

// RateLimitConfig limits token, introspection and revocation requests per
// client IP. A zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
	MaxEntries        int `yaml:"max_entries"`
}

// InstrumentationConfig enables OpenTelemetry metrics, exported for
// Prometheus on /metrics.
type InstrumentationConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// TimeoutsConfig holds HTTP server and collaborator timeouts.
type TimeoutsConfig struct {
	Read      time.Duration `yaml:"read"`
	Write     time.Duration `yaml:"write"`
	Idle      time.Duration `yaml:"idle"`
	Shutdown  time.Duration `yaml:"shutdown"`
	UserStore time.Duration `yaml:"user_store"`
}

// LoadConfig reads, defaults and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerSecond * 2
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = DefaultReadTimeout
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = DefaultWriteTimeout
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = DefaultIdleTimeout
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = DefaultShutdownTimeout
	}
	if c.Timeouts.UserStore == 0 {
		c.Timeouts.UserStore = DefaultUserStoreTimeout
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.Registry == "" {
		return fmt.Errorf("registry is required")
	}
	if _, err := security.HasherByName(c.SecretHasher); err != nil {
		return err
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("storage.redis.addrs is required for redis storage")
		}
		if c.Storage.Redis.EncryptionKey != "" {
			if _, err := security.KeyFromBase64(c.Storage.Redis.EncryptionKey); err != nil {
				return fmt.Errorf("storage.redis.encryption_key: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Policy.ConsentLifetime < 0 {
		return fmt.Errorf("policy.consent_lifetime must not be negative")
	}
	return nil
}
