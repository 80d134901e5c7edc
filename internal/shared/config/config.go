package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	KurrentDB KurrentDBConfig `mapstructure:"kurrentdb"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Hosts     []HostConfig    `mapstructure:"hosts"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	Env            string  `mapstructure:"env"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled turns the event journal on
	Enabled bool `mapstructure:"enabled"`
	// Host is the KurrentDB server hostname
	Host string `mapstructure:"host"`
	// Port is the gRPC/HTTP port (default 2113)
	Port int `mapstructure:"port"`
	// Insecure disables TLS (for development)
	Insecure bool `mapstructure:"insecure"`
	// Username for authentication (optional)
	Username string `mapstructure:"username"`
	// Password for authentication (optional)
	Password string `mapstructure:"password"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SessionConfig bounds host sessions and the per-user heading caches.
type SessionConfig struct {
	// HostTTL is how long a host session token is reused
	HostTTL time.Duration `mapstructure:"host_ttl"`
	// ScopeIdleTTL evicts an idle user-session cache; zero keeps it for the process lifetime
	ScopeIdleTTL time.Duration `mapstructure:"scope_idle_ttl"`
	// StrictPatientIDs enforces the NHS number mod 11 check digit
	StrictPatientIDs bool `mapstructure:"strict_patient_ids"`
}

// HostPaths are the REST paths of a clinical record host.
type HostPaths struct {
	Session     string `mapstructure:"session"`
	RecordRoot  string `mapstructure:"record_root"`
	Query       string `mapstructure:"query"`
	Composition string `mapstructure:"composition"`
}

// HostConfig describes one backend clinical record host.
type HostConfig struct {
	ID                string        `mapstructure:"id"`
	Platform          string        `mapstructure:"platform"` // openehr, heliant
	BaseURL           string        `mapstructure:"base_url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Queryable         bool          `mapstructure:"queryable"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	SessionHeader     string        `mapstructure:"session_header"`
	SubjectNamespace  string        `mapstructure:"subject_namespace"`
	Paths             HostPaths     `mapstructure:"paths"`

	// SQL Server settings for the heliant platform
	Database string `mapstructure:"database"`
	DBPort   int    `mapstructure:"db_port"`
	Encrypt  bool   `mapstructure:"encrypt"`
}

// WithDefaults fills the unset REST settings of a host.
func (h HostConfig) WithDefaults() HostConfig {
	if h.Platform == "" {
		h.Platform = "openehr"
	}
	if h.Timeout == 0 {
		h.Timeout = 30 * time.Second
	}
	if h.SessionHeader == "" {
		h.SessionHeader = "Ehr-Session"
	}
	if h.SubjectNamespace == "" {
		h.SubjectNamespace = "uk.nhs.nhs_number"
	}
	if h.Paths.Session == "" {
		h.Paths.Session = "/rest/v1/session"
	}
	if h.Paths.RecordRoot == "" {
		h.Paths.RecordRoot = "/rest/v1/ehr"
	}
	if h.Paths.Query == "" {
		h.Paths.Query = "/rest/v1/query"
	}
	if h.Paths.Composition == "" {
		h.Paths.Composition = "/rest/v1/composition"
	}
	if h.DBPort == 0 {
		h.DBPort = 1433
	}
	return h
}

type WriterConfig struct {
	// DefaultHost receives every create that does not name a host
	DefaultHost string `mapstructure:"default_host"`
}

type DiscoveryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Host receives merged discovery records; empty means the writer default
	Host     string   `mapstructure:"host"`
	Headings []string `mapstructure:"headings"`
}

// StorageConfig selects the backing store for record-root identities and discovery mappings.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres
}

// Load reads configuration from the optional file at path, the environment
// (RIPPLE_ prefix, "." replaced by "_") and defaults, in rising precedence
// order defaults < file < environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RIPPLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Hosts {
		cfg.Hosts[i] = cfg.Hosts[i].WithDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)

	v.SetDefault("log.level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ripple")
	v.SetDefault("database.password", "ripple")
	v.SetDefault("database.name", "ripple")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("kurrentdb.enabled", false)
	v.SetDefault("kurrentdb.host", "localhost")
	v.SetDefault("kurrentdb.port", 2113)
	v.SetDefault("kurrentdb.insecure", true)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "dev-secret-change-in-prod")

	v.SetDefault("session.host_ttl", 120*time.Second)
	v.SetDefault("session.scope_idle_ttl", time.Duration(0))
	v.SetDefault("session.strict_patient_ids", false)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.base_url", "http://localhost:8090")
	v.SetDefault("discovery.timeout", 30*time.Second)
	v.SetDefault("discovery.headings", []string{"problems", "medications", "allergies", "vaccinations"})

	v.SetDefault("storage.driver", "memory")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.ID == "" {
			return fmt.Errorf("host id is required")
		}
		if strings.Contains(h.ID, "-") {
			return fmt.Errorf("host id %q must not contain '-'", h.ID)
		}
		if seen[h.ID] {
			return fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
		if h.Platform != "openehr" && h.Platform != "heliant" {
			return fmt.Errorf("host %s: unknown platform %q", h.ID, h.Platform)
		}
	}

	if c.Writer.DefaultHost != "" && !seen[c.Writer.DefaultHost] {
		return fmt.Errorf("writer default host %q is not configured", c.Writer.DefaultHost)
	}
	if c.Discovery.Host != "" && !seen[c.Discovery.Host] {
		return fmt.Errorf("discovery host %q is not configured", c.Discovery.Host)
	}

	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	return nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}
