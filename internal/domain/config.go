package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Bus       BusConfig       `mapstructure:"bus"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// StorageConfig selects the fact/score/audit backends
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres
	Driver        string        `mapstructure:"driver"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	AuditDriver   string        `mapstructure:"audit_driver"`
	AuditPath     string        `mapstructure:"audit_path"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// CacheConfig represents provider cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	Size        int           `mapstructure:"size"`
	TTL         time.Duration `mapstructure:"ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// ProvidersConfig holds the external evidence sources
type ProvidersConfig struct {
	Timeout    time.Duration  `mapstructure:"timeout"`
	DepMap     ProviderConfig `mapstructure:"depmap"`
	TCGA       ProviderConfig `mapstructure:"tcga"`
	GTEx       ProviderConfig `mapstructure:"gtex"`
	COSMIC     ProviderConfig `mapstructure:"cosmic"`
	ChEMBL     ProviderConfig `mapstructure:"chembl"`
	EuropePMC  ProviderConfig `mapstructure:"europepmc"`
	Structure  ProviderConfig `mapstructure:"structure"`
	Pockets    ProviderConfig `mapstructure:"pockets"`
	PLDDTFloor float64        `mapstructure:"plddt_floor"`
}

// ProviderConfig represents a single provider endpoint
type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
}

// ScoringConfig represents scorer configuration
type ScoringConfig struct {
	PrimaryThreshold   float64 `mapstructure:"primary_threshold"`
	SecondaryThreshold float64 `mapstructure:"secondary_threshold"`
	DefaultProfile     string  `mapstructure:"default_profile"`
	Parallelism        int     `mapstructure:"parallelism"`
	CohortSize         int     `mapstructure:"cohort_size"`
	// Cancers are the cancer types scored; Genes seed a static cohort
	Cancers []CancerConfig `mapstructure:"cancers"`
}

// CancerConfig names one scored cancer type
type CancerConfig struct {
	ID    string   `mapstructure:"id"`
	Name  string   `mapstructure:"name"`
	Genes []string `mapstructure:"genes"`
}

// BusConfig represents update bus configuration
type BusConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	Window           time.Duration `mapstructure:"window"`
	NewFactThreshold float64       `mapstructure:"new_fact_threshold"`
	DeltaThreshold   float64       `mapstructure:"delta_threshold"`
}

// LLMConfig represents router and backend configuration
type LLMConfig struct {
	PreferredBackend    string          `mapstructure:"preferred_backend"`
	AllowRemoteInternal bool            `mapstructure:"allow_remote_internal"`
	LocalOnly           bool            `mapstructure:"local_only"`
	Backends            []BackendConfig `mapstructure:"backends"`
}

// BackendConfig represents one LLM backend
type BackendConfig struct {
	Name     string `mapstructure:"name"`
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
}

// SandboxConfig holds the outbound host allow-list
type SandboxConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// AMQPConfig represents the fact ingestion queue
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
