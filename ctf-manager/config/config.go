package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	APIToken string

	Store   StoreConfig
	Redis   RedisConfig
	Docker  DockerConfig
	Orch    OrchestrationConfig
	Sweep   SweepConfig
	Archive ArchiveConfig
}

type StoreConfig struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SchemaPath string
	BoltPath   string

	DialTimeout time.Duration
	IOTimeout   time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

type DockerConfig struct {
	Host       string
	TLSVerify  bool
	CACert     string
	ClientCert string
	ClientKey  string
	PublicHost string
	Network    string
}

type OrchestrationConfig struct {
	MaxContainersPerRequester int
	Lifetime                  time.Duration
	MaxLifetime               time.Duration
	RevertCooldown            time.Duration
	PortRangeStart            int
	PortRangeEnd              int
	AllowedRepositories       []string
	DefaultMemoryLimitMB      int64
	DefaultCPULimit           float64
	CreateTimeout             time.Duration
	OperationTimeout          time.Duration
	RetryBackoff              time.Duration
	StopTimeout               time.Duration
	DynamicFlags              bool
	FlagPrefix                string
}

type SweepConfig struct {
	Enabled          bool
	Interval         time.Duration
	ReconcileOrphans bool
	ReapUntracked    bool
	StaleThreshold   time.Duration
	StartingGrace    time.Duration
}

type ArchiveConfig struct {
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var errs []error
	p := &parser{errs: &errs}

	cfg := &Config{
		Port:     getEnv("MANAGER_PORT", "8080"),
		APIToken: os.Getenv("API_TOKEN"),
		Store: StoreConfig{
			Driver:     getEnv("STORE_DRIVER", "mysql"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "3306"),
			User:       getEnv("DB_USER", "root"),
			Password:   getEnv("DB_PASSWORD", "password"),
			Database:   getEnv("DB_NAME", "ctf_manager_db"),
			SchemaPath: os.Getenv("SCHEMA_PATH"),
			BoltPath:   getEnv("BOLT_PATH", "ctf-manager.db"),

			DialTimeout: p.getDuration("DB_DIAL_TIMEOUT", 5*time.Second),
			IOTimeout:   p.getDuration("DB_IO_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Address:  lookupEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       p.getInt("REDIS_DB", 0),
		},
		Docker: DockerConfig{
			Host:       os.Getenv("DOCKER_HOST"),
			TLSVerify:  p.getBool("DOCKER_TLS_VERIFY", false),
			CACert:     os.Getenv("DOCKER_CA_CERT"),
			ClientCert: os.Getenv("DOCKER_CLIENT_CERT"),
			ClientKey:  os.Getenv("DOCKER_CLIENT_KEY"),
			PublicHost: os.Getenv("DOCKER_PUBLIC_HOST"),
			Network:    os.Getenv("DOCKER_NETWORK"),
		},
		Orch: OrchestrationConfig{
			MaxContainersPerRequester: p.getInt("MAX_CONTAINERS_PER_USER", 1),
			Lifetime:                  p.getMinutes("CONTAINER_LIFETIME_MINUTES", 60),
			MaxLifetime:               p.getMinutes("CONTAINER_MAX_LIFETIME_MINUTES", 240),
			RevertCooldown:            p.getMinutes("REVERT_COOLDOWN_MINUTES", 5),
			PortRangeStart:            p.getInt("PORT_RANGE_START", 30000),
			PortRangeEnd:              p.getInt("PORT_RANGE_END", 31000),
			AllowedRepositories:       getList("ALLOWED_REPOSITORIES"),
			DefaultMemoryLimitMB:      int64(p.getInt("DEFAULT_MEMORY_LIMIT_MB", 512)),
			DefaultCPULimit:           p.getFloat("DEFAULT_CPU_LIMIT", 0.5),
			CreateTimeout:             p.getDuration("CREATE_TIMEOUT", 30*time.Second),
			OperationTimeout:          p.getDuration("OPERATION_TIMEOUT", 5*time.Second),
			RetryBackoff:              p.getDuration("RETRY_BACKOFF", time.Second),
			StopTimeout:               time.Duration(p.getInt("STOP_TIMEOUT_SECONDS", 10)) * time.Second,
			DynamicFlags:              p.getBool("DYNAMIC_FLAGS", false),
			FlagPrefix:                getEnv("FLAG_PREFIX", "CTF"),
		},
		Sweep: SweepConfig{
			Enabled:          p.getBool("SWEEP_ENABLED", true),
			Interval:         p.getDuration("SWEEP_INTERVAL", 5*time.Minute),
			ReconcileOrphans: p.getBool("SWEEP_RECONCILE_ORPHANS", true),
			ReapUntracked:    p.getBool("SWEEP_REAP_UNTRACKED", true),
			StaleThreshold:   p.getDuration("STALE_CONTAINER_THRESHOLD", 2*time.Hour),
			StartingGrace:    p.getDuration("STARTING_GRACE_PERIOD", 2*time.Minute),
		},
		Archive: ArchiveConfig{
			Bucket:    os.Getenv("ARCHIVE_BUCKET"),
			Endpoint:  getEnv("S3_ENDPOINT", "http://localhost:9000"),
			AccessKey: getEnv("S3_ACCESS_KEY", "minioadmin"),
			SecretKey: getEnv("S3_SECRET_KEY", "minioadmin"),
			Region:    getEnv("S3_REGION", "us-east-1"),
		},
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "mysql", "bolt":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be mysql or bolt, got %q", c.Store.Driver))
	}

	o := c.Orch
	if o.MaxContainersPerRequester < 1 {
		errs = append(errs, errors.New("MAX_CONTAINERS_PER_USER must be at least 1"))
	}
	if o.PortRangeStart < 1 || o.PortRangeEnd > 65535 || o.PortRangeStart > o.PortRangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range %d-%d", o.PortRangeStart, o.PortRangeEnd))
	}
	if o.Lifetime <= 0 {
		errs = append(errs, errors.New("CONTAINER_LIFETIME_MINUTES must be positive"))
	}
	if o.MaxLifetime < o.Lifetime {
		errs = append(errs, errors.New("CONTAINER_MAX_LIFETIME_MINUTES must not be shorter than the lifetime"))
	}
	if o.RevertCooldown < 0 {
		errs = append(errs, errors.New("REVERT_COOLDOWN_MINUTES must not be negative"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Store.DialTimeout <= 0 || c.Store.IOTimeout <= 0 {
		errs = append(errs, errors.New("DB_DIAL_TIMEOUT and DB_IO_TIMEOUT must be positive"))
	}
	if c.Docker.TLSVerify && (c.Docker.CACert == "" || c.Docker.ClientCert == "" || c.Docker.ClientKey == "") {
		errs = append(errs, errors.New("DOCKER_TLS_VERIFY requires DOCKER_CA_CERT, DOCKER_CLIENT_CERT and DOCKER_CLIENT_KEY"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnv keeps an explicitly empty value, which switches a feature off.
func lookupEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects malformed values instead of silently falling back.
type parser struct {
	errs *[]error
}

func (p *parser) fail(key, value string, err error) {
	*p.errs = append(*p.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (p *parser) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) getFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (p *parser) getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (p *parser) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (p *parser) getMinutes(key string, defaultValue int) time.Duration {
	return time.Duration(p.getInt(key, defaultValue)) * time.Minute
}
