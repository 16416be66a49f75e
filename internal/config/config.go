// Package config provides configuration loading for the lineage service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/fingerprint"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/sqlstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/tracing"
)

// Config holds all configuration for the lineage service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Artifacts ArtifactConfig  `mapstructure:"artifacts"`
	Backends  BackendConfig   `mapstructure:"backends"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the metadata store: memory, redis, postgres or sqlite.
type StoreConfig struct {
	Type        string `mapstructure:"type"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig selects the event bus: memory or redis.
type EventsConfig struct {
	Type      string        `mapstructure:"type"`
	MaxLen    int64         `mapstructure:"max_len"`
	StreamTTL time.Duration `mapstructure:"stream_ttl"`
}

type SchedulerConfig struct {
	// MaxParallelism bounds concurrently executing steps per run (0 = unlimited).
	MaxParallelism int    `mapstructure:"max_parallelism"`
	CacheScope     string `mapstructure:"cache_scope"`
	Project        string `mapstructure:"project"`
	Stack          string `mapstructure:"stack"`
	AbortOnCancel  bool   `mapstructure:"abort_on_cancel"`
}

type ArtifactConfig struct {
	ID        string `mapstructure:"id"`
	Type      string `mapstructure:"type"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type BackendConfig struct {
	Default string `mapstructure:"default"`
	// Enabled lists the external backends to construct besides local.
	Enabled []string `mapstructure:"enabled"`

	DockerImage   string `mapstructure:"docker_image"`
	DockerNetwork string `mapstructure:"docker_network"`

	K8sNamespace  string `mapstructure:"k8s_namespace"`
	K8sInCluster  bool   `mapstructure:"k8s_in_cluster"`
	K8sKubeconfig string `mapstructure:"k8s_kubeconfig"`
	K8sImage      string `mapstructure:"k8s_image"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string][]string{
	"server.port":             {"PORT"},
	"server.read_timeout":     {"READ_TIMEOUT"},
	"server.write_timeout":    {"WRITE_TIMEOUT"},
	"server.shutdown_grace":   {"SHUTDOWN_GRACE"},
	"server.cors_origins":     {"CORS_ORIGINS"},
	"server.rate_limit_rps":   {"RATE_LIMIT_RPS"},
	"server.rate_limit_burst": {"RATE_LIMIT_BURST"},

	"log.level":  {"LOG_LEVEL"},
	"log.format": {"LOG_FORMAT"},

	"store.type":         {"LINEAGE_STORE"},
	"store.database_url": {"DATABASE_URL"},
	"store.sqlite_path":  {"SQLITE_PATH"},

	"redis.url":      {"REDIS_URL"},
	"redis.password": {"REDIS_PASSWORD"},
	"redis.db":       {"REDIS_DB"},
	"redis.prefix":   {"REDIS_PREFIX"},

	"events.type":       {"LINEAGE_EVENTS"},
	"events.max_len":    {"EVENT_MAX_LEN"},
	"events.stream_ttl": {"EVENT_STREAM_TTL"},

	"scheduler.max_parallelism": {"LINEAGE_MAX_PARALLELISM"},
	"scheduler.cache_scope":     {"LINEAGE_CACHE_SCOPE"},
	"scheduler.project":         {"LINEAGE_PROJECT"},
	"scheduler.stack":           {"LINEAGE_STACK"},
	"scheduler.abort_on_cancel": {"LINEAGE_ABORT_ON_CANCEL"},

	"artifacts.id":         {"ARTIFACT_STORE_ID"},
	"artifacts.type":       {"ARTIFACT_STORE_TYPE"},
	"artifacts.bucket":     {"ARTIFACT_STORE_BUCKET"},
	"artifacts.prefix":     {"ARTIFACT_STORE_PREFIX"},
	"artifacts.endpoint":   {"S3_ENDPOINT"},
	"artifacts.region":     {"S3_REGION", "AWS_REGION"},
	"artifacts.access_key": {"S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID"},
	"artifacts.secret_key": {"S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"},
	"artifacts.use_ssl":    {"S3_USE_SSL"},

	"backends.default":        {"LINEAGE_DEFAULT_BACKEND"},
	"backends.enabled":        {"LINEAGE_BACKENDS"},
	"backends.docker_image":   {"DOCKER_DEFAULT_IMAGE"},
	"backends.docker_network": {"DOCKER_NETWORK"},
	"backends.k8s_namespace":  {"K8S_NAMESPACE"},
	"backends.k8s_in_cluster": {"K8S_IN_CLUSTER"},
	"backends.k8s_kubeconfig": {"KUBECONFIG"},
	"backends.k8s_image":      {"K8S_DEFAULT_IMAGE"},

	"tracing.enabled":       {"OTEL_ENABLED"},
	"tracing.service_name":  {"OTEL_SERVICE_NAME"},
	"tracing.otlp_endpoint": {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"tracing.sample_rate":   {"OTEL_SAMPLE_RATE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "7070")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 100.0)
	v.SetDefault("server.rate_limit_burst", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.sqlite_path", "lineage.db")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.prefix", "lineage")

	v.SetDefault("events.type", "")
	v.SetDefault("events.max_len", 5000)
	v.SetDefault("events.stream_ttl", 7*24*time.Hour)

	v.SetDefault("scheduler.max_parallelism", 1)
	v.SetDefault("scheduler.cache_scope", string(fingerprint.ScopePipeline))
	v.SetDefault("scheduler.project", "default")
	v.SetDefault("scheduler.stack", "default")
	v.SetDefault("scheduler.abort_on_cancel", false)

	v.SetDefault("artifacts.id", "default")
	v.SetDefault("artifacts.type", "memory")
	v.SetDefault("artifacts.prefix", "artifacts")

	v.SetDefault("backends.default", "subprocess")
	v.SetDefault("backends.enabled", []string{})
	v.SetDefault("backends.docker_image", "python:3.12-slim")
	v.SetDefault("backends.k8s_namespace", "mentatlab")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", tracing.DefaultConfig().ServiceName)
	v.SetDefault("tracing.otlp_endpoint", tracing.DefaultConfig().OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. An empty path looks for
// lineage.{yaml,toml,json} in the working directory and $HOME/.mentatlab.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lineage")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.mentatlab")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)
	cfg.Backends.Enabled = splitList(cfg.Backends.Enabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList expands comma-separated entries coming from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Store.Type == "postgres" && c.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for the postgres store")
	}
	switch c.Events.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown events type %q", c.Events.Type)
	}
	switch c.Artifacts.Type {
	case "memory", "s3", "minio":
	default:
		return fmt.Errorf("unknown artifact store type %q", c.Artifacts.Type)
	}
	if c.Scheduler.MaxParallelism < 0 {
		return errors.New("max parallelism must be >= 0")
	}
	if _, err := fingerprint.ParseScope(c.Scheduler.CacheScope); err != nil {
		return err
	}
	known := map[string]bool{"local": true, "subprocess": true, "docker": true, "k8s": true}
	if !known[c.Backends.Default] {
		return fmt.Errorf("unknown default backend %q", c.Backends.Default)
	}
	for _, b := range c.Backends.Enabled {
		if !known[b] {
			return fmt.Errorf("unknown backend %q", b)
		}
	}
	return nil
}

// EventsType resolves the event bus type. Unset follows the metadata store:
// redis when the store is redis, memory otherwise.
func (c *Config) EventsType() string {
	if c.Events.Type != "" {
		return c.Events.Type
	}
	if c.Store.Type == "redis" {
		return "redis"
	}
	return "memory"
}

// BackendEnabled reports whether the named backend should be constructed.
func (c *Config) BackendEnabled(name string) bool {
	if name == "local" || name == c.Backends.Default {
		return true
	}
	for _, b := range c.Backends.Enabled {
		if b == name {
			return true
		}
	}
	return false
}

func (c *Config) RedisOptions() *runstore.RedisConfig {
	rc := runstore.DefaultRedisConfig()
	rc.URL = c.Redis.URL
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	if c.Redis.Prefix != "" {
		rc.Prefix = c.Redis.Prefix
	}
	return rc
}

// SQLOptions returns the database settings for the postgres or sqlite store.
func (c *Config) SQLOptions() sqlstore.Config {
	sc := sqlstore.DefaultConfig()
	if c.Store.Type == "postgres" {
		sc.Dialect = sqlstore.Postgres
		sc.URL = c.Store.DatabaseURL
		return sc
	}
	sc.Dialect = sqlstore.SQLite
	sc.URL = c.Store.SQLitePath
	return sc
}

func (c *Config) EventBusOptions() *events.RedisBusConfig {
	return &events.RedisBusConfig{
		Prefix: c.Redis.Prefix,
		MaxLen: c.Events.MaxLen,
		TTL:    c.Events.StreamTTL,
	}
}

func (c *Config) ArtifactOptions() *dataflow.Config {
	return &dataflow.Config{
		ID:              c.Artifacts.ID,
		Type:            c.Artifacts.Type,
		Endpoint:        c.Artifacts.Endpoint,
		Bucket:          c.Artifacts.Bucket,
		Region:          c.Artifacts.Region,
		AccessKeyID:     c.Artifacts.AccessKey,
		SecretAccessKey: c.Artifacts.SecretKey,
		UseSSL:          c.Artifacts.UseSSL,
		PathPrefix:      c.Artifacts.Prefix,
	}
}

func (c *Config) SchedulerOptions() *scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.MaxParallelism = c.Scheduler.MaxParallelism
	// Validate has already rejected unknown scopes.
	sc.CacheScope, _ = fingerprint.ParseScope(c.Scheduler.CacheScope)
	sc.Project = c.Scheduler.Project
	sc.Stack = c.Scheduler.Stack
	sc.AbortOnCancel = c.Scheduler.AbortOnCancel
	return sc
}

func (c *Config) DockerOptions() *driver.DockerConfig {
	return &driver.DockerConfig{
		DefaultImage: c.Backends.DockerImage,
		Network:      c.Backends.DockerNetwork,
	}
}

func (c *Config) K8sOptions() *driver.K8sBackendConfig {
	kc := k8s.DefaultConfig()
	kc.InCluster = c.Backends.K8sInCluster
	kc.Namespace = c.Backends.K8sNamespace
	if c.Backends.K8sKubeconfig != "" {
		kc.Kubeconfig = c.Backends.K8sKubeconfig
	}
	return &driver.K8sBackendConfig{
		K8sConfig:    kc,
		DefaultImage: c.Backends.K8sImage,
	}
}

func (c *Config) TracingOptions(version string) *tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = c.Tracing.Enabled
	tc.ServiceName = c.Tracing.ServiceName
	tc.ServiceVersion = version
	tc.OTLPEndpoint = c.Tracing.OTLPEndpoint
	tc.SampleRate = c.Tracing.SampleRate
	return tc
}
