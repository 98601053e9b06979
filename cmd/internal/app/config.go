package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/realtime"
)

// Store kinds accepted by RELAY_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// ConfigFileEnv names the env var pointing at an optional YAML config file.
const ConfigFileEnv = "RELAY_CONFIG_FILE"

// Config contains all runtime configuration.
//
// Values are resolved in order: built-in defaults, the optional YAML file,
// then RELAY_* environment variables.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`

	// Store is memory, postgres or sqlite. Empty infers it from DatabaseURL
	// and SQLitePath.
	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	DBSchema    string `yaml:"db_schema"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	SQLitePath  string `yaml:"sqlite_path"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	// If true, /readyz returns 503 unless a database store is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	WriteRetries   int           `yaml:"write_retries"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	PublishQueue   int           `yaml:"publish_queue"`
	PublishWorkers int           `yaml:"publish_workers"`

	NATSURL       string   `yaml:"nats_url"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	WSDevInsecure       bool          `yaml:"ws_dev_insecure"`
	WSOriginRequired    bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins    []string      `yaml:"ws_allowed_origins"`
	WSSendQueue         int           `yaml:"ws_send_queue"`
	WSWriteTimeout      time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout   time.Duration `yaml:"ws_read_idle_timeout"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSHeartbeatTimeout  time.Duration `yaml:"ws_heartbeat_timeout"`
	WSRateEvents        int           `yaml:"ws_rate_events"`
	WSRateWindow        time.Duration `yaml:"ws_rate_window"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	ws := realtime.DefaultGatewayConfig()
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		MaxBodyBytes:      64 << 10,

		DBSchema:   "relay",
		DBMaxConns: 10,

		WriteRetries:   5,
		PublishTimeout: 5 * time.Second,
		PublishQueue:   1024,
		PublishWorkers: 4,

		KafkaTopic: "relay-events",

		CORSMaxAgeSeconds: 600,

		WSOriginRequired:    ws.OriginRequired,
		WSAllowedOrigins:    ws.AllowedOrigins,
		WSSendQueue:         ws.SendQueueSize,
		WSWriteTimeout:      ws.WriteTimeout,
		WSReadIdleTimeout:   ws.ReadIdleTimeout,
		WSHeartbeatInterval: ws.HeartbeatInterval,
		WSHeartbeatTimeout:  ws.HeartbeatTimeout,
		WSRateEvents:        ws.RateEvents,
		WSRateWindow:        ws.RateWindow,
	}
}

// LoadConfig resolves the configuration. path overrides RELAY_CONFIG_FILE;
// when both are empty no file is read.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) == "" {
		path = EnvString(ConfigFileEnv, "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Store = cfg.storeKind()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = EnvString("RELAY_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = EnvString("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString("RELAY_LOG_FORMAT", c.LogFormat)

	c.ReadHeaderTimeout = EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = EnvDuration("RELAY_HTTP_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", c.IdleTimeout)
	c.ShutdownTimeout = EnvDuration("RELAY_HTTP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.MaxHeaderBytes = EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", c.MaxHeaderBytes)
	c.MaxBodyBytes = int64(EnvInt("RELAY_HTTP_MAX_BODY_BYTES", int(c.MaxBodyBytes)))

	c.Store = strings.ToLower(EnvString("RELAY_STORE", c.Store))
	c.DatabaseURL = EnvString("RELAY_DATABASE_URL", c.DatabaseURL)
	c.DBSchema = EnvString("RELAY_DB_SCHEMA", c.DBSchema)
	c.DBMaxConns = EnvInt32("RELAY_DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32("RELAY_DB_MIN_CONNS", c.DBMinConns)
	c.SQLitePath = EnvString("RELAY_SQLITE_PATH", c.SQLitePath)
	c.AutoMigrate = EnvBool("RELAY_DB_AUTO_MIGRATE", c.AutoMigrate)
	c.ReadinessRequireDB = EnvBool("RELAY_READINESS_REQUIRE_DB", c.ReadinessRequireDB)

	c.WriteRetries = EnvInt("RELAY_WRITE_RETRIES", c.WriteRetries)
	c.PublishTimeout = EnvDuration("RELAY_PUBLISH_TIMEOUT", c.PublishTimeout)
	c.PublishQueue = EnvInt("RELAY_PUBLISH_QUEUE", c.PublishQueue)
	c.PublishWorkers = EnvInt("RELAY_PUBLISH_WORKERS", c.PublishWorkers)

	c.NATSURL = EnvString("RELAY_NATS_URL", c.NATSURL)
	c.RedisAddr = EnvString("RELAY_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = EnvString("RELAY_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = EnvInt("RELAY_REDIS_DB", c.RedisDB)
	c.KafkaBrokers = EnvCSV("RELAY_KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = EnvString("RELAY_KAFKA_TOPIC", c.KafkaTopic)

	c.CORSAllowedOrigins = EnvCSV("RELAY_CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.CORSAllowCredentials = EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", c.CORSAllowCredentials)
	c.CORSMaxAgeSeconds = EnvInt("RELAY_CORS_MAX_AGE_SECONDS", c.CORSMaxAgeSeconds)

	c.WSDevInsecure = EnvBool("RELAY_WS_DEV_INSECURE", c.WSDevInsecure)
	c.WSOriginRequired = EnvBool("RELAY_WS_ORIGIN_REQUIRED", c.WSOriginRequired)
	c.WSAllowedOrigins = EnvCSV("RELAY_WS_ALLOWED_ORIGINS", c.WSAllowedOrigins)
	c.WSSendQueue = EnvInt("RELAY_WS_SEND_QUEUE", c.WSSendQueue)
	c.WSWriteTimeout = EnvDuration("RELAY_WS_WRITE_TIMEOUT", c.WSWriteTimeout)
	c.WSReadIdleTimeout = EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", c.WSReadIdleTimeout)
	c.WSHeartbeatInterval = EnvDuration("RELAY_WS_HEARTBEAT_INTERVAL", c.WSHeartbeatInterval)
	c.WSHeartbeatTimeout = EnvDuration("RELAY_WS_HEARTBEAT_TIMEOUT", c.WSHeartbeatTimeout)
	c.WSRateEvents = EnvInt("RELAY_WS_RATE_EVENTS", c.WSRateEvents)
	c.WSRateWindow = EnvDuration("RELAY_WS_RATE_WINDOW", c.WSRateWindow)
}

func (c Config) storeKind() string {
	switch {
	case c.Store != "":
		return c.Store
	case c.DatabaseURL != "":
		return StorePostgres
	case c.SQLitePath != "":
		return StoreSQLite
	default:
		return StoreMemory
	}
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or pretty", c.LogFormat))
	}

	switch c.storeKind() {
	case StoreMemory:
		if c.ReadinessRequireDB {
			errs = append(errs, errors.New("readiness_require_db needs a postgres or sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("store postgres needs database_url"))
		}
		if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
			errs = append(errs, fmt.Errorf("db_min_conns %d exceeds db_max_conns %d", c.DBMinConns, c.DBMaxConns))
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("store sqlite needs sqlite_path"))
		}
	default:
		errs = append(errs, fmt.Errorf("store %q: want memory, postgres or sqlite", c.Store))
	}

	if c.WriteRetries < 0 || c.PublishQueue < 0 || c.PublishWorkers < 0 || c.RedisDB < 0 {
		errs = append(errs, errors.New("write_retries, publish_queue, publish_workers and redis_db must not be negative"))
	}
	if len(c.KafkaBrokers) > 0 &&strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("kafka_brokers set without kafka_topic"))
	}
	if c.WSHeartbeatTimeout > 0 && c.WSHeartbeatInterval > 0 && c.WSHeartbeatTimeout >= c.WSHeartbeatInterval {
		errs = append(errs, errors.New("ws_heartbeat_timeout must be shorter than ws_heartbeat_interval"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// GatewayConfig maps the WS settings onto the gateway's config.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueue,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}
