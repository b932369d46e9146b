package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda con defaults.
	App struct {
		// dev | staging | prod
		Env         string `yaml:"app_env"`
		ServiceName string `yaml:"service_name"`
		LogLevel    string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"server"`

	Storage struct {
		// postgres | sqlite
		Driver       string `yaml:"driver"`
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"storage"`

	Cache struct {
		// memory | redis
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL time.Duration `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	Security struct {
		// Master key (base64 o hex, 32 bytes) del secretbox. Requerida en center.
		MasterKey string `yaml:"master_key"`
		// Clave HS256 de los tokens de registro de nodos.
		RegistrationKey string        `yaml:"registration_key"`
		TimestampWindow time.Duration `yaml:"timestamp_window"`
		MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
	} `yaml:"security"`

	Secrets struct {
		Lifetime   time.Duration `yaml:"lifetime"`
		CacheTTL   time.Duration `yaml:"cache_ttl"`
		Thresholds struct {
			WarningDays    int `yaml:"warning_days"`
			AutoRotateDays int `yaml:"auto_rotate_days"`
			CriticalDays   int `yaml:"critical_days"`
		} `yaml:"thresholds"`
		AutoRotateExpired bool          `yaml:"auto_rotate_expired"`
		StuckAfter        time.Duration `yaml:"stuck_after"`
	} `yaml:"secrets"`

	Maintenance struct {
		JobTimeout         time.Duration `yaml:"job_timeout"`
		ExpiryInterval     time.Duration `yaml:"expiry_interval"`
		StuckInterval      time.Duration `yaml:"stuck_interval"`
		OfflineInterval    time.Duration `yaml:"offline_interval"`
		RetentionInterval  time.Duration `yaml:"retention_interval"`
		HeartbeatRetention time.Duration `yaml:"heartbeat_retention"`
		AuditRetention     time.Duration `yaml:"audit_retention"`
		CommandRetention   time.Duration `yaml:"command_retention"`
		// edge
		OutboxRetention         time.Duration `yaml:"outbox_retention"`
		OutboxRetentionInterval time.Duration `yaml:"outbox_retention_interval"`
		OutboxRequeueAfter      time.Duration `yaml:"outbox_requeue_after"`
		OutboxRequeueInterval   time.Duration `yaml:"outbox_requeue_interval"`
	} `yaml:"maintenance"`

	SMTP struct {
		Host               string   `yaml:"host"`
		Port               int      `yaml:"port"`
		Username           string   `yaml:"username"`
		Password           string   `yaml:"password"`
		From               string   `yaml:"from"`
		TLS                string   `yaml:"tls"` // auto|starttls|ssl|none
		InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
		To                 []string `yaml:"to"`
		// severidad mínima que se envía por mail: info|warning|critical
		MinSeverity string `yaml:"min_severity"`
	} `yaml:"smtp"`

	Edge struct {
		CenterURL         string        `yaml:"center_url"`
		ServerID          string        `yaml:"server_id"`
		GeoID             string        `yaml:"geo_id"`
		Endpoint          string        `yaml:"endpoint"`
		DBPath            string        `yaml:"db_path"`
		RegistrationToken string        `yaml:"registration_token"`
		Version           string        `yaml:"version"`
		Entities          []string      `yaml:"entities"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PushInterval      time.Duration `yaml:"push_interval"`
		PullInterval      time.Duration `yaml:"pull_interval"`
		BatchSize         int           `yaml:"batch_size"`
		PullLimit         int           `yaml:"pull_limit"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		MaxRetries        int           `yaml:"max_retries"`
		// MetricsAddr sirve /metrics en el edge; vacío lo desactiva.
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"edge"`

	Rate struct {
		Enabled  bool `yaml:"enabled"`
		Register struct {
			Limit  int           `yaml:"limit"`
			Window time.Duration `yaml:"window"`
		} `yaml:"register"`
	} `yaml:"rate"`
}

// Load lee el YAML (si path no está vacío), aplica defaults, overrides de env y valida.
func Load(path string) (*Config, error) {
	var c Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Normalizar db_path del edge (si relativo) respecto al directorio del YAML
	if p := strings.TrimSpace(c.Edge.DBPath); p != "" && path != "" && !filepath.IsAbs(p) {
		c.Edge.DBPath = filepath.Clean(filepath.Join(filepath.Dir(path), p))
	}
	return &c, nil
}

// Default devuelve una config con todos los defaults (útil en tests y CLI).
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.ServiceName == "" {
		c.App.ServiceName = "edgesync"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}

	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "edgesync:"
	}
	if c.Cache.Memory.DefaultTTL == 0 {
		c.Cache.Memory.DefaultTTL = 2 * time.Minute
	}

	if c.Security.TimestampWindow == 0 {
		c.Security.TimestampWindow = 5 * time.Minute
	}
	if c.Security.MaxClockSkew == 0 {
		c.Security.MaxClockSkew = 5 * time.Minute
	}

	if c.Secrets.Lifetime == 0 {
		c.Secrets.Lifetime = 365 * 24 * time.Hour
	}
	if c.Secrets.CacheTTL == 0 {
		c.Secrets.CacheTTL = 30 * time.Second
	}
	if c.Secrets.Thresholds.WarningDays == 0 {
		c.Secrets.Thresholds.WarningDays = 30
	}
	if c.Secrets.Thresholds.AutoRotateDays == 0 {
		c.Secrets.Thresholds.AutoRotateDays = 14
	}
	if c.Secrets.Thresholds.CriticalDays == 0 {
		c.Secrets.Thresholds.CriticalDays = 7
	}
	if c.Secrets.StuckAfter == 0 {
		c.Secrets.StuckAfter = 24 * time.Hour
	}

	m := &c.Maintenance
	if m.JobTimeout == 0 {
		m.JobTimeout = 5 * time.Minute
	}
	if m.ExpiryInterval == 0 {
		m.ExpiryInterval = time.Hour
	}
	if m.StuckInterval == 0 {
		m.StuckInterval = time.Hour
	}
	if m.OfflineInterval == 0 {
		m.OfflineInterval = time.Minute
	}
	if m.RetentionInterval == 0 {
		m.RetentionInterval = 24 * time.Hour
	}
	if m.HeartbeatRetention == 0 {
		m.HeartbeatRetention = 30 * 24 * time.Hour
	}
	if m.AuditRetention == 0 {
		m.AuditRetention = 365 * 24 * time.Hour
	}
	if m.CommandRetention == 0 {
		m.CommandRetention = 7 * 24 * time.Hour
	}
	if m.OutboxRetention == 0 {
		m.OutboxRetention = 7 * 24 * time.Hour
	}
	if m.OutboxRetentionInterval == 0 {
		m.OutboxRetentionInterval = time.Hour
	}
	if m.OutboxRequeueAfter == 0 {
		m.OutboxRequeueAfter = 10 * time.Minute
	}
	if m.OutboxRequeueInterval == 0 {
		m.OutboxRequeueInterval = 5 * time.Minute
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "auto"
	}
	if c.SMTP.MinSeverity == "" {
		c.SMTP.MinSeverity = "critical"
	}

	e := &c.Edge
	if e.DBPath == "" {
		e.DBPath = "./data/edge.db"
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 300 * time.Second
	}
	if e.PushInterval == 0 {
		e.PushInterval = 10 * time.Second
	}
	if e.PullInterval == 0 {
		e.PullInterval = 30 * time.Second
	}
	if e.BatchSize == 0 {
		e.BatchSize = 100
	}
	if e.PullLimit == 0 {
		e.PullLimit = 500
	}
	if e.RequestTimeout == 0 {
		e.RequestTimeout = 15 * time.Second
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}

	if c.Rate.Register.Limit == 0 {
		c.Rate.Register.Limit = 10
	}
	if c.Rate.Register.Window == 0 {
		c.Rate.Register.Window = time.Minute
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func setStr(dst *string, key string) {
	if v, ok := getEnvStr(key); ok {
		*dst = v
	}
}
func setInt(dst *int, key string) {
	if v, ok := getEnvInt(key); ok {
		*dst = v
	}
}
func setDur(dst *time.Duration, key string) {
	if v, ok := getEnvDur(key); ok {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v, ok := getEnvBool(key); ok {
		*dst = v
	}
}

// applyEnvOverrides: pisa el YAML con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	setStr(&c.App.LogLevel, "LOG_LEVEL")

	// SERVER
	setStr(&c.Server.Addr, "SERVER_ADDR")
	setDur(&c.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDur(&c.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	setDur(&c.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	setStr(&c.Storage.DSN, "STORAGE_DSN")
	setInt(&c.Storage.MaxOpenConns, "STORAGE_MAX_OPEN_CONNS")
	setInt(&c.Storage.MaxIdleConns, "STORAGE_MAX_IDLE_CONNS")

	// CACHE
	setStr(&c.Cache.Kind, "CACHE_KIND")
	setStr(&c.Cache.Redis.Addr, "REDIS_ADDR")
	setInt(&c.Cache.Redis.DB, "REDIS_DB")
	setStr(&c.Cache.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Cache.Redis.Prefix, "REDIS_PREFIX")
	setDur(&c.Cache.Memory.DefaultTTL, "CACHE_MEMORY_DEFAULT_TTL")

	// SECURITY
	setStr(&c.Security.MasterKey, "SECRETBOX_MASTER_KEY")
	setStr(&c.Security.RegistrationKey, "REGISTRATION_SIGNING_KEY")
	setDur(&c.Security.TimestampWindow, "SYNC_TIMESTAMP_WINDOW")
	setDur(&c.Security.MaxClockSkew, "SYNC_MAX_CLOCK_SKEW")

	// SECRETS
	setDur(&c.Secrets.Lifetime, "SECRETS_LIFETIME")
	setDur(&c.Secrets.CacheTTL, "SECRETS_CACHE_TTL")
	setInt(&c.Secrets.Thresholds.WarningDays, "SECRETS_WARNING_DAYS")
	setInt(&c.Secrets.Thresholds.AutoRotateDays, "SECRETS_AUTO_ROTATE_DAYS")
	setInt(&c.Secrets.Thresholds.CriticalDays, "SECRETS_CRITICAL_DAYS")
	setBool(&c.Secrets.AutoRotateExpired, "SECRETS_AUTO_ROTATE_EXPIRED")
	setDur(&c.Secrets.StuckAfter, "SECRETS_STUCK_AFTER")

	// MAINTENANCE
	m := &c.Maintenance
	setDur(&m.JobTimeout, "MAINTENANCE_JOB_TIMEOUT")
	setDur(&m.ExpiryInterval, "MAINTENANCE_EXPIRY_INTERVAL")
	setDur(&m.StuckInterval, "MAINTENANCE_STUCK_INTERVAL")
	setDur(&m.OfflineInterval, "MAINTENANCE_OFFLINE_INTERVAL")
	setDur(&m.RetentionInterval, "MAINTENANCE_RETENTION_INTERVAL")
	setDur(&m.HeartbeatRetention, "MAINTENANCE_HEARTBEAT_RETENTION")
	setDur(&m.AuditRetention, "MAINTENANCE_AUDIT_RETENTION")
	setDur(&m.CommandRetention, "MAINTENANCE_COMMAND_RETENTION")
	setDur(&m.OutboxRetention, "MAINTENANCE_OUTBOX_RETENTION")
	setDur(&m.OutboxRequeueAfter, "MAINTENANCE_OUTBOX_REQUEUE_AFTER")

	// SMTP
	setStr(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setStr(&c.SMTP.Username, "SMTP_USERNAME")
	setStr(&c.SMTP.Password, "SMTP_PASSWORD")
	setStr(&c.SMTP.From, "SMTP_FROM")
	if v, ok := getEnvStr("SMTP_TLS"); ok {
		c.SMTP.TLS = strings.ToLower(v) // auto|starttls|ssl|none
	}
	setBool(&c.SMTP.InsecureSkipVerify, "SMTP_INSECURE_SKIP_VERIFY")
	if v, ok := getEnvCSV("NOTIFY_EMAIL_TO"); ok {
		c.SMTP.To = v
	}
	setStr(&c.SMTP.MinSeverity, "NOTIFY_MIN_SEVERITY")

	// EDGE
	e := &c.Edge
	setStr(&e.CenterURL, "EDGE_CENTER_URL")
	setStr(&e.ServerID, "EDGE_SERVER_ID")
	setStr(&e.GeoID, "EDGE_GEO_ID")
	setStr(&e.Endpoint, "EDGE_ENDPOINT")
	setStr(&e.DBPath, "EDGE_DB_PATH")
	setStr(&e.RegistrationToken, "EDGE_REGISTRATION_TOKEN")
	setStr(&e.Version, "EDGE_VERSION")
	if v, ok := getEnvCSV("EDGE_ENTITIES"); ok {
		e.Entities = v
	}
	setDur(&e.HeartbeatInterval, "EDGE_HEARTBEAT_INTERVAL")
	setDur(&e.PushInterval, "EDGE_PUSH_INTERVAL")
	setDur(&e.PullInterval, "EDGE_PULL_INTERVAL")
	setInt(&e.BatchSize, "EDGE_BATCH_SIZE")
	setInt(&e.PullLimit, "EDGE_PULL_LIMIT")
	setDur(&e.RequestTimeout, "EDGE_REQUEST_TIMEOUT")
	setInt(&e.MaxRetries, "EDGE_MAX_RETRIES")
	setStr(&e.MetricsAddr, "EDGE_METRICS_ADDR")

	// RATE
	setBool(&c.Rate.Enabled, "RATE_ENABLED")
	setInt(&c.Rate.Register.Limit, "RATE_REGISTER_LIMIT")
	setDur(&c.Rate.Register.Window, "RATE_REGISTER_WINDOW")
}

// Validate revisa valores comunes a center y edge.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: expected postgres|sqlite", c.Storage.Driver))
	}
	switch c.Cache.Kind {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.kind %q: expected memory|redis", c.Cache.Kind))
	}
	if c.Cache.Kind == "redis" && strings.TrimSpace(c.Cache.Redis.Addr) == "" {
		errs = append(errs, errors.New("cache.redis.addr required when cache.kind=redis"))
	}
	if c.Security.TimestampWindow <= 0 {
		errs = append(errs, errors.New("security.timestamp_window must be > 0"))
	}
	if c.Security.MaxClockSkew < 0 {
		errs = append(errs, errors.New("security.max_clock_skew must be >= 0"))
	}
	th := c.Secrets.Thresholds
	if !(th.CriticalDays < th.AutoRotateDays && th.AutoRotateDays < th.WarningDays) {
		errs = append(errs, fmt.Errorf("secrets.thresholds: expected critical(%d) < auto_rotate(%d) < warning(%d)",
			th.CriticalDays, th.AutoRotateDays, th.WarningDays))
	}
	if c.Secrets.Lifetime <= 0 {
		errs = append(errs, errors.New("secrets.lifetime must be > 0"))
	}
	if c.Edge.BatchSize <= 0 || c.Edge.PullLimit <= 0 {
		errs = append(errs, errors.New("edge.batch_size and edge.pull_limit must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateCenter exige lo que el proceso central necesita para arrancar.
func (c *Config) ValidateCenter() error {
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("config: storage.dsn required")
	}
	if strings.TrimSpace(c.Security.MasterKey) == "" {
		return errors.New("config: security.master_key (SECRETBOX_MASTER_KEY) required")
	}
	return nil
}

// ValidateEdge exige identidad y center_url en el edge.
func (c *Config) ValidateEdge() error {
	var missing []string
	if strings.TrimSpace(c.Edge.CenterURL) == "" {
		missing = append(missing, "edge.center_url")
	}
	if strings.TrimSpace(c.Edge.ServerID) == "" {
		missing = append(missing, "edge.server_id")
	}
	if strings.TrimSpace(c.Edge.GeoID) == "" {
		missing = append(missing, "edge.geo_id")
	}
	if strings.TrimSpace(c.Security.MasterKey) == "" {
		missing = append(missing, "security.master_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}
