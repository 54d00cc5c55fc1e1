package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"maintflow/internal/domain"
)

// EnvPrefix is prepended to every environment variable, e.g.
// MAINTFLOW_POSTGRES_PASSWORD for postgres.password.
const EnvPrefix = "MAINTFLOW"

// SocketName is the IPC socket file created under the home directory.
const SocketName = ".tm.socket"

type Postgres struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

type Workers struct {
	VacuumPoolSize  int
	CommandPoolSize int
	// CommandAllow lists the executables the command worker may run.
	CommandAllow []string
}

// Config holds typed configuration for every maintflow command.
type Config struct {
	Home            string
	SocketPath      string
	DBPath          string
	LogLevel        string
	LogFormat       string
	HTTPAddr        string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	PurgeInterval   time.Duration
	Workers         Workers
	Postgres        Postgres
	APIRateLimit    float64
	APIRateBurst    int
	APIDebug        bool
	Bootstrap       []domain.ScheduleRequest
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	home := ".maintflow"
	if h, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(h, ".maintflow")
	}
	v.SetDefault("home", home)
	v.SetDefault("socket_path", "")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("purge_interval", time.Minute)
	v.SetDefault("workers.vacuum.pool_size", 10)
	v.SetDefault("workers.command.pool_size", 2)
	v.SetDefault("workers.command.allow", []string{})
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "postgres")
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.rate_burst", 40)
	v.SetDefault("api.debug", false)
}

// BindEnv makes nested keys reachable from MAINTFLOW_* variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// bootstrapTask is one entry of the bootstrap list in the config file.
type bootstrapTask struct {
	ID      string         `mapstructure:"id"`
	Worker  string         `mapstructure:"worker"`
	Options map[string]any `mapstructure:"options"`
	Start   string         `mapstructure:"start"`
	Redo    string         `mapstructure:"redo"`
	Expire  time.Duration  `mapstructure:"expire"`
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Home:            v.GetString("home"),
		SocketPath:      v.GetString("socket_path"),
		DBPath:          v.GetString("db_path"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		HTTPAddr:        v.GetString("http_addr"),
		MetricsAddr:     v.GetString("metrics_addr"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		PurgeInterval:   v.GetDuration("purge_interval"),
		Workers: Workers{
			VacuumPoolSize:  v.GetInt("workers.vacuum.pool_size"),
			CommandPoolSize: v.GetInt("workers.command.pool_size"),
			CommandAllow:    v.GetStringSlice("workers.command.allow"),
		},
		Postgres: Postgres{
			Host:     v.GetString("postgres.host"),
			Port:     v.GetInt("postgres.port"),
			User:     v.GetString("postgres.user"),
			Password: v.GetString("postgres.password"),
			DBName:   v.GetString("postgres.dbname"),
		},
		APIRateLimit: v.GetFloat64("api.rate_limit"),
		APIRateBurst: v.GetInt("api.rate_burst"),
		APIDebug:     v.GetBool("api.debug"),
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.Home, SocketName)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Home, "tasks.db")
	}

	var entries []bootstrapTask
	if err := v.UnmarshalKey("bootstrap", &entries); err != nil {
		return Config{}, fmt.Errorf("decode bootstrap: %w", err)
	}
	for i, e := range entries {
		req, err := e.request()
		if err != nil {
			return Config{}, fmt.Errorf("bootstrap[%d]: %w", i, err)
		}
		cfg.Bootstrap = append(cfg.Bootstrap, req)
	}
	return cfg, nil
}

func (e bootstrapTask) request() (domain.ScheduleRequest, error) {
	req := domain.ScheduleRequest{
		ID:         e.ID,
		WorkerName: e.Worker,
		Options:    domain.Options(e.Options),
		Redo:       e.Redo,
		Expire:     e.Expire,
	}
	if e.Start != "" {
		start, err := time.Parse(time.RFC3339, e.Start)
		if err != nil {
			return req, fmt.Errorf("start %q: %w", e.Start, err)
		}
		req.StartAt = start
	}
	if req.ID == "" {
		// Without a stable id a bootstrap task would be scheduled again on
		// every start.
		opts, err := json.Marshal(req.Options)
		if err != nil {
			return req, fmt.Errorf("options: %w", err)
		}
		req.ID = domain.TaskID("bootstrap", req.WorkerName, string(opts), e.Start, req.Redo)
	}
	return req, nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home must not be empty")
	}
	if c.Workers.VacuumPoolSize <= 0 {
		return fmt.Errorf("workers.vacuum.pool_size must be positive, got %d", c.Workers.VacuumPoolSize)
	}
	if c.Workers.CommandPoolSize <= 0 {
		return fmt.Errorf("workers.command.pool_size must be positive, got %d", c.Workers.CommandPoolSize)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.PurgeInterval < 0 {
		return fmt.Errorf("purge_interval must not be negative")
	}
	if c.APIRateLimit < 0 || c.APIRateBurst < 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst must not be negative")
	}
	for i, b := range c.Bootstrap {
		if b.WorkerName == "" {
			return fmt.Errorf("bootstrap[%d]: worker is required", i)
		}
		if !domain.ValidTaskID(b.ID) {
			return fmt.Errorf("bootstrap[%d]: id %q is not 8 lowercase hex characters", i, b.ID)
		}
	}
	return nil
}
