// Package config provides configuration management for the consolidation service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/limiquantix/consolidation/internal/capacity"
	"github.com/limiquantix/consolidation/internal/detector"
	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/scheduler"
	"github.com/limiquantix/consolidation/internal/selection"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Capacity   capacity.Config  `mapstructure:"capacity"`
	Detector   detector.Config  `mapstructure:"detector"`
	Scheduler  scheduler.Config `mapstructure:"scheduler"`
	Selection  selection.Config `mapstructure:"selection"`
	DRS        DRSConfig        `mapstructure:"drs"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Datacenter DatacenterConfig `mapstructure:"datacenter"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL configuration. When disabled,
// recommendations are kept in memory.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by migrations.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// EtcdConfig holds etcd configuration used for leader election.
type EtcdConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ElectionPrefix string        `mapstructure:"election_prefix"`
	SessionTTL     int           `mapstructure:"session_ttl"`
}

// RedisConfig holds Redis configuration used to publish plans.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Channel   string        `mapstructure:"channel"`
	LatestKey string        `mapstructure:"latest_key"`
	LatestTTL time.Duration `mapstructure:"latest_ttl"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Automation levels.
const (
	// AutomationManual stores recommendations and waits for approval.
	AutomationManual = "manual"
	// AutomationFull applies every recommendation right away.
	AutomationFull = "full"
)

// DRSConfig holds the consolidation engine configuration.
type DRSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AutomationLevel string        `mapstructure:"automation_level"`
	Interval        time.Duration `mapstructure:"interval"`
	Retention       time.Duration `mapstructure:"retention"`
}

// Workload kinds.
const (
	WorkloadConstant   = "constant"
	WorkloadRandomWalk = "random_walk"
)

// WorkloadConfig controls the utilization trace every VM follows.
type WorkloadConfig struct {
	Kind string `mapstructure:"kind"`
	// Initial is the starting utilization of every VM.
	Initial float64 `mapstructure:"initial"`
	// StdDev is the step size of the random walk.
	StdDev float64 `mapstructure:"stddev"`
}

// SimulationConfig holds the simulation driver configuration.
type SimulationConfig struct {
	// Duration and SchedulingInterval are in simulated seconds.
	Duration           float64        `mapstructure:"duration"`
	SchedulingInterval float64        `mapstructure:"scheduling_interval"`
	HistorySize        int            `mapstructure:"history_size"`
	Seed               int64          `mapstructure:"seed"`
	Workload           WorkloadConfig `mapstructure:"workload"`
}

// HostGroup describes Count identical hosts.
type HostGroup struct {
	Name        string    `mapstructure:"name"`
	Count       int       `mapstructure:"count"`
	Pes         int       `mapstructure:"pes"`
	PeMips      float64   `mapstructure:"pe_mips"`
	RAM         int64     `mapstructure:"ram"`
	BW          int64     `mapstructure:"bw"`
	MaxPower    float64   `mapstructure:"max_power"`
	StaticPower float64   `mapstructure:"static_power"`
	PowerTable  []float64 `mapstructure:"power_table"`
}

// PowerModel returns the table model when a table is given, else the linear one.
func (g HostGroup) PowerModel() domain.PowerModel {
	if len(g.PowerTable) > 0 {
		return domain.TablePowerModel{Watts: g.PowerTable}
	}
	return domain.LinearPowerModel{MaxPower: g.MaxPower, StaticPower: g.StaticPower}
}

// VMGroup describes Count identical VMs.
type VMGroup struct {
	Name  string  `mapstructure:"name"`
	Count int     `mapstructure:"count"`
	Pes   int     `mapstructure:"pes"`
	Mips  float64 `mapstructure:"mips"`
	RAM   int64   `mapstructure:"ram"`
	BW    int64   `mapstructure:"bw"`
}

// DatacenterConfig describes the simulated hardware.
type DatacenterConfig struct {
	Name  string      `mapstructure:"name"`
	Hosts []HostGroup `mapstructure:"hosts"`
	VMs   []VMGroup   `mapstructure:"vms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("CONSOLIDATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The detector predicts in planning steps, so it follows the simulation
	// unless configured on its own.
	if !v.IsSet("detector.scheduling_interval") {
		cfg.Detector.SchedulingInterval = cfg.Simulation.SchedulingInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration values outside their domain.
func (c *Config) Validate() error {
	if err := c.Capacity.Validate(); err != nil {
		return fmt.Errorf("capacity: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := selection.New(c.Selection); err != nil {
		return fmt.Errorf("selection: %w", err)
	}

	switch c.DRS.AutomationLevel {
	case AutomationManual, AutomationFull:
	default:
		return invalid("drs.automation_level must be %q or %q, got %q", AutomationManual, AutomationFull, c.DRS.AutomationLevel)
	}

	s := c.Simulation
	if s.Duration <= 0 || s.SchedulingInterval <= 0 {
		return invalid("simulation duration and scheduling_interval must be positive")
	}
	if s.HistorySize <= 0 {
		return invalid("simulation.history_size must be positive, got %d", s.HistorySize)
	}
	switch s.Workload.Kind {
	case WorkloadConstant, WorkloadRandomWalk:
	default:
		return invalid("unknown workload kind %q", s.Workload.Kind)
	}
	if s.Workload.Initial < 0 || s.Workload.Initial > 1 {
		return invalid("simulation.workload.initial must be in [0, 1], got %v", s.Workload.Initial)
	}
	if s.Workload.StdDev < 0 {
		return invalid("simulation.workload.stddev must not be negative, got %v", s.Workload.StdDev)
	}

	if len(c.Datacenter.Hosts) == 0 {
		return invalid("datacenter needs at least one host group")
	}
	for i, g := range c.Datacenter.Hosts {
		if g.Count <= 0 || g.Pes <= 0 || g.PeMips <= 0 {
			return invalid("datacenter.hosts[%d]: count, pes and pe_mips must be positive", i)
		}
		if len(g.PowerTable) == 0 && (g.MaxPower <= 0 || g.StaticPower < 0 || g.StaticPower > g.MaxPower) {
			return invalid("datacenter.hosts[%d]: need 0 <= static_power <= max_power and max_power > 0", i)
		}
		if len(g.PowerTable) == 1 {
			return invalid("datacenter.hosts[%d]: power_table needs at least 2 entries", i)
		}
	}
	for i, g := range c.Datacenter.VMs {
		if g.Count <= 0 || g.Pes <= 0 || g.Mips <= 0 {
			return invalid("datacenter.vms[%d]: count, pes and mips must be positive", i)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "consolidation")
	v.SetDefault("database.user", "consolidation")
	v.SetDefault("database.password", "consolidation")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.election_prefix", "/consolidation/leader")
	v.SetDefault("etcd.session_ttl", 10)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "consolidation:plans")
	v.SetDefault("redis.latest_key", "consolidation:plan:latest")
	v.SetDefault("redis.latest_ttl", "1h")

	// Capacity
	v.SetDefault("capacity.mode", string(capacity.ModeTimeShared))
	v.SetDefault("capacity.migration_overhead", capacity.DefaultMigrationOverhead)

	// Detector
	v.SetDefault("detector.kind", string(detector.KindLocalRegression))
	v.SetDefault("detector.static_threshold", detector.DefaultStaticThreshold)
	v.SetDefault("detector.under_threshold", detector.DefaultUnderThreshold)
	v.SetDefault("detector.safety_parameter", 0)

	// Scheduler
	v.SetDefault("scheduler.placement_strategy", scheduler.StrategyMinPower)
	v.SetDefault("scheduler.allow_inactive_hosts", true)

	// Selection
	v.SetDefault("selection.policy", selection.MinimumMigrationTime)
	v.SetDefault("selection.seed", 1)

	// DRS
	v.SetDefault("drs.enabled", true)
	v.SetDefault("drs.automation_level", AutomationFull)
	v.SetDefault("drs.interval", "5m")
	v.SetDefault("drs.retention", "24h")

	// Simulation
	v.SetDefault("simulation.duration", 86400)
	v.SetDefault("simulation.scheduling_interval", detector.DefaultSchedulingInterval)
	v.SetDefault("simulation.history_size", 30)
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.workload.kind", WorkloadRandomWalk)
	v.SetDefault("simulation.workload.initial", 0.5)
	v.SetDefault("simulation.workload.stddev", 0.1)

	// Datacenter
	v.SetDefault("datacenter.name", "dc-1")
	v.SetDefault("datacenter.hosts", []map[string]any{
		{"name": "g4", "count": 4, "pes": 2, "pe_mips": 1860, "ram": 4096, "bw": 1000,
			"power_table": []float64{86, 89.4, 92.6, 96, 99.5, 102, 106, 108, 112, 114, 117}},
		{"name": "g5", "count": 4, "pes": 2, "pe_mips": 2660, "ram": 4096, "bw": 1000,
			"power_table": []float64{93.7, 97, 101, 105, 110, 116, 121, 125, 129, 133, 135}},
	})
	v.SetDefault("datacenter.vms", []map[string]any{
		{"name": "micro", "count": 6, "pes": 1, "mips": 500, "ram": 613, "bw": 100},
		{"name": "small", "count": 6, "pes": 1, "mips": 1000, "ram": 1740, "bw": 100},
	})

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
