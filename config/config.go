// Package config loads the YAML configuration of a relay process: the
// engine settings, the MessageBox and lease stores, logging, and the
// provisioned adapter instances.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/adapters/crm"
	"github.com/erfanmomeniii/relay/adapters/csvblob"
	"github.com/erfanmomeniii/relay/adapters/dynamics"
	"github.com/erfanmomeniii/relay/adapters/sap"
	"github.com/erfanmomeniii/relay/adapters/sqltable"
	"github.com/erfanmomeniii/relay/internal/logger"
)

// Environment overrides applied after the file is parsed.
const (
	EnvDatabaseDSN = "RELAY_DATABASE_DSN"
	EnvRedisAddr   = "RELAY_REDIS_ADDR"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Polling presets.
const (
	PollingFast = "fast"
	PollingSlow = "slow"
)

type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	Store     StoreConfig      `yaml:"store"`
	Leases    LeaseConfig      `yaml:"leases"`
	Logging   logger.Config    `yaml:"logging"`
	Instances []InstanceConfig `yaml:"instances"`
}

type EngineConfig struct {
	// SweepInterval is the period of the MessageBox purge. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	RenewalInterval  time.Duration `yaml:"renewal_interval"`
	RenewalThreshold time.Duration `yaml:"renewal_threshold"`
	LockRetention    time.Duration `yaml:"lock_retention"`

	Retry RetryConfig `yaml:"retry"`

	// RequestsPerSecond gives every instance its own token bucket. Zero
	// disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// WriteTimeout bounds every destination write. Zero disables it.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// DeadLetterSize bounds the in-memory queue of skipped rows.
	// Default: 1000.
	DeadLetterSize int `yaml:"dead_letter_size"`
}

// RetryConfig overrides fields of relay.DefaultRetryPolicy. Zero values keep
// the default.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres". Default: memory.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// AutoMigrate creates the MessageBox tables on start.
	AutoMigrate bool `yaml:"auto_migrate"`
}

type LeaseConfig struct {
	// Driver is "memory" or "redis". Default: memory.
	Driver   string `yaml:"driver"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// InstanceConfig provisions one adapter instance. Exactly the protocol
// section matching Adapter is read.
type InstanceConfig struct {
	ID        string     `yaml:"id"`
	Adapter   string     `yaml:"adapter"`
	Role      relay.Role `yaml:"role"`
	Interface string     `yaml:"interface"`
	Name      string     `yaml:"name"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Interval is the polling period. Polling names a preset instead.
	Interval time.Duration `yaml:"interval"`
	Polling  string        `yaml:"polling"`

	BatchSize   int    `yaml:"batch_size"`
	Locator     string `yaml:"locator"`
	NewestFirst bool   `yaml:"newest_first"`

	// RequiredColumns rejects source rows with an empty value in any of
	// these columns.
	RequiredColumns []string `yaml:"required_columns"`

	Dedup *DedupConfig `yaml:"dedup"`

	CSV      *CSVConfig       `yaml:"csv"`
	SQL      *sqltable.Config `yaml:"sql"`
	SAP      *sap.Config      `yaml:"sap"`
	CRM      *crm.Config      `yaml:"crm"`
	Dynamics *dynamics.Config `yaml:"dynamics"`
}

// DedupConfig drops source rows already stored within TTL.
type DedupConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`

	// Keys are the identifying columns. Empty hashes the whole row.
	Keys []string `yaml:"keys"`
}

// CSVConfig is csvblob.Config plus the local root directory used when no
// SFTP section is given.
type CSVConfig struct {
	csvblob.Config `yaml:",inline"`
	Root           string `yaml:"root"`
}

// Load reads, overrides from the environment and validates the file at
// path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if dsn := strings.TrimSpace(getenv(EnvDatabaseDSN)); dsn != "" {
		c.Store.DSN = dsn
	}
	if addr := strings.TrimSpace(getenv(EnvRedisAddr)); addr != "" {
		c.Leases.Addr = addr
	}
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.Dynamics == nil {
			continue
		}
		if secret := getenv(SecretEnv(inst.ID)); secret != "" {
			inst.Dynamics.ClientSecret = secret
		}
	}
}

// SecretEnv returns the variable overriding the client secret of the
// instance id: RELAY_<ID>_CLIENT_SECRET with every character outside
// [A-Z0-9] replaced by an underscore.
func SecretEnv(id string) string {
	name := strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, id)
	return "RELAY_" + name + "_CLIENT_SECRET"
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error

	if err := c.validateEngine(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.validateStore(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.validateLeases(); err != nil {
		errs = append(errs, fmt.Errorf("leases: %w", err))
	}
	if len(c.Instances) == 0 {
		errs = append(errs, errors.New("instances: at least one instance is required"))
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		label := fmt.Sprintf("instances[%d]", i)
		if inst.ID != "" {
			label = fmt.Sprintf("instance %q", inst.ID)
			if seen[inst.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", label))
			}
			seen[inst.ID] = true
		}
		if err := inst.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) validateEngine() error {
	var errs []error
	e := c.Engine
	for name, d := range map[string]time.Duration{
		"sweep_interval":    e.SweepInterval,
		"renewal_interval":  e.RenewalInterval,
		"renewal_threshold": e.RenewalThreshold,
		"lock_retention":    e.LockRetention,
		"write_timeout":     e.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	if e.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests_per_second cannot be negative"))
	}
	if e.DeadLetterSize < 0 {
		errs = append(errs, errors.New("dead_letter_size cannot be negative"))
	}
	r := e.Retry
	if r.MaxAttempts < 0 || r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, errors.New("retry values cannot be negative"))
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, errors.New("retry jitter must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

func (c Config) validateStore() error {
	switch c.Store.Driver {
	case "", DriverMemory:
		return nil
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("dsn is required (or set %s)", EnvDatabaseDSN)
		}
		return nil
	default:
		return fmt.Errorf("unknown driver %q", c.Store.Driver)
	}
}

func (c Config) validateLeases() error {
	switch c.Leases.Driver {
	case "", DriverMemory:
		return nil
	case DriverRedis:
		if c.Leases.Addr == "" {
			return fmt.Errorf("addr is required (or set %s)", EnvRedisAddr)
		}
		if c.Leases.DB < 0 {
			return errors.New("db cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("unknown driver %q", c.Leases.Driver)
	}
}

func (i InstanceConfig) validate() error {
	var errs []error
	if err := i.Instance().Validate(); err != nil {
		var cfgErr *relay.ConfigError
		if errors.As(err, &cfgErr) {
			err = cfgErr.Err
		}
		errs = append(errs, err)
	}
	if strings.TrimSpace(i.Locator) == "" {
		errs = append(errs, errors.New("locator is required"))
	}
	if i.Interval < 0 {
		errs = append(errs, errors.New("interval cannot be negative"))
	}
	switch i.Polling {
	case "", PollingFast, PollingSlow:
	default:
		errs = append(errs, fmt.Errorf("unknown polling preset %q", i.Polling))
	}
	if i.Dedup != nil && (i.Dedup.TTL < 0 || i.Dedup.MaxSize < 0) {
		errs = append(errs, errors.New("dedup values cannot be negative"))
	}

	name, known := AdapterName(i.Adapter)
	switch {
	case i.Adapter == "":
	case !known:
		errs = append(errs, fmt.Errorf("unknown adapter %q", i.Adapter))
	case !i.hasSection(name):
		errs = append(errs, fmt.Errorf("adapter %s requires its %q section", name, sectionOf(name)))
	}
	return errors.Join(errs...)
}

// AdapterName returns the canonical spelling of an adapter name, matched
// case-insensitively.
func AdapterName(name string) (string, bool) {
	for _, known := range []string{csvblob.Name, sqltable.Name, sap.Name, crm.Name, dynamics.Name} {
		if strings.EqualFold(name, known) {
			return known, true
		}
	}
	return name, false
}

func sectionOf(adapter string) string {
	switch adapter {
	case csvblob.Name:
		return "csv"
	case sqltable.Name:
		return "sql"
	case sap.Name:
		return "sap"
	case crm.Name:
		return "crm"
	case dynamics.Name:
		return "dynamics"
	}
	return ""
}

func (i InstanceConfig) hasSection(adapter string) bool {
	switch adapter {
	case csvblob.Name:
		return i.CSV != nil
	case sqltable.Name:
		return i.SQL != nil
	case sap.Name:
		return i.SAP != nil
	case crm.Name:
		return i.CRM != nil
	case dynamics.Name:
		return i.Dynamics != nil
	}
	return false
}

// Instance returns the relay instance i provisions.
func (i InstanceConfig) Instance() relay.Instance {
	name, _ := AdapterName(i.Adapter)
	enabled := i.Enabled == nil || *i.Enabled
	display := i.Name
	if display == "" {
		display = i.ID
	}
	return relay.Instance{
		ID:                 i.ID,
		AdapterName:        name,
		Role:               i.Role,
		InterfaceName:      i.Interface,
		Name:               display,
		Enabled:            enabled,
		Locator:            i.Locator,
		BatchSize:          i.BatchSize,
		ProcessNewestFirst: i.NewestFirst,
	}
}

// Find returns the instance configuration with id.
func (c *Config) Find(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}
