package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/coordinator/pkg/types"
)

// Config represents the complete configuration for the coordinator.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Pool        PoolConfig        `yaml:"pool"`
	Bus         BusConfig         `yaml:"bus"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	SLO         SLOConfig         `yaml:"slo"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Store       StoreConfig       `yaml:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the REST control surface configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"COORD_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"COORD_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"COORD_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"COORD_SERVER_ENABLE_CORS"`
}

// SchedulerConfig holds priority queue tuning.
type SchedulerConfig struct {
	// AgingInterval is how long a task must sit queued to earn one boost.
	AgingInterval time.Duration `yaml:"aging_interval" env:"COORD_SCHED_AGING_INTERVAL"`
	// BoostFactor is the priority added per whole aging interval.
	BoostFactor float64 `yaml:"boost_factor" env:"COORD_SCHED_BOOST_FACTOR"`
	// PreemptionMargin is how far a newcomer must outrank the weakest
	// running preemptible task before preemption fires.
	PreemptionMargin float64 `yaml:"preemption_margin" env:"COORD_SCHED_PREEMPTION_MARGIN"`
	// OverflowThreshold is the queue depth that triggers emergency shedding.
	OverflowThreshold int `yaml:"overflow_threshold" env:"COORD_SCHED_OVERFLOW_THRESHOLD"`
	// DispatchInterval is the cadence of the dispatch/aging loop.
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"COORD_SCHED_DISPATCH_INTERVAL"`
}

// PoolConfig holds execution slot pool tuning.
type PoolConfig struct {
	Capacity     int           `yaml:"capacity" env:"COORD_POOL_CAPACITY"`
	SlotCPU      float64       `yaml:"slot_cpu" env:"COORD_POOL_SLOT_CPU"`
	SlotMemoryMB int           `yaml:"slot_memory_mb" env:"COORD_POOL_SLOT_MEMORY_MB"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" env:"COORD_POOL_LEASE_TTL"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"COORD_POOL_REAP_INTERVAL"`
	// HighWater/LowWater are the utilization watermarks; staying past one
	// for SustainWindow produces a scale recommendation.
	HighWater     float64       `yaml:"high_water" env:"COORD_POOL_HIGH_WATER"`
	LowWater      float64       `yaml:"low_water" env:"COORD_POOL_LOW_WATER"`
	SustainWindow time.Duration `yaml:"sustain_window" env:"COORD_POOL_SUSTAIN_WINDOW"`
}

// BusConfig holds message bus tuning.
type BusConfig struct {
	DedupWindow       time.Duration `yaml:"dedup_window" env:"COORD_BUS_DEDUP_WINDOW"`
	DedupMaxEntries   int           `yaml:"dedup_max_entries" env:"COORD_BUS_DEDUP_MAX_ENTRIES"`
	AggregationWindow time.Duration `yaml:"aggregation_window" env:"COORD_BUS_AGGREGATION_WINDOW"`
	RateWindow        time.Duration `yaml:"rate_window" env:"COORD_BUS_RATE_WINDOW"`
	RateThreshold     int           `yaml:"rate_threshold" env:"COORD_BUS_RATE_THRESHOLD"`
	MaxAttempts       int           `yaml:"max_attempts" env:"COORD_BUS_MAX_ATTEMPTS"`
	BackoffBase       time.Duration `yaml:"backoff_base" env:"COORD_BUS_BACKOFF_BASE"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"COORD_BUS_BACKOFF_MAX"`
	TargetQueueSize   int           `yaml:"target_queue_size" env:"COORD_BUS_TARGET_QUEUE_SIZE"`
	// ReorderWindow is how long an out-of-sequence envelope may wait for
	// its predecessors before being delivered anyway.
	ReorderWindow time.Duration `yaml:"reorder_window" env:"COORD_BUS_REORDER_WINDOW"`
}

// WorkflowConfig holds orchestrator defaults applied to submitted
// definitions that leave them unset.
type WorkflowConfig struct {
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"COORD_WF_DEFAULT_STEP_TIMEOUT"`
	DefaultMaxRetries  int           `yaml:"default_max_retries" env:"COORD_WF_DEFAULT_MAX_RETRIES"`
	// StepBackoff is the pause between retries of a failed step attempt.
	StepBackoff time.Duration `yaml:"step_backoff" env:"COORD_WF_STEP_BACKOFF"`
	// Retention is how long terminal instances stay before archival.
	Retention time.Duration `yaml:"retention" env:"COORD_WF_RETENTION"`
}

// SLOConfig holds objective thresholds and sampling cadence.
type SLOConfig struct {
	SampleInterval        time.Duration `yaml:"sample_interval" env:"COORD_SLO_SAMPLE_INTERVAL"`
	ParallelizationTarget float64       `yaml:"parallelization_target" env:"COORD_SLO_PARALLELIZATION_TARGET"`
	OverheadCeiling       float64       `yaml:"overhead_ceiling" env:"COORD_SLO_OVERHEAD_CEILING"`
	// ViolationStreak is how many consecutive breaching samples trigger
	// escalation.
	ViolationStreak int `yaml:"violation_streak" env:"COORD_SLO_VIOLATION_STREAK"`
}

// RecoveryConfig holds retry budgets and the escalation chain.
type RecoveryConfig struct {
	RetryCeiling int               `yaml:"retry_ceiling" env:"COORD_RECOVERY_RETRY_CEILING"`
	BackoffBase  time.Duration     `yaml:"backoff_base" env:"COORD_RECOVERY_BACKOFF_BASE"`
	Chain        []types.Recipient `yaml:"chain"`
	// Severity timeouts apply to chain positions without their own deadline.
	InfoTimeout     time.Duration `yaml:"info_timeout" env:"COORD_RECOVERY_INFO_TIMEOUT"`
	WarningTimeout  time.Duration `yaml:"warning_timeout" env:"COORD_RECOVERY_WARNING_TIMEOUT"`
	CriticalTimeout time.Duration `yaml:"critical_timeout" env:"COORD_RECOVERY_CRITICAL_TIMEOUT"`
}

// LevelDeadline returns the response deadline for one chain position,
// falling back to the severity default when the recipient has none.
func (c *RecoveryConfig) LevelDeadline(r types.Recipient, severity types.Severity) time.Duration {
	if r.Deadline > 0 {
		return r.Deadline
	}
	switch severity {
	case types.SeverityCritical:
		return c.CriticalTimeout
	case types.SeverityWarning:
		return c.WarningTimeout
	}
	return c.InfoTimeout
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	Backend    string      `yaml:"backend" env:"COORD_STORE_BACKEND"` // memory, sqlite, redis
	SQLitePath string      `yaml:"sqlite_path" env:"COORD_STORE_SQLITE_PATH"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis store backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"COORD_STORE_REDIS_ADDR"`
	Password string `yaml:"password" env:"COORD_STORE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"COORD_STORE_REDIS_DB"`
}

// MaintenanceConfig holds the cron schedules for background upkeep.
type MaintenanceConfig struct {
	// ArchiveSchedule moves terminal instances past retention into the
	// archive. Standard cron syntax plus @every forms.
	ArchiveSchedule string `yaml:"archive_schedule" env:"COORD_MAINT_ARCHIVE_SCHEDULE"`
	// SweepSchedule expires old dead letters and reaps stale leases.
	SweepSchedule string        `yaml:"sweep_schedule" env:"COORD_MAINT_SWEEP_SCHEDULE"`
	DeadLetterTTL time.Duration `yaml:"dead_letter_ttl" env:"COORD_MAINT_DEAD_LETTER_TTL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"COORD_LOG_LEVEL"`
	Format     string `yaml:"format" env:"COORD_LOG_FORMAT"`
	Output     string `yaml:"output" env:"COORD_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"COORD_LOG_FILE"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   false,
		},
		Scheduler: SchedulerConfig{
			AgingInterval:     30 * time.Second,
			BoostFactor:       5,
			PreemptionMargin:  50,
			OverflowThreshold: 100,
			DispatchInterval:  200 * time.Millisecond,
		},
		Pool: PoolConfig{
			Capacity:      8,
			SlotCPU:       1,
			SlotMemoryMB:  512,
			LeaseTTL:      60 * time.Second,
			ReapInterval:  5 * time.Second,
			HighWater:     0.85,
			LowWater:      0.25,
			SustainWindow: 30 * time.Second,
		},
		Bus: BusConfig{
			DedupWindow:       10 * time.Second,
			DedupMaxEntries:   2048,
			AggregationWindow: 2 * time.Second,
			RateWindow:        10 * time.Second,
			RateThreshold:     100,
			MaxAttempts:       5,
			BackoffBase:       100 * time.Millisecond,
			BackoffMax:        10 * time.Second,
			TargetQueueSize:   256,
			ReorderWindow:     500 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			DefaultStepTimeout: 30 * time.Second,
			DefaultMaxRetries:  2,
			StepBackoff:        500 * time.Millisecond,
			Retention:          24 * time.Hour,
		},
		SLO: SLOConfig{
			SampleInterval:        5 * time.Second,
			ParallelizationTarget: 0.90,
			OverheadCeiling:       0.10,
			ViolationStreak:       3,
		},
		Recovery: RecoveryConfig{
			RetryCeiling: 3,
			BackoffBase:  200 * time.Millisecond,
			Chain: []types.Recipient{
				{Name: "primary-oncall"},
				{Name: "secondary-oncall"},
			},
			InfoTimeout:     15 * time.Minute,
			WarningTimeout:  5 * time.Minute,
			CriticalTimeout: time.Minute,
		},
		Store: StoreConfig{
			Backend:    "memory",
			SQLitePath: "data/coordinator.db",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Maintenance: MaintenanceConfig{
			ArchiveSchedule: "0 3 * * *",
			SweepSchedule:   "@every 1m",
			DeadLetterTTL:   72 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply flag overrides: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	return l.applyEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// applyCmdOverrides applies command-line argument overrides to the configuration.
func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := l.setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("set config value %s: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by dot-notation path.
func (l *Loader) setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		fieldName := strings.ReplaceAll(part, "_", "")

		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName) || strings.EqualFold(name, part)
		})

		if !field.IsValid() {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("expected %s to be a struct, got %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer: %w", err)
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		// Handle string slices (comma-separated)
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	case reflect.Map:
		// Handle string->string maps (key=value,key=value format)
		if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String {
			m := make(map[string]string)
			pairs := strings.Split(value, ",")
			for _, pair := range pairs {
				kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
				if len(kv) == 2 {
					m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			}
			field.Set(reflect.ValueOf(m))
		} else {
			return fmt.Errorf("unsupported map type")
		}

	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := c.Serialize()
	clone, _ := ParseConfig(data)
	return clone
}
