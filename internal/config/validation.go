package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// addError adds a validation error.
func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateSchedulerConfig(&cfg.Scheduler)
	v.validatePoolConfig(&cfg.Pool)
	v.validateBusConfig(&cfg.Bus)
	v.validateWorkflowConfig(&cfg.Workflow)
	v.validateSLOConfig(&cfg.SLO)
	v.validateRecoveryConfig(&cfg.Recovery)
	v.validateStoreConfig(&cfg.Store)
	v.validateLoggingConfig(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}

	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateSchedulerConfig(cfg *SchedulerConfig) {
	if cfg.AgingInterval <= 0 {
		v.addError("scheduler.aging_interval", "aging interval must be positive")
	}
	if cfg.BoostFactor < 0 {
		v.addError("scheduler.boost_factor", "boost factor must be non-negative")
	}
	if cfg.PreemptionMargin <= 0 {
		v.addError("scheduler.preemption_margin", "preemption margin must be positive")
	}
	if cfg.OverflowThreshold <= 0 {
		v.addError("scheduler.overflow_threshold", "overflow threshold must be positive")
	}
	if cfg.DispatchInterval <= 0 {
		v.addError("scheduler.dispatch_interval", "dispatch interval must be positive")
	}
}

func (v *Validator) validatePoolConfig(cfg *PoolConfig) {
	if cfg.Capacity <= 0 {
		v.addError("pool.capacity", "capacity must be positive")
	}
	if cfg.LeaseTTL <= 0 {
		v.addError("pool.lease_ttl", "lease TTL must be positive")
	}
	if cfg.ReapInterval <= 0 {
		v.addError("pool.reap_interval", "reap interval must be positive")
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 {
		v.addError("pool.high_water", "high water must be in (0, 1]")
	}
	if cfg.LowWater < 0 || cfg.LowWater >= 1 {
		v.addError("pool.low_water", "low water must be in [0, 1)")
	}
	if cfg.LowWater >= cfg.HighWater {
		v.addError("pool.low_water", "low water must be below high water")
	}
	if cfg.SustainWindow <= 0 {
		v.addError("pool.sustain_window", "sustain window must be positive")
	}
}

func (v *Validator) validateBusConfig(cfg *BusConfig) {
	if cfg.DedupWindow <= 0 {
		v.addError("bus.dedup_window", "dedup window must be positive")
	}
	if cfg.DedupMaxEntries <= 0 {
		v.addError("bus.dedup_max_entries", "dedup max entries must be positive")
	}
	if cfg.AggregationWindow < 0 {
		v.addError("bus.aggregation_window", "aggregation window must be non-negative")
	}
	if cfg.RateWindow <= 0 {
		v.addError("bus.rate_window", "rate window must be positive")
	}
	if cfg.RateThreshold <= 0 {
		v.addError("bus.rate_threshold", "rate threshold must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		v.addError("bus.max_attempts", "max attempts must be positive")
	}
	if cfg.BackoffBase <= 0 {
		v.addError("bus.backoff_base", "backoff base must be positive")
	}
	if cfg.BackoffMax > 0 && cfg.BackoffMax < cfg.BackoffBase {
		v.addError("bus.backoff_max", "backoff max must be at least backoff base")
	}
	if cfg.TargetQueueSize <= 0 {
		v.addError("bus.target_queue_size", "target queue size must be positive")
	}
	if cfg.ReorderWindow < 0 {
		v.addError("bus.reorder_window", "reorder window must be non-negative")
	}
}

func (v *Validator) validateWorkflowConfig(cfg *WorkflowConfig) {
	if cfg.DefaultStepTimeout <= 0 {
		v.addError("workflow.default_step_timeout", "default step timeout must be positive")
	}
	if cfg.DefaultMaxRetries < 0 {
		v.addError("workflow.default_max_retries", "default max retries must be non-negative")
	}
	if cfg.Retention <= 0 {
		v.addError("workflow.retention", "retention must be positive")
	}
}

func (v *Validator) validateSLOConfig(cfg *SLOConfig) {
	if cfg.SampleInterval <= 0 {
		v.addError("slo.sample_interval", "sample interval must be positive")
	}
	if cfg.ParallelizationTarget <= 0 || cfg.ParallelizationTarget > 1 {
		v.addError("slo.parallelization_target", "parallelization target must be in (0, 1]")
	}
	if cfg.OverheadCeiling <= 0 || cfg.OverheadCeiling >= 1 {
		v.addError("slo.overhead_ceiling", "overhead ceiling must be in (0, 1)")
	}
	if cfg.ViolationStreak <= 0 {
		v.addError("slo.violation_streak", "violation streak must be positive")
	}
}

func (v *Validator) validateRecoveryConfig(cfg *RecoveryConfig) {
	if cfg.RetryCeiling <= 0 {
		v.addError("recovery.retry_ceiling", "retry ceiling must be positive")
	}
	if cfg.BackoffBase <= 0 {
		v.addError("recovery.backoff_base", "backoff base must be positive")
	}
	if len(cfg.Chain) == 0 {
		v.addError("recovery.chain", "escalation chain must have at least one recipient")
	}
	for i, r := range cfg.Chain {
		if r.Name == "" {
			v.addError("recovery.chain", fmt.Sprintf("recipient %d has no name", i))
		}
		if r.Deadline < 0 {
			v.addError("recovery.chain", fmt.Sprintf("recipient %d has a negative deadline", i))
		}
	}
	if cfg.InfoTimeout <= 0 || cfg.WarningTimeout <= 0 || cfg.CriticalTimeout <= 0 {
		v.addError("recovery.timeouts", "severity timeouts must be positive")
	}
}

func (v *Validator) validateStoreConfig(cfg *StoreConfig) {
	validBackends := map[string]bool{
		"memory": true,
		"sqlite": true,
		"redis":  true,
	}
	if cfg.Backend == "" {
		v.addError("store.backend", "store backend is required")
	} else if !validBackends[cfg.Backend] {
		v.addError("store.backend", fmt.Sprintf("invalid backend '%s', must be one of: memory, sqlite, redis", cfg.Backend))
	}
	if cfg.Backend == "sqlite" && cfg.SQLitePath == "" {
		v.addError("store.sqlite_path", "sqlite backend requires a database path")
	}
	if cfg.Backend == "redis" && cfg.Redis.Addr == "" {
		v.addError("store.redis.addr", "redis backend requires an address")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !validLevels[strings.ToLower(cfg.Level)] {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if cfg.Format == "" {
		v.addError("logging.format", "log format is required")
	} else if !validFormats[strings.ToLower(cfg.Format)] {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"file":   true,
		"both":   true,
	}
	if cfg.Output != "" && !validOutputs[strings.ToLower(cfg.Output)] {
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		v.addError("logging.file_path", "file output requires a file path")
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}

	// Handle :port format
	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		if port == "" {
			return false
		}
		_, err := net.LookupPort("tcp", port)
		return err == nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}

	// Host can be empty (all interfaces), an IP, or a hostname
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			if !isValidHostname(host) {
				return false
			}
		}
	}

	return true
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}

	labels := strings.Split(hostname, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}

	return true
}

// isAlphanumeric checks if a byte is alphanumeric.
func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
// This is a convenience method on Config.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// MustValidate validates the configuration and panics if validation fails.
// This is useful for startup validation.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("configuration validation failed: %v", err))
	}
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Schema represents a configuration schema for documentation and validation.
type Schema struct {
	Fields []FieldSchema
}

// FieldSchema describes a configuration field.
type FieldSchema struct {
	Path        string
	Type        string
	Required    bool
	Default     string
	Description string
	EnvVar      string
	Constraints []string
}

// GetSchema returns the schema of the recognized coordination options.
func GetSchema() *Schema {
	return &Schema{
		Fields: []FieldSchema{
			{Path: "pool.capacity", Type: "int", Required: true, Default: "8", Description: "Total execution slot capacity", EnvVar: "COORD_POOL_CAPACITY", Constraints: []string{"positive"}},
			{Path: "scheduler.aging_interval", Type: "duration", Required: true, Default: "30s", Description: "Queued time per priority boost", EnvVar: "COORD_SCHED_AGING_INTERVAL", Constraints: []string{"positive"}},
			{Path: "scheduler.boost_factor", Type: "float", Required: false, Default: "5", Description: "Priority added per aging interval", EnvVar: "COORD_SCHED_BOOST_FACTOR", Constraints: []string{"non-negative"}},
			{Path: "scheduler.preemption_margin", Type: "float", Required: true, Default: "50", Description: "Priority gap required to preempt", EnvVar: "COORD_SCHED_PREEMPTION_MARGIN", Constraints: []string{"positive"}},
			{Path: "scheduler.overflow_threshold", Type: "int", Required: true, Default: "100", Description: "Queue depth triggering shedding", EnvVar: "COORD_SCHED_OVERFLOW_THRESHOLD", Constraints: []string{"positive"}},
			{Path: "bus.dedup_window", Type: "duration", Required: true, Default: "10s", Description: "Duplicate suppression window", EnvVar: "COORD_BUS_DEDUP_WINDOW", Constraints: []string{"positive"}},
			{Path: "bus.rate_window", Type: "duration", Required: true, Default: "10s", Description: "Per-recipient rate limit window", EnvVar: "COORD_BUS_RATE_WINDOW", Constraints: []string{"positive"}},
			{Path: "bus.rate_threshold", Type: "int", Required: true, Default: "100", Description: "Envelopes per window before suppression", EnvVar: "COORD_BUS_RATE_THRESHOLD", Constraints: []string{"positive"}},
			{Path: "bus.max_attempts", Type: "int", Required: true, Default: "5", Description: "Delivery attempts before dead-letter", EnvVar: "COORD_BUS_MAX_ATTEMPTS", Constraints: []string{"positive"}},
			{Path: "bus.backoff_base", Type: "duration", Required: true, Default: "100ms", Description: "Base redelivery backoff", EnvVar: "COORD_BUS_BACKOFF_BASE", Constraints: []string{"positive"}},
			{Path: "slo.parallelization_target", Type: "float", Required: true, Default: "0.90", Description: "Minimum parallelization ratio", EnvVar: "COORD_SLO_PARALLELIZATION_TARGET", Constraints: []string{"in (0, 1]"}},
			{Path: "slo.overhead_ceiling", Type: "float", Required: true, Default: "0.10", Description: "Maximum coordination overhead", EnvVar: "COORD_SLO_OVERHEAD_CEILING", Constraints: []string{"in (0, 1)"}},
			{Path: "recovery.retry_ceiling", Type: "int", Required: true, Default: "3", Description: "Automated retry budget", EnvVar: "COORD_RECOVERY_RETRY_CEILING", Constraints: []string{"positive"}},
			{Path: "recovery.backoff_base", Type: "duration", Required: true, Default: "200ms", Description: "Base recovery backoff", EnvVar: "COORD_RECOVERY_BACKOFF_BASE", Constraints: []string{"positive"}},
			{Path: "recovery.chain", Type: "[]recipient", Required: true, Default: "primary-oncall, secondary-oncall", Description: "Ordered escalation recipients", Constraints: []string{"non-empty"}},
		},
	}
}
