// Package config provides configuration loading for the bastion gate.
package config

// GateConfig is the gate's runtime configuration, loaded from
// bastion-gate.yaml with BASTION_GATE_* environment overrides. The
// governance policy itself lives in a separate document at Policy.Path.
type GateConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Store    StoreConfig    `mapstructure:"store"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Proposal ProposalConfig `mapstructure:"proposal"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Auth     AuthConfig     `mapstructure:"auth"`

	// DevMode forces debug logging. A missing or invalid policy document
	// installs the development snapshot whether or not DevMode is set.
	DevMode bool `mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr" validate:"required,hostname_port"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// PolicyConfig locates the governance policy document.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// StoreConfig selects the proposal store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory sqlite"`
	// DSN is the SQLite path. Required for the sqlite backend.
	DSN string `mapstructure:"dsn"`
}

// AuditConfig configures durable audit persistence. An empty Dir keeps
// audit records in memory only.
type AuditConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int    `mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	CacheSize     int    `mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// ProposalConfig tunes proposal lifecycle policy.
type ProposalConfig struct {
	// TTLHours expires non-terminal proposals after this many hours.
	// Zero disables expiry.
	TTLHours int `mapstructure:"ttl_hours" validate:"omitempty,min=0"`
	// JanitorIntervalMinutes is how often the expiry janitor runs.
	JanitorIntervalMinutes int `mapstructure:"janitor_interval_minutes" validate:"omitempty,min=1"`
}

// TracingConfig toggles the stdout trace exporter.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExecutorConfig points at the external executor endpoint. An empty URL
// installs a log-only executor (development).
type ExecutorConfig struct {
	URL            string `mapstructure:"url" validate:"omitempty,url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
}

// APIKeyConfig is one credential accepted by the HTTP surface.
type APIKeyConfig struct {
	Principal string `mapstructure:"principal" validate:"required,startswith=identity:"`
	// Hash is an argon2id PHC string or a hex SHA-256 of the raw key.
	Hash string `mapstructure:"hash" validate:"required"`
}

// AuthConfig lists the accepted API keys. Empty means header-only
// identity (trusted front proxy).
type AuthConfig struct {
	APIKeys []APIKeyConfig `mapstructure:"api_keys" validate:"dive"`
}

// SetDefaults applies default values for optional fields.
func (c *GateConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8088"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}
	if c.Proposal.JanitorIntervalMinutes == 0 {
		c.Proposal.JanitorIntervalMinutes = 10
	}
}

// SetDevDefaults applies permissive defaults when DevMode is set.
func (c *GateConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel != "debug" {
		c.Server.LogLevel = "debug"
	}
}
