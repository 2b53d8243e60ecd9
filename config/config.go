// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/artpar/assembly/ports"
)

// Config is the root configuration structure.
type Config struct {
	Engine     EngineConfig               `yaml:"engine"`
	Logging    LoggingConfig              `yaml:"logging"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Database   DatabaseConfig             `yaml:"database"`
	DynamoDB   DynamoDBConfig             `yaml:"dynamodb"`
	Containers []ContainerConfig          `yaml:"containers" validate:"dive"`
	Templates  map[string][]MappingConfig `yaml:"templates"`
	Types      []TypeConfig               `yaml:"types" validate:"dive"`
}

// EngineConfig configures the executor.
type EngineConfig struct {
	Policy            string `yaml:"policy" validate:"oneof=ordered unordered"`
	Workers           int    `yaml:"workers" validate:"gte=0"`
	FetchErrors       string `yaml:"fetch_errors" validate:"oneof=abort continue"`
	MappingErrors     string `yaml:"mapping_errors" validate:"oneof=collect fail"`
	DefaultGroup      string `yaml:"default_group"`
	DefaultGroupFirst bool   `yaml:"default_group_first"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DatabaseConfig configures the SQL database behind sql containers.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres"`
	DSN    string `yaml:"dsn"`
	// Migrations is a directory of *.sql files applied at startup.
	Migrations string `yaml:"migrations"`
	// Provider enables sql("table", "key") namespace expressions.
	Provider bool `yaml:"provider"`
}

// DynamoDBConfig configures the DynamoDB client.
type DynamoDBConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// ContainerConfig declares one container.
type ContainerConfig struct {
	Namespace string `yaml:"namespace" validate:"required"`
	Kind      string `yaml:"kind" validate:"required,oneof=constant sql dynamodb http"`

	// MappingType applies to constant containers.
	MappingType string `yaml:"mapping_type"`
	// Data holds constant entries; keys are matched by their text form.
	Data map[string]any `yaml:"data"`

	SQL      *SQLContainerConfig      `yaml:"sql"`
	DynamoDB *DynamoDBContainerConfig `yaml:"dynamodb"`
	HTTP     *HTTPContainerConfig     `yaml:"http"`

	CacheTTL time.Duration  `yaml:"cache_ttl" validate:"gte=0"`
	Breaker  *BreakerConfig `yaml:"breaker"`
}

// SQLContainerConfig describes a table lookup.
type SQLContainerConfig struct {
	Table   string   `yaml:"table" validate:"required"`
	Key     string   `yaml:"key" validate:"required"`
	Columns []string `yaml:"columns"`
	Where   string   `yaml:"where"`
	Many    bool     `yaml:"many"`
}

// DynamoDBContainerConfig describes a DynamoDB table lookup.
type DynamoDBContainerConfig struct {
	Table          string        `yaml:"table" validate:"required"`
	Key            string        `yaml:"key" validate:"required"`
	Attributes     []string      `yaml:"attributes"`
	ConsistentRead bool          `yaml:"consistent_read"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gte=0"`
}

// HTTPContainerConfig describes a batch lookup on a remote service.
type HTTPContainerConfig struct {
	URL       string            `yaml:"url" validate:"required,url"`
	Path      string            `yaml:"path" validate:"required"`
	Key       string            `yaml:"key" validate:"required"`
	Many      bool              `yaml:"many"`
	BatchSize int               `yaml:"batch_size" validate:"gte=0"`
	Timeout   time.Duration     `yaml:"timeout" validate:"gte=0"`
	APIKey    string            `yaml:"api_key"`
	Headers   map[string]string `yaml:"headers"`
}

// BreakerConfig configures a container circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests"`
}

// MappingConfig is one property mapping. In YAML it is either an object
// or a shorthand string:
//
//	name          same-name mapping
//	name:userName source name to target userName
//	:user         whole entity to target user
//	code:         source code written back to the key property
type MappingConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// UnmarshalYAML accepts the shorthand string form.
func (m *MappingConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*m = ParseMapping(s)
		return nil
	}

	type plain MappingConfig
	return node.Decode((*plain)(m))
}

// ParseMapping parses the shorthand mapping form.
func ParseMapping(s string) MappingConfig {
	s = strings.TrimSpace(s)
	src, dst, ok := strings.Cut(s, ":")
	if !ok {
		return MappingConfig{Source: s, Target: s}
	}
	return MappingConfig{Source: strings.TrimSpace(src), Target: strings.TrimSpace(dst)}
}

// TypeConfig declares the operation graph of one type.
type TypeConfig struct {
	Name              string              `yaml:"name" validate:"required"`
	DefaultGroup      string              `yaml:"default_group"`
	DefaultGroupFirst *bool               `yaml:"default_group_first"`
	After             map[string][]string `yaml:"after"`
	Assemble          []AssembleConfig    `yaml:"assemble" validate:"dive"`
	Disassemble       []DisassembleConfig `yaml:"disassemble" validate:"dive"`
}

// AssembleConfig declares one assemble operation.
type AssembleConfig struct {
	ID          string          `yaml:"id"`
	Key         string          `yaml:"key"`
	Container   string          `yaml:"container" validate:"required"`
	MappingType string          `yaml:"mapping_type"`
	Group       string          `yaml:"group"`
	Sort        int             `yaml:"sort"`
	Condition   string          `yaml:"condition"`
	Separator   string          `yaml:"separator"`
	Props       []MappingConfig `yaml:"props"`
	Templates   []string        `yaml:"templates"`
}

// DisassembleConfig declares one disassemble operation.
type DisassembleConfig struct {
	ID        string `yaml:"id"`
	Field     string `yaml:"field" validate:"required"`
	Type      string `yaml:"type"`
	Group     string `yaml:"group"`
	Sort      int    `yaml:"sort"`
	Condition string `yaml:"condition"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies ASSEMBLY_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Engine configuration
	if v := os.Getenv("ASSEMBLY_ENGINE_POLICY"); v != "" {
		cfg.Engine.Policy = v
	}
	if v := os.Getenv("ASSEMBLY_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("ASSEMBLY_ENGINE_FETCH_ERRORS"); v != "" {
		cfg.Engine.FetchErrors = v
	}
	if v := os.Getenv("ASSEMBLY_ENGINE_MAPPING_ERRORS"); v != "" {
		cfg.Engine.MappingErrors = v
	}

	// Database configuration
	if v := os.Getenv("ASSEMBLY_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ASSEMBLY_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// DynamoDB configuration
	if v := os.Getenv("ASSEMBLY_DYNAMODB_REGION"); v != "" {
		cfg.DynamoDB.Region = v
	}
	if v := os.Getenv("ASSEMBLY_DYNAMODB_ENDPOINT"); v != "" {
		cfg.DynamoDB.Endpoint = v
	}

	// Logging configuration
	if v := os.Getenv("ASSEMBLY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ASSEMBLY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("ASSEMBLY_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Engine.Policy == "" {
		cfg.Engine.Policy = "ordered"
	}
	if cfg.Engine.FetchErrors == "" {
		cfg.Engine.FetchErrors = "abort"
	}
	if cfg.Engine.MappingErrors == "" {
		cfg.Engine.MappingErrors = "collect"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Database.DSN != "" && cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return err
	}

	seen := make(map[string]bool, len(cfg.Containers))
	usesSQL := cfg.Database.Provider
	for i, c := range cfg.Containers {
		if seen[c.Namespace] {
			return fmt.Errorf("containers[%d]: duplicate namespace %q", i, c.Namespace)
		}
		seen[c.Namespace] = true

		switch c.Kind {
		case "constant":
			if _, err := ports.ParseMappingType(c.MappingType); err != nil {
				return fmt.Errorf("containers[%d].mapping_type: %w", i, err)
			}
		case "sql":
			if c.SQL == nil {
				return fmt.Errorf("containers[%d].sql is required for kind sql", i)
			}
			usesSQL = true
		case "dynamodb":
			if c.DynamoDB == nil {
				return fmt.Errorf("containers[%d].dynamodb is required for kind dynamodb", i)
			}
		case "http":
			if c.HTTP == nil {
				return fmt.Errorf("containers[%d].http is required for kind http", i)
			}
		}
	}
	if usesSQL && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when sql containers are configured")
	}

	types := make(map[string]bool, len(cfg.Types))
	for i, t := range cfg.Types {
		if types[t.Name] {
			return fmt.Errorf("types[%d]: duplicate type %q", i, t.Name)
		}
		types[t.Name] = true

		for j, a := range t.Assemble {
			if _, err := ports.ParseMappingType(a.MappingType); err != nil {
				return fmt.Errorf("types[%d].assemble[%d].mapping_type: %w", i, j, err)
			}
			for _, name := range a.Templates {
				if _, ok := cfg.Templates[name]; !ok {
					return fmt.Errorf("types[%d].assemble[%d]: unknown template %q", i, j, name)
				}
			}
		}
	}

	return nil
}

// fieldErrors flattens validator errors into one readable error.
func fieldErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
