package core

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures the engine. Fields carry mapstructure tags so the
// CLI can hand viper output straight in.
type Config struct {
	// DefaultDatabase is used when a namespace omits the database part.
	DefaultDatabase string `mapstructure:"default_database"`

	// CursorTTL reaps idle cursors.
	CursorTTL time.Duration `mapstructure:"cursor_ttl"`

	// CursorSpillThreshold is the persistent-cursor in-memory row cap.
	CursorSpillThreshold int `mapstructure:"cursor_spill_threshold" validate:"omitempty,gte=1"`

	// CursorSpillDir holds cursor spill files.
	CursorSpillDir string `mapstructure:"cursor_spill_dir"`

	// PlanCacheSize bounds the compiled-plan cache.
	PlanCacheSize int `mapstructure:"plan_cache_size" validate:"omitempty,gte=16"`

	// MetadataCacheSize bounds the collection-descriptor cache.
	MetadataCacheSize int `mapstructure:"metadata_cache_size" validate:"omitempty,gte=16"`

	// MaxProjectionDepth fails deeper projection specs with
	// FailedToParse.
	MaxProjectionDepth int `mapstructure:"max_projection_depth" validate:"omitempty,gte=1,lte=1000"`

	// MaxNestedPipelines bounds pipeline nesting.
	MaxNestedPipelines int `mapstructure:"max_nested_pipelines" validate:"omitempty,gte=1,lte=100"`

	// WritePoolSize sizes the worker pool for unordered batch writes.
	WritePoolSize int `mapstructure:"write_pool_size" validate:"omitempty,gte=1,lte=1024"`

	// StatementTimeout applies when the caller sends no maxTimeMS.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return newError(CodeBadValue, "config: %v", err)
	}
	return nil
}

// withDefaults fills unset fields.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.DefaultDatabase == "" {
		out.DefaultDatabase = "app"
	}
	if out.CursorTTL <= 0 {
		out.CursorTTL = 10 * time.Minute
	}
	if out.CursorSpillThreshold <= 0 {
		out.CursorSpillThreshold = 1000
	}
	if out.PlanCacheSize <= 0 {
		out.PlanCacheSize = 5000
	}
	if out.MetadataCacheSize <= 0 {
		out.MetadataCacheSize = 1024
	}
	if out.MaxProjectionDepth <= 0 {
		out.MaxProjectionDepth = 100
	}
	if out.MaxNestedPipelines <= 0 {
		out.MaxNestedPipelines = 20
	}
	if out.WritePoolSize <= 0 {
		out.WritePoolSize = 8
	}
	return &out
}
