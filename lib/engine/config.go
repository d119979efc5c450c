package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	// DefaultPageSize is 2 MiB per page
	DefaultPageSize = 2 << 20

	// DefaultPoolPages gives the pool 2 GiB at the default page size
	DefaultPoolPages = 1024

	// DefaultGCIntervalSecs is the sleep between collector passes
	DefaultGCIntervalSecs = 1
)

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config holds the storage engine settings
type Config struct {
	// PageSize is the size of one pool page in bytes, a power of two no
	// smaller than 16
	PageSize int `mapstructure:"page_size"`

	// PoolPages is the total number of pages in the pool
	PoolPages int `mapstructure:"pool_pages"`

	// GCIntervalSecs is the sleep between collector passes in seconds
	GCIntervalSecs int `mapstructure:"gc_interval_secs"`
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		PageSize:       DefaultPageSize,
		PoolPages:      DefaultPoolPages,
		GCIntervalSecs: DefaultGCIntervalSecs,
	}
}

// FromViper applies defaults, decodes the engine settings from v and
// validates them
func FromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("page_size", DefaultPageSize)
	v.SetDefault("pool_pages", DefaultPoolPages)
	v.SetDefault("gc_interval_secs", DefaultGCIntervalSecs)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "engine: decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GCInterval returns the collector interval as a duration
func (c Config) GCInterval() time.Duration {
	return time.Duration(c.GCIntervalSecs) * time.Second
}

// Validate checks the settings and reports the first violation
func (c Config) Validate() error {
	if c.PageSize < 16 || c.PageSize&(c.PageSize-1) != 0 {
		return errors.Errorf("engine: page_size %d must be a power of two no smaller than 16", c.PageSize)
	}
	if c.PoolPages < 1 {
		return errors.Errorf("engine: pool_pages %d must be positive", c.PoolPages)
	}
	if c.GCIntervalSecs < 1 {
		return errors.Errorf("engine: gc_interval_secs %d must be positive", c.GCIntervalSecs)
	}
	return nil
}
