package artifact

import (
	"fmt"
	"time"
)

type Config struct {
	// Dir is the shared destination directory.
	Dir       string `env:"ARTIFACT_DIR" envDefault:"/var/cache/dorch/artifacts"`
	KeyPrefix string `env:"ARTIFACT_KEY_PREFIX" envDefault:"artifact:"`

	// Artifacts larger than MaxCacheBytes are not copied into the store.
	MaxCacheBytes int64 `env:"ARTIFACT_MAX_CACHE_BYTES" envDefault:"536870912"`
	// CacheTTL bounds the store copy's lifetime; zero keeps it.
	CacheTTL time.Duration `env:"ARTIFACT_CACHE_TTL" envDefault:"0s"`

	LeaseTTL  time.Duration `env:"ARTIFACT_LEASE_TTL" envDefault:"10m"`
	LeasePoll time.Duration `env:"ARTIFACT_LEASE_POLL" envDefault:"500ms"`

	MaxAttempts  uint          `env:"ARTIFACT_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitial time.Duration `env:"ARTIFACT_RETRY_INITIAL" envDefault:"1s"`
	RetryMax     time.Duration `env:"ARTIFACT_RETRY_MAX" envDefault:"30s"`
	Concurrency  int           `env:"ARTIFACT_CONCURRENCY" envDefault:"4"`
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		KeyPrefix:     "artifact:",
		MaxCacheBytes: 512 << 20,
		LeaseTTL:      10 * time.Minute,
		LeasePoll:     500 * time.Millisecond,
		MaxAttempts:   5,
		RetryInitial:  time.Second,
		RetryMax:      30 * time.Second,
		Concurrency:   4,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("artifact: empty destination directory")
	case c.LeaseTTL <= 0 || c.LeasePoll <= 0:
		return fmt.Errorf("artifact: lease ttl and poll interval must be positive")
	case c.MaxAttempts == 0:
		return fmt.Errorf("artifact: max attempts must be at least 1")
	case c.Concurrency <= 0:
		return fmt.Errorf("artifact: concurrency must be positive")
	}
	return nil
}
