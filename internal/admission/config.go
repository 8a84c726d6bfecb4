package admission

import (
	"fmt"
	"strings"
	"time"

	"github.com/beebs-dev/dorch-sub000/internal/procs"
)

// Config is read from ADMISSION_* environment variables; every field has a
// default.
type Config struct {
	BurstLimit   int64         `env:"ADMISSION_BURST_LIMIT" envDefault:"20"`
	BurstWindow  time.Duration `env:"ADMISSION_BURST_WINDOW" envDefault:"5s"`
	LongLimit    int64         `env:"ADMISSION_LONG_LIMIT" envDefault:"300"`
	LongWindow   time.Duration `env:"ADMISSION_LONG_WINDOW" envDefault:"5m"`
	MaxBucketLen int64         `env:"ADMISSION_MAX_BUCKET_LEN" envDefault:"300"`
	KeyPrefix    string        `env:"ADMISSION_KEY_PREFIX" envDefault:"ratelimit:"`

	// Requests whose path starts with one of ExemptPrefixes or ends with one
	// of ExemptExtensions are never limited.
	ExemptPrefixes   []string `env:"ADMISSION_EXEMPT_PREFIXES" envSeparator:"," envDefault:"/static/,/assets/,/favicon.ico,/robots.txt"`
	ExemptExtensions []string `env:"ADMISSION_EXEMPT_EXTENSIONS" envSeparator:"," envDefault:".css,.js,.map,.png,.jpg,.jpeg,.gif,.svg,.ico,.webp,.woff,.woff2,.ttf"`
}

func DefaultConfig() Config {
	return Config{
		BurstLimit:       20,
		BurstWindow:      5 * time.Second,
		LongLimit:        300,
		LongWindow:       5 * time.Minute,
		MaxBucketLen:     300,
		KeyPrefix:        "ratelimit:",
		ExemptPrefixes:   []string{"/static/", "/assets/", "/favicon.ico", "/robots.txt"},
		ExemptExtensions: []string{".css", ".js", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".woff", ".woff2", ".ttf"},
	}
}

func (c Config) Limits() procs.Limits {
	return procs.Limits{
		BurstLimit:  c.BurstLimit,
		BurstWindow: c.BurstWindow,
		LongLimit:   c.LongLimit,
		LongWindow:  c.LongWindow,
		MaxLen:      c.MaxBucketLen,
	}
}

func (c *Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	// Windows are sent to the store in whole milliseconds.
	if c.BurstWindow < time.Millisecond {
		return fmt.Errorf("admission: burst window %v below 1ms", c.BurstWindow)
	}
	return nil
}

// exempt reports whether path is a static asset.
func (c *Config) exempt(path string) bool {
	for _, p := range c.ExemptPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	lower := strings.ToLower(path)
	for _, ext := range c.ExemptExtensions {
		if ext != "" && strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
