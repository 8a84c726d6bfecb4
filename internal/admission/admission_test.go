package admission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch-sub000/internal/config"
	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
	"github.com/beebs-dev/dorch-sub000/internal/metrics"
	"github.com/beebs-dev/dorch-sub000/pkg/errors"
)

func newController(t *testing.T, cfg Config) (*Controller, *memory.Store) {
	t.Helper()
	store := memory.NewStore(memory.DefaultConfig())
	t.Cleanup(func() { store.Close() })
	c, err := New(coord.NewLocal(store), cfg, nil)
	require.NoError(t, err)
	return c, store
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BurstLimit = 2
	cfg.BurstWindow = 5 * time.Second
	cfg.LongLimit = 4
	cfg.LongWindow = time.Minute
	cfg.MaxBucketLen = 10
	return cfg
}

func TestBurstWindow(t *testing.T) {
	c, _ := newController(t, smallConfig())
	ctx := context.Background()
	t0 := time.Now()

	steps := []struct {
		at   time.Duration
		want Decision
	}{
		{0, Admit},
		{time.Second, Admit},
		{2 * time.Second, Reject},
		// Both earlier requests have left the burst window.
		{6*time.Second + time.Millisecond, Admit},
	}
	for _, s := range steps {
		d, err := c.CheckAndRecord(ctx, "203.0.113.7", t0.Add(s.at))
		require.NoError(t, err)
		assert.Equal(t, s.want, d, "at %v", s.at)
	}
}

func TestRejectLeavesBucketUntouched(t *testing.T) {
	c, store := newController(t, smallConfig())
	ctx := context.Background()
	t0 := time.Now()

	for i := 0; i < 5; i++ {
		_, err := c.CheckAndRecord(ctx, "203.0.113.8", t0.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}
	n, err := store.LLen(ctx, "ratelimit:203.0.113.8")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ttl, err := store.TTL(ctx, "ratelimit:203.0.113.8")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

// No rolling long window ever holds more than LongLimit admitted requests.
func TestLongLimitHoldsOverAnyWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BurstLimit = 5
	cfg.BurstWindow = time.Second
	cfg.LongLimit = 30
	cfg.LongWindow = 20 * time.Second
	cfg.MaxBucketLen = 30
	c, _ := newController(t, cfg)
	ctx := context.Background()

	t0 := time.Now()
	var admitted []time.Time
	for i := 0; i < 1200; i++ {
		at := t0.Add(time.Duration(i) * 75 * time.Millisecond)
		d, err := c.CheckAndRecord(ctx, "198.51.100.20", at)
		require.NoError(t, err)
		if d == Admit {
			admitted = append(admitted, at)
		}
	}
	require.NotEmpty(t, admitted)

	for i, end := range admitted {
		var inWindow int
		for j := i; j >= 0 && end.Sub(admitted[j]) < cfg.LongWindow; j-- {
			inWindow++
		}
		require.LessOrEqual(t, inWindow, 30, "window ending %v", end.Sub(t0))
	}
}

func TestConcurrentRequestsNeverExceedLimit(t *testing.T) {
	cfg := smallConfig()
	cfg.BurstLimit = 3
	cfg.LongLimit = 3
	c, _ := newController(t, cfg)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.CheckAndRecord(context.Background(), "192.0.2.44", time.Now())
			if err == nil && d == Admit {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, admitted.Load())
}

func TestPrivateIdentityIsNotAccounted(t *testing.T) {
	c, store := newController(t, smallConfig())
	ctx := context.Background()

	for _, ip := range []string{"10.1.2.3", "192.168.0.4", "127.0.0.1", "100.64.3.3", "fd00::1", "::1"} {
		for i := 0; i < 10; i++ {
			d, err := c.CheckAndRecord(ctx, ip, time.Now())
			require.NoError(t, err)
			assert.Equal(t, Admit, d, ip)
		}
	}
	n, err := store.DBSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailOpen(t *testing.T) {
	store := memory.NewStore(memory.DefaultConfig())
	c, err := New(coord.NewLocal(store), smallConfig(), nil)
	require.NoError(t, err)
	store.Close()

	before := testutil.ToFloat64(metrics.AdmissionDecisions.WithLabelValues("fail_open"))
	d, err := c.CheckAndRecord(context.Background(), "203.0.113.50", time.Now())
	assert.Equal(t, Admit, d)
	assert.ErrorIs(t, err, errors.ErrUnavailable)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AdmissionDecisions.WithLabelValues("fail_open")))
}

func TestEmptyIdentity(t *testing.T) {
	c, _ := newController(t, smallConfig())
	d, err := c.CheckAndRecord(context.Background(), "", time.Now())
	assert.Equal(t, Admit, d)
	assert.ErrorIs(t, err, errors.ErrInvalidArgs)
}

func TestNewRejectsBadConfig(t *testing.T) {
	store := coord.NewLocal(memory.NewStore(memory.DefaultConfig()))
	defer store.Close()

	tests := map[string]func(*Config){
		"zero burst":          func(c *Config) { c.BurstLimit = 0 },
		"negative window":     func(c *Config) { c.LongWindow = -time.Second },
		"burst beyond long":   func(c *Config) { c.BurstWindow = 10 * time.Minute },
		"bucket below limits": func(c *Config) { c.MaxBucketLen = 10 },
		"sub-millisecond":     func(c *Config) { c.BurstWindow = time.Microsecond },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(store, cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ADMISSION_BURST_LIMIT", "7")
	t.Setenv("ADMISSION_LONG_WINDOW", "10m")
	t.Setenv("ADMISSION_EXEMPT_PREFIXES", "/public/,/img/")

	var cfg Config
	require.NoError(t, config.Load(&cfg))
	assert.EqualValues(t, 7, cfg.BurstLimit)
	assert.Equal(t, 5*time.Second, cfg.BurstWindow)
	assert.Equal(t, 10*time.Minute, cfg.LongWindow)
	assert.EqualValues(t, 300, cfg.MaxBucketLen)
	assert.Equal(t, "ratelimit:", cfg.KeyPrefix)
	assert.Equal(t, []string{"/public/", "/img/"}, cfg.ExemptPrefixes)
	assert.Contains(t, cfg.ExemptExtensions, ".css")

	t.Setenv("ADMISSION_MAX_BUCKET_LEN", "3")
	assert.Error(t, config.Load(&Config{}))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"direct public peer", "203.0.113.1:5555", nil, "203.0.113.1"},
		{"public peer ignores header", "203.0.113.1:5555", []string{"198.51.100.9"}, "203.0.113.1"},
		{"proxied", "10.0.0.2:80", []string{"198.51.100.9"}, "198.51.100.9"},
		{"proxy chain", "10.0.0.2:80", []string{"1.1.1.1, 198.51.100.9, 10.0.0.7"}, "198.51.100.9"},
		{"multiple headers", "10.0.0.2:80", []string{"198.51.100.9", "10.0.0.7"}, "198.51.100.9"},
		{"spoofed left of garbage", "10.0.0.2:80", []string{"1.1.1.1, junk, 10.0.0.7"}, "10.0.0.7"},
		{"all internal", "10.0.0.2:80", []string{"192.168.1.5, 10.0.0.7"}, "192.168.1.5"},
		{"with port", "10.0.0.2:80", []string{"198.51.100.9:4444"}, "198.51.100.9"},
		{"ipv6", "[fd00::2]:80", []string{"2001:db8::5"}, "2001:db8::5"},
		{"mapped v4", "10.0.0.2:80", []string{"::ffff:198.51.100.9"}, "198.51.100.9"},
		{"no header", "10.0.0.2:80", nil, "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for _, h := range tt.xff {
				r.Header.Add("X-Forwarded-For", h)
			}
			got, ok := ClientIP(r)
			require.True(t, ok)
			assert.Equal(t, netip.MustParseAddr(tt.want), got)
		})
	}
}

func TestMiddleware(t *testing.T) {
	c, _ := newController(t, smallConfig())

	var served atomic.Int64
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path, remote string) int {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("/servers", "203.0.113.9:1000"))
	assert.Equal(t, http.StatusOK, do("/servers", "203.0.113.9:1000"))
	assert.Equal(t, http.StatusTooManyRequests, do("/servers", "203.0.113.9:1000"))

	// Static assets and internal callers are never limited.
	assert.Equal(t, http.StatusOK, do("/static/app.css", "203.0.113.9:1000"))
	assert.Equal(t, http.StatusOK, do("/wads/cover.PNG", "203.0.113.9:1000"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do("/servers", "10.0.0.3:1000"))
	}
	assert.EqualValues(t, 9, served.Load())

	// Another identity has its own bucket.
	assert.Equal(t, http.StatusOK, do("/servers", "203.0.113.10:1000"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	store := memory.NewStore(memory.DefaultConfig())
	c, err := New(coord.NewLocal(store), smallConfig(), nil)
	require.NoError(t, err)
	store.Close()

	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/servers", nil)
		r.RemoteAddr = "203.0.113.9:1000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
}
