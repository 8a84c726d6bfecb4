package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/beebs-dev/dorch-sub000/internal/admission"
	"github.com/beebs-dev/dorch-sub000/internal/coord"
	"github.com/beebs-dev/dorch-sub000/internal/engine/memory"
)

func TestProxyAdmitsThenRejects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer upstream.Close()
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	store := coord.NewLocal(memory.NewStore(memory.DefaultConfig()))
	defer store.Close()
	cfg := admission.DefaultConfig()
	cfg.BurstLimit = 2
	cfg.BurstWindow = time.Minute
	ctl, err := admission.New(store, cfg, nil)
	require.NoError(t, err)

	h := newProxy(target, ctl, zap.NewNop())
	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := get()
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello from /api/servers", rec.Body.String())
	}
	assert.Equal(t, http.StatusTooManyRequests, get().Code)
}

func TestProxyUpstreamDown(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	store := coord.NewLocal(memory.NewStore(memory.DefaultConfig()))
	defer store.Close()
	ctl, err := admission.New(store, admission.DefaultConfig(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	newProxy(target, ctl, zap.NewNop()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOpenStoreWarnsWithoutCoordAddr(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	store := openStore(coord.Config{}, log)
	defer store.Close()
	_, isLocal := store.(*coord.Local)
	assert.True(t, isLocal)

	entries := logs.FilterMessageSnippet("COORD_ADDR").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestOpenStoreRemoteDoesNotWarn(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	store := openStore(coord.Config{Addr: "127.0.0.1:1"}, zap.New(core))
	defer store.Close()
	_, isLocal := store.(*coord.Local)
	assert.False(t, isLocal)
	assert.Zero(t, logs.Len())
}
