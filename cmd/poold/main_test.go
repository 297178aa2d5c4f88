package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/poolclient"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ServiceName = "test-poold"
	cfg.LogLevel = "error"
	cfg.ListenAddr = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.APIPort = 0
	cfg.StorageDriver = config.StorageMemory
	cfg.ValidatorAddress = "V1"
	return cfg
}

func TestNewPool_MemoryStore(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitRateLimit = 10

	pool, err := NewPool(context.Background(), cfg, log.Nop())
	require.NoError(t, err)
	assert.Nil(t, pool.db)
	assert.Nil(t, pool.kafka, "kafka disabled without brokers")
	assert.Nil(t, pool.rateLimiter(), "rate limit needs redis")

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPool_ConnectionGauges(t *testing.T) {
	pool, err := NewPool(context.Background(), testConfig(), log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, pool.Shutdown(ctx))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.server.EnsureStarted(ctx))

	registered := make(chan bool, 1)
	client, err := poolclient.Dial(ctx, "ws://"+pool.server.Addr().String(), poolclient.Handlers{
		OnRegistered: func(v bool) { registered <- v },
	}, log.Nop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	go func() { _ = client.Run(ctx) }()

	require.NoError(t, client.Register("V1"))
	select {
	case isValidator := <-registered:
		require.True(t, isValidator)
	case <-ctx.Done():
		t.Fatal("no registered reply")
	}

	w := httptest.NewRecorder()
	pool.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "orepool_validator_connected 1"), body)
	assert.True(t, strings.Contains(body, "orepool_connections 1"), body)
}

func TestPool_APIStartsServer(t *testing.T) {
	pool, err := NewPool(context.Background(), testConfig(), log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	w := httptest.NewRecorder()
	pool.httpSrv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ws", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, pool.server.Addr(), "first API request binds the coordination listener")
}
