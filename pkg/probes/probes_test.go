package probes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := HTTP(server.URL, nil)
	assert.NoError(t, probe(context.Background()))
}

func TestHTTP_ClientErrorStillReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	probe := HTTP(server.URL, nil)
	assert.NoError(t, probe(context.Background()), "4xx means reachable, not down")
}

func TestHTTP_ServerErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	probe := HTTP(server.URL, nil)
	err := probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTP_TransportErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // probe a dead server

	probe := HTTP(server.URL, nil)
	assert.Error(t, probe(context.Background()))
}

func TestHTTP_HonorsContextDeadline(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	probe := HTTP(server.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRedis_NilClient(t *testing.T) {
	probe := Redis(nil)
	err := probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is nil")
}

func TestRedis_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	probe := Redis(client)
	err := probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}

func TestSQL_NilHandle(t *testing.T) {
	probe := SQL(nil)
	err := probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database handle is nil")
}
