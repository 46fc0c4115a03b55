// Package probes provides ready-made health check functions for common
// dependency kinds. Each constructor returns a resilience.HealthCheckFunc
// suitable for Manager.RegisterHealthCheck; the manager supplies the
// probe timeout through ctx.
package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// maxProbeBody caps how much of a probe response body is drained so
// the underlying connection can be reused.
const maxProbeBody = 4 << 10

// HTTP probes url with a GET request. Transport errors and 5xx
// responses are failures; any other status means the endpoint is
// reachable and counts as healthy. A nil client uses
// http.DefaultClient.
func HTTP(url string, client *http.Client) resilience.HealthCheckFunc {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody)) //nolint:errcheck

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// Redis probes the client with PING.
func Redis(client redis.UniversalClient) resilience.HealthCheckFunc {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("redis client is nil")
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// SQL probes the database handle with a ping.
func SQL(db *sqlx.DB) resilience.HealthCheckFunc {
	return func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("database handle is nil")
		}
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}
