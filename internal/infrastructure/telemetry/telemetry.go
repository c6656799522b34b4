package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/offene-werkstatt/maco-core/internal/infrastructure/config"
)

// Timeouts and defaults for InfluxDB operations.
const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10

	// msPerSecond converts the flush interval to the milliseconds the
	// InfluxDB options API expects.
	msPerSecond = 1000
)

// Sentinel errors for telemetry operations.
var (
	// ErrDisabled indicates telemetry is disabled in configuration.
	ErrDisabled = errors.New("telemetry: disabled in configuration")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("telemetry: connection failed")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("telemetry: not connected")
)

// Client records terminal operating metrics in InfluxDB.
//
// Writes are non-blocking and batched; the terminal never waits on the
// time-series backend. A nil *Client is valid and drops every point, so
// callers need no enabled-check at each write site.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	connected bool
	mu        sync.RWMutex

	// onError receives async write failures.
	onError func(err error)
}

// Connect establishes a connection to the InfluxDB server.
//
// Parameters:
//   - cfg: Telemetry configuration from config.yaml
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled when turned off in config, or connection failure
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*msPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}

	go c.handleWriteErrors(c.writeAPI.Errors())

	return c, nil
}

// handleWriteErrors forwards async write errors to the callback.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback invoked on asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Close flushes pending writes and shuts the client down.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck performs an active ping against the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.ready() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check failed: server not healthy")
	}
	return nil
}

// ready reports whether points should be written.
func (c *Client) ready() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WriteUsage records a completed machine usage interval.
//
// Parameters:
//   - machineID: Machine the interval ran on
//   - userID: User checked in for the interval
//   - duration: How long the machine was active
//   - endReason: Why the interval ended (checkout reason string)
func (c *Client) WriteUsage(machineID, userID string, duration time.Duration, endReason string) {
	if !c.ready() {
		return
	}

	point := write.NewPoint(
		"machine_usage",
		map[string]string{
			"machine_id": machineID,
			"end_reason": endReason,
		},
		map[string]interface{}{
			"user_id":          userID,
			"duration_seconds": duration.Seconds(),
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteRelayFault records a relay read-back mismatch.
//
// Parameters:
//   - machineID: Machine whose relay disagreed with the commanded state
//   - expected: State the relay was driven to
//   - actual: State the read-back reported
func (c *Client) WriteRelayFault(machineID string, expected, actual bool) {
	if !c.ready() {
		return
	}

	point := write.NewPoint(
		"relay_fault",
		map[string]string{
			"machine_id": machineID,
		},
		map[string]interface{}{
			"expected": expected,
			"actual":   actual,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// WriteAuthEvent records an authentication outcome at the terminal.
//
// Parameters:
//   - machineID: Terminal's machine id
//   - result: "authorized", "rejected", or "failed"
func (c *Client) WriteAuthEvent(machineID, result string) {
	if !c.ready() {
		return
	}

	point := write.NewPoint(
		"auth_event",
		map[string]string{
			"machine_id": machineID,
			"result":     result,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// Flush forces pending points out. Blocks until buffered points are
// written. Safe on a nil or closed client.
func (c *Client) Flush() {
	if !c.ready() {
		return
	}
	c.writeAPI.Flush()
}
