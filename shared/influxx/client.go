package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"station-relay/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
	async  api.WriteAPI
}

// New builds the client and its batching write API. onError receives
// asynchronous write failures and may be nil.
func New(cfg config.Config, onError func(error)) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	timeoutSec := cfg.InfluxTimeoutMS / 1000
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeoutSec)).
		SetBatchSize(100).
		SetFlushInterval(1000)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	c := &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}
	c.async = client.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket)
	if onError != nil {
		errCh := c.async.Errors()
		go func() {
			for err := range errCh {
				onError(err)
			}
		}()
	}
	return c, nil
}

// Enqueue hands a point to the batching writer without blocking on I/O.
func (c *Client) Enqueue(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if c == nil || c.async == nil {
		return
	}
	c.async.WritePoint(newPoint(measurement, tags, fields, ts))
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, newPoint(measurement, tags, fields, ts))
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx ping failed")
	}
	return nil
}

// Close flushes buffered points before closing the client.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	if c.async != nil {
		c.async.Flush()
	}
	c.client.Close()
}

func newPoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) *write.Point {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return influxdb2.NewPoint(measurement, tags, fields, ts)
}
