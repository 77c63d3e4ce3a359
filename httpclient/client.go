// Package httpclient provides the HTTP client derived from a leased bearer.
// Every connection the client opens is dialled through the bearer, so traffic
// is guaranteed to ride the coordinated transport.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/netlease/metering"
	"github.com/timzifer/netlease/provider"
)

// Client is bound to exactly one bearer. It is replaced wholesale, never
// rebound, when the coordinator swaps or releases the underlying bearer.
type Client struct {
	bearer    provider.Bearer
	transport *http.Transport
	http      *http.Client
	meter     *metering.Meter
	logger    zerolog.Logger

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

// New builds a client for the given bearer. meter may be nil when the bearer
// is not metered.
func New(bearer provider.Bearer, meter *metering.Meter, logger zerolog.Logger) *Client {
	client := &Client{
		bearer: bearer,
		meter:  meter,
		logger: logger.With().Str("component", "httpclient").Str("bearer", bearer.ID()).Logger(),
		conns:  make(map[*trackedConn]struct{}),
	}
	client.transport = &http.Transport{
		DialContext:           client.dial,
		MaxIdleConns:          8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	client.http = &http.Client{Transport: client.transport}
	return client
}

// Bearer returns the bearer this client was built from.
func (c *Client) Bearer() provider.Bearer {
	return c.bearer
}

// Do executes the request over the bearer-bound transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Get issues a GET request over the bearer-bound transport.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Usage returns the metered traffic snapshot, or a zero snapshot when the
// client is unmetered.
func (c *Client) Usage() metering.Usage {
	return c.meter.Snapshot()
}

// Abort closes every connection opened through this client, including ones
// with requests in flight. The coordinator calls this when a preferred bearer
// replaces the current one so pending operations fail fast and retry on the
// replacement.
func (c *Client) Abort() {
	c.mu.Lock()
	open := make([]*trackedConn, 0, len(c.conns))
	for conn := range c.conns {
		open = append(open, conn)
	}
	c.conns = make(map[*trackedConn]struct{})
	c.mu.Unlock()

	for _, conn := range open {
		_ = conn.Conn.Close()
	}
	c.transport.CloseIdleConnections()
	if len(open) > 0 {
		c.logger.Debug().Int("connections", len(open)).Msg("aborted bearer connections")
	}
}

func (c *Client) dial(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := c.bearer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	tracked := &trackedConn{Conn: conn, client: c}
	c.mu.Lock()
	c.conns[tracked] = struct{}{}
	c.mu.Unlock()
	return tracked, nil
}

func (c *Client) forget(conn *trackedConn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// trackedConn counts transferred bytes into the meter and unregisters itself
// from the owning client on close.
type trackedConn struct {
	net.Conn
	client *Client

	closeOnce sync.Once
}

func (t *trackedConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	t.client.meterRx(n)
	return n, err
}

func (t *trackedConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	t.client.meterTx(n)
	return n, err
}

func (t *trackedConn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.client.forget(t)
		err = t.Conn.Close()
	})
	return err
}

func (c *Client) meterRx(n int) {
	if c.meter != nil {
		c.meter.AddRx(n)
	}
}

func (c *Client) meterTx(n int) {
	if c.meter != nil {
		c.meter.AddTx(n)
	}
}
