package health

import (
	"log/slog"

	"github.com/tinyrange/vsock-bridge/internal/mux"
)

// Client drives a bounded-retry HTTP health check against whatever the
// multiplexer connects it to: GET /health on connect, retry on anything
// but a 200 status up to MaxRetries times, then give up and let the
// connection be torn down.
type Client struct {
	logger *slog.Logger
	http   *httpClient

	targetHost string
	maxRetries int
	retries    map[uint32]int
}

// New constructs a health-check Client that requests path "/health" from
// targetHost (used only for the request's Host header — routing is
// decided entirely by the mux.InitiateConnection target), retrying up to
// maxRetries times on a non-200 response.
func New(targetHost string, maxRetries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:     logger,
		http:       newHTTPClient(),
		targetHost: targetHost,
		maxRetries: maxRetries,
		retries:    make(map[uint32]int),
	}
}

func (c *Client) OnConnectSuccess(peerPort uint32) {
	c.logger.Debug("health: connected", "peer_port", peerPort)
	c.http.onConnectSuccess(peerPort)
	c.retries[peerPort] = 0
	c.http.makeRequest(peerPort, "GET", "/health", c.targetHost)
}

func (c *Client) OnConnectFailed(peerPort uint32) {
	c.logger.Debug("health: connect failed", "peer_port", peerPort)
	c.http.onConnectFailed(peerPort)
	delete(c.retries, peerPort)
}

func (c *Client) OnData(peerPort uint32, data []byte) {
	c.http.onData(peerPort, data)
	if !c.http.isResponseComplete(peerPort) {
		return
	}

	conn, ok := c.http.connections[peerPort]
	if !ok {
		return
	}
	status, body, ok := parseStatusLine(conn.buffer.Bytes())
	if !ok {
		return
	}

	if status == 200 {
		c.logger.Debug("health: check succeeded", "peer_port", peerPort, "body", body)
		return
	}

	c.retries[peerPort]++
	if c.retries[peerPort] <= c.maxRetries {
		c.logger.Debug("health: check failed, retrying", "peer_port", peerPort, "status", status, "attempt", c.retries[peerPort]+1, "max_retries", c.maxRetries)
		c.http.resetForRetry(peerPort)
		c.http.makeRequest(peerPort, "GET", "/health", c.targetHost)
		return
	}
	c.logger.Debug("health: check failed, giving up", "peer_port", peerPort, "status", status, "max_retries", c.maxRetries)
}

func (c *Client) OnReset(peerPort uint32) {
	c.http.onReset(peerPort)
	delete(c.retries, peerPort)
}

func (c *Client) OnShutdown(peerPort uint32) {
	c.http.onShutdown(peerPort)
	delete(c.retries, peerPort)
}

func (c *Client) GetWriteData(peerPort uint32) ([]byte, bool) {
	return c.http.getWriteData(peerPort)
}

// ShouldShutdown ends the connection once a health check has produced a
// definitive result: a 200 response, or exhausting the retry budget.
func (c *Client) ShouldShutdown(peerPort uint32) bool {
	if !c.http.isResponseComplete(peerPort) {
		return false
	}
	conn, ok := c.http.connections[peerPort]
	if !ok {
		return false
	}
	status, _, ok := parseStatusLine(conn.buffer.Bytes())
	if !ok {
		return false
	}
	return status == 200 || c.retries[peerPort] > c.maxRetries
}

var _ mux.Client = (*Client)(nil)
