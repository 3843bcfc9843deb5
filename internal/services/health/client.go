// Package health implements an HTTP health-check Client: on connect it
// issues GET /health, parses the status line of whatever comes back, and
// retries a bounded number of times on anything but 200 before giving up.
// It exists to exercise the Client half of the multiplexer's contract
// end to end against the echo service's HTTP responses.
package health

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

type httpConnection struct {
	buffer           bytes.Buffer
	responseComplete bool
}

// httpClient is the bare request/response half of an HTTP/1.1 Client: it
// knows how to frame a request and recognize a complete response, nothing
// about health-check semantics. HealthCheckClient composes it.
type httpClient struct {
	connections     map[uint32]*httpConnection
	pendingRequests map[uint32][]byte
}

func newHTTPClient() *httpClient {
	return &httpClient{
		connections:     make(map[uint32]*httpConnection),
		pendingRequests: make(map[uint32][]byte),
	}
}

func (c *httpClient) onConnectSuccess(peerPort uint32) {
	c.connections[peerPort] = &httpConnection{}
}

func (c *httpClient) onConnectFailed(peerPort uint32) {
	delete(c.pendingRequests, peerPort)
}

func (c *httpClient) onData(peerPort uint32, data []byte) {
	conn, ok := c.connections[peerPort]
	if !ok {
		return
	}
	conn.buffer.Write(data)
	if !conn.responseComplete && bytes.Contains(conn.buffer.Bytes(), []byte("\r\n\r\n")) {
		conn.responseComplete = true
	}
}

func (c *httpClient) onReset(peerPort uint32) {
	delete(c.connections, peerPort)
	delete(c.pendingRequests, peerPort)
}

func (c *httpClient) onShutdown(peerPort uint32) {
	delete(c.connections, peerPort)
	delete(c.pendingRequests, peerPort)
}

func (c *httpClient) getWriteData(peerPort uint32) ([]byte, bool) {
	req, ok := c.pendingRequests[peerPort]
	if !ok {
		return nil, false
	}
	delete(c.pendingRequests, peerPort)
	return req, true
}

// makeRequest stages a request to be sent the next time the multiplexer
// polls this connection for outbound data.
func (c *httpClient) makeRequest(peerPort uint32, method, path, host string) {
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, path, host)
	c.pendingRequests[peerPort] = []byte(req)
}

// resetForRetry clears a connection's buffer so the next response starts
// from scratch, without tearing down the connection itself.
func (c *httpClient) resetForRetry(peerPort uint32) {
	if conn, ok := c.connections[peerPort]; ok {
		conn.buffer.Reset()
		conn.responseComplete = false
	}
}

func (c *httpClient) isResponseComplete(peerPort uint32) bool {
	conn, ok := c.connections[peerPort]
	return ok && conn.responseComplete
}

// parseStatusLine extracts the numeric status code from a parsed HTTP
// response's first line. It returns ok=false if the buffer doesn't yet
// look like a well-formed status line.
func parseStatusLine(buf []byte) (status int, body string, ok bool) {
	full := string(buf)
	lines := strings.Split(full, "\r\n")
	if len(lines) == 0 {
		return 0, "", false
	}
	parts := strings.Fields(lines[0])
	if len(parts) < 3 {
		return 0, "", false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	if idx := strings.Index(full, "\r\n\r\n"); idx >= 0 {
		body = full[idx+4:]
	}
	return code, body, true
}
