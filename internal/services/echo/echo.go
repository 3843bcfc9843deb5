// Package echo implements a minimal HTTP Service: it answers GET / and
// GET /health over a vsock stream, and 404s everything else. It exists to
// exercise the multiplexer end to end without needing a real guest
// workload.
package echo

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/vsock-bridge/internal/mux"
)

type connState struct {
	buffer          bytes.Buffer
	requestComplete bool
}

// Server is a Service that parses one HTTP/1.1 request per connection and
// replies with a canned response. It does not support keep-alive or
// chunked bodies — connections are expected to close after one exchange.
type Server struct {
	logger *slog.Logger

	connections      map[uint32]*connState
	pendingResponses map[uint32][]byte
}

// New constructs an empty Server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:           logger,
		connections:      make(map[uint32]*connState),
		pendingResponses: make(map[uint32][]byte),
	}
}

func (s *Server) OnConnection(peerPort uint32) {
	s.logger.Debug("echo: new connection", "peer_port", peerPort)
	s.connections[peerPort] = &connState{}
}

func (s *Server) OnData(peerPort uint32, data []byte) {
	conn, ok := s.connections[peerPort]
	if !ok {
		return
	}

	if conn.requestComplete {
		return
	}

	conn.buffer.Write(data)
	if !bytes.Contains(conn.buffer.Bytes(), []byte("\r\n\r\n")) {
		return
	}

	conn.requestComplete = true
	resp := handleRequest(conn.buffer.Bytes())
	s.pendingResponses[peerPort] = resp
	s.logger.Debug("echo: request handled", "peer_port", peerPort, "response_len", len(resp))
}

func (s *Server) OnReset(peerPort uint32) {
	delete(s.connections, peerPort)
	delete(s.pendingResponses, peerPort)
}

func (s *Server) OnShutdown(peerPort uint32) {
	delete(s.connections, peerPort)
	delete(s.pendingResponses, peerPort)
}

func (s *Server) GetWriteData(peerPort uint32) ([]byte, bool) {
	resp, ok := s.pendingResponses[peerPort]
	if !ok {
		return nil, false
	}
	delete(s.pendingResponses, peerPort)
	return resp, true
}

// ShouldShutdown never volunteers to close — connections stay open until
// the guest resets or shuts them down.
func (s *Server) ShouldShutdown(peerPort uint32) bool { return false }

var _ mux.Service = (*Server)(nil)

// handleRequest parses the request line out of a raw HTTP/1.1 request and
// returns a canned response for the handful of routes this server knows.
func handleRequest(data []byte) []byte {
	lines := strings.Split(string(data), "\r\n")
	if len(lines) == 0 {
		return notFoundResponse()
	}

	parts := strings.Fields(lines[0])
	if len(parts) < 2 {
		return notFoundResponse()
	}

	method, path := parts[0], parts[1]
	switch {
	case method == "GET" && path == "/":
		return textResponse(200, "OK", "text/html", "<h1>Hello World!</h1>")
	case method == "GET" && path == "/health":
		return textResponse(200, "OK", "application/json", `{"status":"ok"}`)
	default:
		return notFoundResponse()
	}
}

func notFoundResponse() []byte {
	return textResponse(404, "Not Found", "text/plain", "404 Not Found")
}

func textResponse(status int, reason, contentType, body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, contentType, len(body), body,
	))
}
