// Package mux implements the CMIO <-> vsock multiplexer: the single
// state machine that turns one half-duplex, one-packet-per-yield channel
// into the illusion of N independent stream connections for registered
// Services and Clients.
package mux

// Service is a listener-side capability: it accepts inbound connections
// from the guest and reacts to the bytes they carry. All methods are
// called from a single goroutine (the multiplexer's tick), synchronously —
// a Service must never block.
type Service interface {
	// OnConnection fires once, when the guest's REQUEST is accepted.
	OnConnection(peerPort uint32)
	// OnData delivers bytes in the exact order the guest transmitted them.
	OnData(peerPort uint32, data []byte)
	// OnReset fires when the guest resets the connection.
	OnReset(peerPort uint32)
	// OnShutdown fires when the guest gracefully closes the connection.
	OnShutdown(peerPort uint32)
	// GetWriteData is polled once per tick; an ok return stages an RW
	// packet carrying data to the guest.
	GetWriteData(peerPort uint32) (data []byte, ok bool)
	// ShouldShutdown is polled once per tick, after GetWriteData; a true
	// return stages a SHUTDOWN packet and tears the connection down.
	ShouldShutdown(peerPort uint32) bool
}

// Client is a caller-side capability: it initiates an outbound connection
// into the guest and drives it to completion. Same single-threaded,
// non-blocking calling convention as Service.
type Client interface {
	// OnConnectSuccess fires once, when the guest's RESPONSE arrives for a
	// pending request this client initiated.
	OnConnectSuccess(peerPort uint32)
	// OnConnectFailed fires when the guest RSTs a pending request instead
	// of responding.
	OnConnectFailed(peerPort uint32)
	OnData(peerPort uint32, data []byte)
	OnReset(peerPort uint32)
	OnShutdown(peerPort uint32)
	GetWriteData(peerPort uint32) (data []byte, ok bool)
	ShouldShutdown(peerPort uint32) bool
}
