package mux

import "github.com/tinyrange/vsock-bridge/internal/vsockwire"

// Addressing constants: the guest is always CID 1 and the host always CID 3.
// HostPort is the host's nominal vsock port; connections the host initiates
// use the initiating Client's registered port as their source port instead.
const (
	GuestCID uint32 = 1
	HostCID  uint32 = 3
	HostPort uint32 = 1025
)

// Role distinguishes which registry a Connection belongs to.
type Role int

const (
	RoleService Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "service"
}

// State is the lifecycle stage of a Connection.
type State int

const (
	StateEstablished State = iota
	StateClosed
)

// Connection is the four-tuple plus bookkeeping the multiplexer tracks for
// every open stream. It is created on REQUEST-accept or RESPONSE-arrival
// and destroyed on RST, SHUTDOWN, or a service/client signaling shutdown
// via ShouldShutdown.
type Connection struct {
	LocalCID   uint32
	LocalPort  uint32 // the registered Service or Client port
	RemoteCID  uint32
	RemotePort uint32 // the guest's ephemeral port for this stream

	OpenHeader vsockwire.Header // the REQUEST or RESPONSE header that opened it
	Role       Role
	State      State
}

// PendingRequest tracks an outbound connection attempt initiated by a
// Client, from the moment its REQUEST packet is queued until a RESPONSE
// or RST arrives for it.
type PendingRequest struct {
	ClientPort uint32 // the registered Client port that initiated this
	TargetPort uint32 // the guest port the REQUEST was addressed to
	Sent       bool   // whether the REQUEST packet has been placed on the write queue
}
