// Package vsockwire implements the wire codec for the virtio-vsock packet
// format used to carry traffic over the single CMIO channel.
package vsockwire

import "fmt"

// HeaderSize is the on-wire size of a VsockHeader: 8 fields of 32 bits plus
// 2 fields of 16 bits, little-endian.
const HeaderSize = 36

// MaxPayload is the largest payload the codec will accept in a packet.
const MaxPayload = 4096

// Packet types.
const (
	TypeStream uint16 = 1
)

// Packet operations.
const (
	OpRequest       uint16 = 1
	OpResponse      uint16 = 2
	OpRST           uint16 = 3
	OpShutdown      uint16 = 4
	OpRW            uint16 = 5
	OpCreditUpdate  uint16 = 6
	OpCreditRequest uint16 = 7
)

// OpName returns a human-readable name for a packet operation, for logging.
func OpName(op uint16) string {
	switch op {
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpRST:
		return "RST"
	case OpShutdown:
		return "SHUTDOWN"
	case OpRW:
		return "RW"
	case OpCreditUpdate:
		return "CREDIT_UPDATE"
	case OpCreditRequest:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", op)
	}
}

// Header is the 36-byte virtio-vsock packet header. All fields are
// little-endian on the wire.
type Header struct {
	SrcCID   uint32
	DstCID   uint32
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}
