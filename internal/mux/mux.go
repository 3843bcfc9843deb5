package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/vsock-bridge/internal/emulator"
	"github.com/tinyrange/vsock-bridge/internal/vsockwire"
)

// Mux is the single state machine driving one CMIO channel. It owns the
// registries of Services and Clients, the connections opened against them,
// and the two packet queues a tick drains and fills. Nothing here may
// block: Tick is called from one goroutine, once per emulator yield.
type Mux struct {
	emu    emulator.Emulator
	logger *slog.Logger

	listeners map[uint32]Service // service port -> Service
	clients   map[uint32]Client  // client port -> Client

	serviceConnByPeer map[uint32]uint32 // guest peer port -> service port
	clientConnByPeer  map[uint32]uint32 // guest peer port -> client port
	connMeta          map[uint32]*Connection

	pendingRequests map[uint32]*PendingRequest // target guest port -> pending request

	readQueue  []vsockwire.Packet
	writeQueue []vsockwire.Packet
}

// New constructs an empty Mux driving the given emulator adapter.
func New(emu emulator.Emulator, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		emu:               emu,
		logger:            logger,
		listeners:         make(map[uint32]Service),
		clients:           make(map[uint32]Client),
		serviceConnByPeer: make(map[uint32]uint32),
		clientConnByPeer:  make(map[uint32]uint32),
		connMeta:          make(map[uint32]*Connection),
		pendingRequests:   make(map[uint32]*PendingRequest),
	}
}

// RegisterListener binds a Service to a guest-visible port. The guest
// addresses REQUEST packets at this port to open connections against it.
func (m *Mux) RegisterListener(port uint32, svc Service) {
	m.listeners[port] = svc
}

// RegisterClient binds a Client to a host-local port used as the source
// port for every connection that Client initiates.
func (m *Mux) RegisterClient(port uint32, cl Client) {
	m.clients[port] = cl
}

// InitiateConnection opens an outbound connection from the registered
// Client at clientPort to the guest port targetPort. It enqueues a
// REQUEST packet immediately and records a PendingRequest so the eventual
// RESPONSE or RST can be routed back to the Client.
func (m *Mux) InitiateConnection(clientPort, targetPort uint32) error {
	if _, ok := m.clients[clientPort]; !ok {
		return fmt.Errorf("mux: no client registered at port %d", clientPort)
	}
	if _, exists := m.pendingRequests[targetPort]; exists {
		return fmt.Errorf("mux: connection already pending for target port %d", targetPort)
	}

	m.pendingRequests[targetPort] = &PendingRequest{
		ClientPort: clientPort,
		TargetPort: targetPort,
		Sent:       true,
	}
	m.pushWrite(hostPacket(clientPort, targetPort, vsockwire.OpRequest, nil))
	return nil
}

// Tick runs one full cycle of the multiplexer: advance the emulator to its
// next yield, service exactly one ingress-or-egress CMIO exchange, drain
// whatever landed in the read queue, then poll every live connection for
// outbound data or shutdown. This mirrors the half-duplex discipline of
// the underlying channel — at most one packet crosses in either direction
// per tick.
func (m *Mux) Tick(ctx context.Context) error {
	if err := m.emu.RunUntilYield(ctx); err != nil {
		return fmt.Errorf("mux: run until yield: %w", err)
	}

	if pkt, ok := m.emu.ReceiveRequest(); ok {
		m.pushRead(pkt)
		if err := m.emu.SendResponse(nil); err != nil {
			return fmt.Errorf("mux: send empty response: %w", err)
		}
	} else if out, ok := m.popWriteTail(); ok {
		if err := m.emu.SendResponse(vsockwire.EncodePacket(out)); err != nil {
			return fmt.Errorf("mux: send queued packet: %w", err)
		}
	} else {
		if err := m.emu.SendResponse(nil); err != nil {
			return fmt.Errorf("mux: send empty response: %w", err)
		}
	}

	for {
		pkt, ok := m.popRead()
		if !ok {
			break
		}
		m.dispatch(pkt)
	}

	m.pollConnections()
	return nil
}

func (m *Mux) pushRead(p vsockwire.Packet)  { m.readQueue = append(m.readQueue, p) }
func (m *Mux) pushWrite(p vsockwire.Packet) { m.writeQueue = append(m.writeQueue, p) }

func (m *Mux) popRead() (vsockwire.Packet, bool) {
	if len(m.readQueue) == 0 {
		return vsockwire.Packet{}, false
	}
	p := m.readQueue[0]
	m.readQueue = m.readQueue[1:]
	return p, true
}

// popWriteTail pops from the end of the write queue: it is a stack, not a
// FIFO, so the most recently queued packet goes out first.
func (m *Mux) popWriteTail() (vsockwire.Packet, bool) {
	n := len(m.writeQueue)
	if n == 0 {
		return vsockwire.Packet{}, false
	}
	p := m.writeQueue[n-1]
	m.writeQueue = m.writeQueue[:n-1]
	return p, true
}

// hostPacket builds a packet the host originates on its own initiative
// (REQUEST to open a connection, RW carrying outbound data, SHUTDOWN on
// teardown) rather than one replying to a specific received header.
func hostPacket(localPort, guestPort uint32, op uint16, payload []byte) vsockwire.Packet {
	hdr := vsockwire.Header{
		SrcCID:   HostCID,
		DstCID:   GuestCID,
		SrcPort:  localPort,
		DstPort:  guestPort,
		Len:      uint32(len(payload)),
		Type:     vsockwire.TypeStream,
		Op:       op,
		BufAlloc: vsockwire.MaxPayload,
	}
	return vsockwire.Packet{Header: hdr, Payload: payload}
}

// pollConnections polls every established connection once for outbound
// data and once for a shutdown signal, in ascending peer_port order so
// that two ticks over the same connection set always produce packets in
// the same order.
func (m *Mux) pollConnections() {
	peerPorts := make([]uint32, 0, len(m.connMeta))
	for peerPort := range m.connMeta {
		peerPorts = append(peerPorts, peerPort)
	}
	sort.Slice(peerPorts, func(i, j int) bool { return peerPorts[i] < peerPorts[j] })

	for _, peerPort := range peerPorts {
		conn := m.connMeta[peerPort]
		if conn.State != StateEstablished {
			continue
		}

		var data []byte
		var ok bool
		switch conn.Role {
		case RoleService:
			if svc, exists := m.listeners[conn.LocalPort]; exists {
				data, ok = svc.GetWriteData(peerPort)
			}
		case RoleClient:
			if cl, exists := m.clients[conn.LocalPort]; exists {
				data, ok = cl.GetWriteData(peerPort)
			}
		}
		if ok {
			m.pushWrite(hostPacket(conn.LocalPort, peerPort, vsockwire.OpRW, data))
		}

		shutdown := false
		switch conn.Role {
		case RoleService:
			if svc, exists := m.listeners[conn.LocalPort]; exists {
				shutdown = svc.ShouldShutdown(peerPort)
			}
		case RoleClient:
			if cl, exists := m.clients[conn.LocalPort]; exists {
				shutdown = cl.ShouldShutdown(peerPort)
			}
		}
		if shutdown {
			m.pushWrite(hostPacket(conn.LocalPort, peerPort, vsockwire.OpShutdown, nil))
			m.teardown(peerPort)
		}
	}
}

// IsPending reports whether a REQUEST for targetPort is still awaiting a
// RESPONSE or RST.
func (m *Mux) IsPending(targetPort uint32) bool {
	_, ok := m.pendingRequests[targetPort]
	return ok
}

// IsEstablished reports whether peerPort has an open connection, in
// either the service or client registry.
func (m *Mux) IsEstablished(peerPort uint32) bool {
	if _, ok := m.serviceConnByPeer[peerPort]; ok {
		return true
	}
	_, ok := m.clientConnByPeer[peerPort]
	return ok
}

// teardown removes all state associated with a peer port, regardless of
// which registry it lived in.
func (m *Mux) teardown(peerPort uint32) {
	delete(m.serviceConnByPeer, peerPort)
	delete(m.clientConnByPeer, peerPort)
	delete(m.connMeta, peerPort)
}
