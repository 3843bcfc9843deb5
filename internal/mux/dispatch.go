package mux

import "github.com/tinyrange/vsock-bridge/internal/vsockwire"

// dispatch routes one packet the guest sent according to its opcode. It
// never blocks and never itself talks to the CMIO channel directly — any
// reply it needs to send is staged on the write queue for a later tick.
func (m *Mux) dispatch(pkt vsockwire.Packet) {
	switch pkt.Header.Op {
	case vsockwire.OpRequest:
		m.dispatchRequest(pkt)
	case vsockwire.OpResponse:
		m.dispatchResponse(pkt)
	case vsockwire.OpRW:
		m.dispatchData(pkt)
	case vsockwire.OpRST:
		m.dispatchReset(pkt)
	case vsockwire.OpShutdown:
		m.dispatchShutdown(pkt)
	default:
		m.logger.Debug("mux: dropping packet with unhandled opcode", "op", vsockwire.OpName(pkt.Header.Op))
	}
}

// dispatchRequest handles a guest-initiated REQUEST. A listener at the
// destination port accepts it (reply RESPONSE, create the connection,
// fire OnConnection); otherwise the host refuses it (reply RST).
func (m *Mux) dispatchRequest(pkt vsockwire.Packet) {
	guestPort := pkt.Header.SrcPort
	targetPort := pkt.Header.DstPort

	svc, ok := m.listeners[targetPort]
	if !ok {
		m.pushWrite(vsockwire.Packet{Header: vsockwire.Reply(pkt.Header, vsockwire.OpRST, 0)})
		return
	}

	if _, already := m.serviceConnByPeer[guestPort]; already {
		m.logger.Debug("mux: REQUEST for already-connected peer port, resetting", "peer_port", guestPort)
		m.pushWrite(vsockwire.Packet{Header: vsockwire.Reply(pkt.Header, vsockwire.OpRST, 0)})
		return
	}

	m.serviceConnByPeer[guestPort] = targetPort
	m.connMeta[guestPort] = &Connection{
		LocalCID:   HostCID,
		LocalPort:  targetPort,
		RemoteCID:  pkt.Header.SrcCID,
		RemotePort: guestPort,
		OpenHeader: pkt.Header,
		Role:       RoleService,
		State:      StateEstablished,
	}

	m.pushWrite(vsockwire.Packet{Header: vsockwire.Reply(pkt.Header, vsockwire.OpResponse, 0)})
	svc.OnConnection(guestPort)
}

// dispatchResponse handles a guest RESPONSE to a REQUEST the host's Client
// side initiated. A RESPONSE with no matching PendingRequest is dropped.
func (m *Mux) dispatchResponse(pkt vsockwire.Packet) {
	// The guest's RESPONSE carries the same guest port that InitiateConnection
	// addressed its REQUEST to — that's the key pendingRequests is stored under.
	guestPort := pkt.Header.SrcPort

	pending, ok := m.pendingRequests[guestPort]
	if !ok {
		m.logger.Debug("mux: RESPONSE with no pending request, dropping", "guest_port", guestPort)
		return
	}
	delete(m.pendingRequests, guestPort)

	cl, ok := m.clients[pending.ClientPort]
	if !ok {
		return
	}

	m.clientConnByPeer[guestPort] = pending.ClientPort
	m.connMeta[guestPort] = &Connection{
		LocalCID:   HostCID,
		LocalPort:  pending.ClientPort,
		RemoteCID:  pkt.Header.SrcCID,
		RemotePort: guestPort,
		OpenHeader: pkt.Header,
		Role:       RoleClient,
		State:      StateEstablished,
	}

	cl.OnConnectSuccess(guestPort)
}

// dispatchData delivers an RW packet's payload to whichever side owns the
// peer port. An RW for a peer with no open connection is dropped without a
// reply — unlike an unroutable REQUEST, there is nothing on the other side
// left to tear down.
func (m *Mux) dispatchData(pkt vsockwire.Packet) {
	guestPort := pkt.Header.SrcPort

	if svcPort, ok := m.serviceConnByPeer[guestPort]; ok {
		if svc, exists := m.listeners[svcPort]; exists {
			svc.OnData(guestPort, pkt.Payload)
		}
		return
	}
	if clPort, ok := m.clientConnByPeer[guestPort]; ok {
		if cl, exists := m.clients[clPort]; exists {
			cl.OnData(guestPort, pkt.Payload)
		}
		return
	}

	m.logger.Debug("mux: RW for unknown peer port, dropping", "peer_port", guestPort)
}

// dispatchReset tears down any connection or pending request for the
// peer port and notifies whichever side owned it.
func (m *Mux) dispatchReset(pkt vsockwire.Packet) {
	guestPort := pkt.Header.SrcPort

	if svcPort, ok := m.serviceConnByPeer[guestPort]; ok {
		m.teardown(guestPort)
		if svc, exists := m.listeners[svcPort]; exists {
			svc.OnReset(guestPort)
		}
		return
	}
	if clPort, ok := m.clientConnByPeer[guestPort]; ok {
		m.teardown(guestPort)
		if cl, exists := m.clients[clPort]; exists {
			cl.OnReset(guestPort)
		}
		return
	}

	if pending, ok := m.pendingRequests[guestPort]; ok {
		delete(m.pendingRequests, guestPort)
		if cl, exists := m.clients[pending.ClientPort]; exists {
			cl.OnConnectFailed(guestPort)
		}
	}
}

// dispatchShutdown handles a guest-initiated graceful close.
func (m *Mux) dispatchShutdown(pkt vsockwire.Packet) {
	guestPort := pkt.Header.SrcPort

	if svcPort, ok := m.serviceConnByPeer[guestPort]; ok {
		m.teardown(guestPort)
		if svc, exists := m.listeners[svcPort]; exists {
			svc.OnShutdown(guestPort)
		}
		return
	}
	if clPort, ok := m.clientConnByPeer[guestPort]; ok {
		m.teardown(guestPort)
		if cl, exists := m.clients[clPort]; exists {
			cl.OnShutdown(guestPort)
		}
		return
	}

	m.logger.Debug("mux: SHUTDOWN for unknown peer port, ignoring", "peer_port", guestPort)
}
