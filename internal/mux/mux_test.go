package mux

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/vsock-bridge/internal/vsockwire"
)

// fakeEmulator is a scriptable stand-in for emulator.Emulator: each Tick
// consumes one entry from incoming (if any) as the "guest sent this" packet,
// and records whatever SendResponse staged.
type fakeEmulator struct {
	incoming []vsockwire.Packet // packets to hand back from ReceiveRequest, in order
	sent     [][]byte           // every payload passed to SendResponse, in order
	nextIdx  int
}

func (f *fakeEmulator) RunUntilYield(ctx context.Context) error { return ctx.Err() }

func (f *fakeEmulator) ReceiveRequest() (vsockwire.Packet, bool) {
	if f.nextIdx >= len(f.incoming) {
		return vsockwire.Packet{}, false
	}
	p := f.incoming[f.nextIdx]
	f.nextIdx++
	return p, true
}

func (f *fakeEmulator) SendResponse(payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func requestPacket(guestPort, targetPort uint32) vsockwire.Packet {
	hdr := vsockwire.Header{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: guestPort, DstPort: targetPort,
		Type: vsockwire.TypeStream, Op: vsockwire.OpRequest,
		BufAlloc: vsockwire.MaxPayload,
	}
	return vsockwire.Packet{Header: hdr}
}

func rwPacket(guestPort, targetPort uint32, payload []byte) vsockwire.Packet {
	hdr := vsockwire.Header{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: guestPort, DstPort: targetPort,
		Len: uint32(len(payload)), Type: vsockwire.TypeStream, Op: vsockwire.OpRW,
		BufAlloc: vsockwire.MaxPayload,
	}
	return vsockwire.Packet{Header: hdr, Payload: payload}
}

func rstPacket(guestPort, targetPort uint32) vsockwire.Packet {
	hdr := vsockwire.Header{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: guestPort, DstPort: targetPort,
		Type: vsockwire.TypeStream, Op: vsockwire.OpRST,
		BufAlloc: vsockwire.MaxPayload,
	}
	return vsockwire.Packet{Header: hdr}
}

// recordingService counts every callback it receives and queues canned
// writes/shutdown decisions under test control.
type recordingService struct {
	connected  []uint32
	data       map[uint32][][]byte
	reset      []uint32
	shutdown   []uint32
	writeQueue map[uint32][][]byte
	shutNow    map[uint32]bool
}

func newRecordingService() *recordingService {
	return &recordingService{
		data:       make(map[uint32][][]byte),
		writeQueue: make(map[uint32][][]byte),
		shutNow:    make(map[uint32]bool),
	}
}

func (s *recordingService) OnConnection(peerPort uint32) { s.connected = append(s.connected, peerPort) }
func (s *recordingService) OnData(peerPort uint32, data []byte) {
	s.data[peerPort] = append(s.data[peerPort], append([]byte(nil), data...))
}
func (s *recordingService) OnReset(peerPort uint32)    { s.reset = append(s.reset, peerPort) }
func (s *recordingService) OnShutdown(peerPort uint32) { s.shutdown = append(s.shutdown, peerPort) }
func (s *recordingService) GetWriteData(peerPort uint32) ([]byte, bool) {
	q := s.writeQueue[peerPort]
	if len(q) == 0 {
		return nil, false
	}
	s.writeQueue[peerPort] = q[1:]
	return q[0], true
}
func (s *recordingService) ShouldShutdown(peerPort uint32) bool { return s.shutNow[peerPort] }

var _ Service = (*recordingService)(nil)

// Receiving a REQUEST consumes the tick's one outbound slot as an empty
// acknowledgment (the channel is half-duplex — it cannot also carry the
// real RESPONSE/RST in the same yield). The actual reply is queued and
// goes out on the next tick that has no fresh ingress to service.
func TestRequestToKnownListenerEstablishesConnection(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{requestPacket(50, 80)}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(svc.connected) != 1 || svc.connected[0] != 50 {
		t.Fatalf("OnConnection calls = %v, want [50]", svc.connected)
	}
	if svcPort, ok := m.serviceConnByPeer[50]; !ok || svcPort != 80 {
		t.Fatalf("serviceConnByPeer[50] = (%d, %v), want (80, true)", svcPort, ok)
	}
	if _, ok := m.clientConnByPeer[50]; ok {
		t.Fatalf("peer 50 must not also appear in clientConnByPeer")
	}

	if len(fake.sent) != 1 || len(fake.sent[0]) != 0 {
		t.Fatalf("first tick must send an empty ack, got %v", fake.sent)
	}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	pkt, err := vsockwire.Decode(fake.sent[1])
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if pkt.Header.Op != vsockwire.OpResponse {
		t.Fatalf("reply op = %s, want RESPONSE", vsockwire.OpName(pkt.Header.Op))
	}
	if pkt.Header.DstPort != 50 || pkt.Header.SrcPort != 80 {
		t.Fatalf("reply addressed (src=%d dst=%d), want (src=80 dst=50)", pkt.Header.SrcPort, pkt.Header.DstPort)
	}
}

func TestRequestToUnknownPortGetsRST(t *testing.T) {
	fake := &fakeEmulator{incoming: []vsockwire.Packet{requestPacket(50, 9999)}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}

	pkt, err := vsockwire.Decode(fake.sent[1])
	if err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if pkt.Header.Op != vsockwire.OpRST {
		t.Fatalf("reply op = %s, want RST", vsockwire.OpName(pkt.Header.Op))
	}
	if len(m.connMeta) != 0 {
		t.Fatalf("no connection should have been created, got %d", len(m.connMeta))
	}
}

func TestDataDispatchedToEstablishedServiceConnection(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{
		requestPacket(50, 80),
		rwPacket(50, 80, []byte("hello")),
	}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)

	for i := 0; i < 2; i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	if len(svc.data[50]) != 1 || string(svc.data[50][0]) != "hello" {
		t.Fatalf("svc.data[50] = %v, want [[]byte(\"hello\")]", svc.data[50])
	}
}

// TestDataOrderingPreserved checks that for a fixed peer port, delivering
// one RW packet per tick hands the service the payloads in exactly the
// order the guest transmitted them.
func TestDataOrderingPreserved(t *testing.T) {
	chunks := [][]byte{[]byte("GET /heal"), []byte("th HTTP/1.1"), []byte("\r\n"), []byte("\r\n")}

	incoming := []vsockwire.Packet{requestPacket(50, 80)}
	for _, chunk := range chunks {
		incoming = append(incoming, rwPacket(50, 80, chunk))
	}

	svc := newRecordingService()
	fake := &fakeEmulator{incoming: incoming}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)

	for i := 0; i < len(incoming); i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	var got []byte
	for _, d := range svc.data[50] {
		got = append(got, d...)
	}
	var want []byte
	for _, chunk := range chunks {
		want = append(want, chunk...)
	}
	if string(got) != string(want) {
		t.Fatalf("concatenated OnData bytes = %q, want %q", got, want)
	}
	if len(svc.data[50]) != len(chunks) {
		t.Fatalf("OnData called %d times, want %d", len(svc.data[50]), len(chunks))
	}
}

func TestRSTRemovesConnectionState(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{
		requestPacket(50, 80),
		rstPacket(50, 80),
	}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)

	for i := 0; i < 2; i++ {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	if len(svc.reset) != 1 || svc.reset[0] != 50 {
		t.Fatalf("OnReset calls = %v, want [50]", svc.reset)
	}
	if _, ok := m.serviceConnByPeer[50]; ok {
		t.Fatalf("serviceConnByPeer should no longer contain peer 50")
	}
	if _, ok := m.connMeta[50]; ok {
		t.Fatalf("connMeta should no longer contain peer 50")
	}
}

// TestHalfDuplexTickPrefersIngress verifies that when both an ingress
// packet arrives AND an egress packet is queued in the same tick, the
// ingress packet is serviced (the channel is half-duplex: never both).
func TestHalfDuplexTickPrefersIngress(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{requestPacket(50, 80)}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)

	// Pre-seed the write queue as if a previous connection staged data.
	m.pushWrite(hostPacket(80, 999, vsockwire.OpRW, []byte("stale")))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(fake.sent) != 1 || len(fake.sent[0]) != 0 {
		t.Fatalf("ingress must win the tick and send an empty ack, got %v", fake.sent)
	}
	// The pre-seeded stale packet is still queued, plus the new RESPONSE
	// dispatching the REQUEST staged — neither went out this tick.
	if len(m.writeQueue) != 2 {
		t.Fatalf("expected both the stale and the new reply still queued, got %d entries", len(m.writeQueue))
	}
}

func TestGetWriteDataStagesRWPacket(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{requestPacket(50, 80)}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)
	svc.writeQueue[50] = [][]byte{[]byte("world")}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// The REQUEST's RESPONSE is queued first, then the poll stage appends
	// the RW packet GetWriteData staged.
	if len(m.writeQueue) != 2 {
		t.Fatalf("expected the RESPONSE and the RW packet both queued, got %d", len(m.writeQueue))
	}
	queued := m.writeQueue[1]
	if queued.Header.Op != vsockwire.OpRW || string(queued.Payload) != "world" {
		t.Fatalf("queued packet = %+v, want RW \"world\"", queued)
	}
}

func TestShouldShutdownQueuesShutdownAndTearsDownConnection(t *testing.T) {
	svc := newRecordingService()
	fake := &fakeEmulator{incoming: []vsockwire.Packet{requestPacket(50, 80)}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterListener(80, svc)
	svc.shutNow[50] = true

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(m.writeQueue) != 2 || m.writeQueue[1].Header.Op != vsockwire.OpShutdown {
		t.Fatalf("expected a queued SHUTDOWN packet after the RESPONSE, got %+v", m.writeQueue)
	}
	if _, ok := m.connMeta[50]; ok {
		t.Fatalf("connection should be torn down once shutdown is staged")
	}
}

func TestInitiateConnectionQueuesRequestAndTracksPending(t *testing.T) {
	fake := &fakeEmulator{}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterClient(1025, &recordingClient{})

	if err := m.InitiateConnection(1025, 8080); err != nil {
		t.Fatalf("InitiateConnection: %v", err)
	}

	if len(m.writeQueue) != 1 {
		t.Fatalf("expected one queued REQUEST, got %d", len(m.writeQueue))
	}
	req := m.writeQueue[0]
	if req.Header.Op != vsockwire.OpRequest || req.Header.DstPort != 8080 || req.Header.SrcPort != 1025 {
		t.Fatalf("queued request = %+v, want REQUEST src=1025 dst=8080", req.Header)
	}
	if _, ok := m.pendingRequests[8080]; !ok {
		t.Fatalf("expected a PendingRequest recorded at port 8080")
	}
}

type recordingClient struct {
	connected []uint32
	failed    []uint32
}

func (c *recordingClient) OnConnectSuccess(peerPort uint32) {
	c.connected = append(c.connected, peerPort)
}
func (c *recordingClient) OnConnectFailed(peerPort uint32)             { c.failed = append(c.failed, peerPort) }
func (c *recordingClient) OnData(peerPort uint32, data []byte)         {}
func (c *recordingClient) OnReset(peerPort uint32)                     {}
func (c *recordingClient) OnShutdown(peerPort uint32)                  {}
func (c *recordingClient) GetWriteData(peerPort uint32) ([]byte, bool) { return nil, false }
func (c *recordingClient) ShouldShutdown(peerPort uint32) bool         { return false }

var _ Client = (*recordingClient)(nil)

func TestResponseCompletesClientConnection(t *testing.T) {
	cl := &recordingClient{}
	fake := &fakeEmulator{}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterClient(1025, cl)
	if err := m.InitiateConnection(1025, 8080); err != nil {
		t.Fatalf("InitiateConnection: %v", err)
	}

	respHdr := vsockwire.Header{
		SrcCID: GuestCID, DstCID: HostCID,
		SrcPort: 8080, DstPort: 1025,
		Type: vsockwire.TypeStream, Op: vsockwire.OpResponse, BufAlloc: vsockwire.MaxPayload,
	}
	fake.incoming = []vsockwire.Packet{{Header: respHdr}}

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(cl.connected) != 1 || cl.connected[0] != 8080 {
		t.Fatalf("OnConnectSuccess calls = %v, want [8080]", cl.connected)
	}
	if clPort, ok := m.clientConnByPeer[8080]; !ok || clPort != 1025 {
		t.Fatalf("clientConnByPeer[8080] = (%d, %v), want (1025, true)", clPort, ok)
	}
	if _, ok := m.pendingRequests[8080]; ok {
		t.Fatalf("pending request should be cleared once RESPONSE is handled")
	}
}

// TestRWWithNoConnectionIsDroppedSilently verifies the dispatch table's "RW,
// no connection -> drop silently" row: no reply is queued and no state is
// created, unlike the REQUEST-to-unknown-port case which does reply RST.
func TestRWWithNoConnectionIsDroppedSilently(t *testing.T) {
	fake := &fakeEmulator{incoming: []vsockwire.Packet{rwPacket(50, 80, []byte("orphan"))}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(m.writeQueue) != 0 {
		t.Fatalf("expected no reply queued for an orphan RW, got %d entries", len(m.writeQueue))
	}
	if len(m.connMeta) != 0 {
		t.Fatalf("an orphan RW must not create any connection state")
	}
}

func TestResponseWithNoPendingRequestIsDropped(t *testing.T) {
	fake := &fakeEmulator{incoming: []vsockwire.Packet{{
		Header: vsockwire.Header{
			SrcCID: GuestCID, DstCID: HostCID,
			SrcPort: 8080, DstPort: 1025,
			Type: vsockwire.TypeStream, Op: vsockwire.OpResponse, BufAlloc: vsockwire.MaxPayload,
		},
	}}}
	m := New(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(m.connMeta) != 0 || len(m.clientConnByPeer) != 0 {
		t.Fatalf("an orphan RESPONSE must not create any connection state")
	}
}
