package cmio

import "fmt"

// MockDriver is a test double for non-Linux hosts (and for unit tests on
// any host): it reproduces the Driver surface over two in-memory buffers
// instead of a real /dev/cmio mapping, and lets a test script the bytes the
// "guest side" would have produced.
type MockDriver struct {
	tx []byte
	rx []byte

	// script holds successive RX payloads to hand back from SendCMIO,
	// simulating a scripted sequence of vsock handshake replies from the
	// guest. Yield does not consume it. When exhausted, SendCMIO returns an
	// empty RX buffer.
	script [][]byte

	// Sent records every buffer written into TX across calls, so a test can
	// assert on exactly what the driver under test transmitted.
	Sent [][]byte

	closed bool
}

// NewMockDriver creates a mock with the given TX/RX mapping sizes.
func NewMockDriver(txLen, rxLen int) *MockDriver {
	return &MockDriver{
		tx: make([]byte, txLen),
		rx: make([]byte, rxLen),
	}
}

// ScriptReply appends a payload to be returned (as if it arrived from the
// guest) on the next SendCMIO call, in FIFO order.
func (m *MockDriver) ScriptReply(payload []byte) {
	m.script = append(m.script, payload)
}

func (m *MockDriver) TxSlice() []byte    { return m.tx }
func (m *MockDriver) TxSliceMut() []byte { return m.tx }
func (m *MockDriver) RxSlice() []byte    { return m.rx }
func (m *MockDriver) TxLen() int         { return len(m.tx) }
func (m *MockDriver) RxLen() int         { return len(m.rx) }

func (m *MockDriver) Yield(device, command byte, reason uint16, payloadLen uint32) (YieldWord, error) {
	return YieldWord{Dev: device, Cmd: command, Reason: reason, Data: payloadLen}, nil
}

// SendCMIO records txBytes, yields, and pops the next scripted reply (if
// any) into the RX mapping, returning a copy truncated to that reply's
// length — an un-scripted (or exhausted) call reports zero bytes, the same
// "nothing this round" signal the real driver reports via the yield
// reply's data field.
func (m *MockDriver) SendCMIO(txBytes []byte, domain uint16) ([]byte, error) {
	if len(txBytes) > len(m.tx) {
		return nil, fmt.Errorf("%w: tx payload %d exceeds tx buffer %d", ErrInvalidArgument, len(txBytes), len(m.tx))
	}

	sent := make([]byte, len(txBytes))
	copy(sent, txBytes)
	m.Sent = append(m.Sent, sent)

	clear(m.rx)
	n := 0
	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		n = copy(m.rx, next)
	}

	if _, err := m.Yield(HTIFYieldDevice, HTIFCmdManual, domain, uint32(n)); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, m.rx[:n])
	return out, nil
}

func (m *MockDriver) Close() error {
	m.closed = true
	return nil
}

// Closed reports whether Close was called, for test assertions.
func (m *MockDriver) Closed() bool { return m.closed }

var _ Driver = (*MockDriver)(nil)
