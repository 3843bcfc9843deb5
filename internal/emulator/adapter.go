// Package emulator wraps the CMIO driver's yield-based primitive into the
// three-method surface (run-until-yield, receive one request, send one
// response) the multiplexer is written against, so the multiplexer never
// has to know about ioctls, mappings, or yield words.
package emulator

import (
	"context"
	"log/slog"

	"github.com/tinyrange/vsock-bridge/internal/cmio"
	"github.com/tinyrange/vsock-bridge/internal/vsockwire"
)

// Emulator is the three-method surface the multiplexer depends on.
// A real Adapter backs it with a cmio.Driver; tests and the mock agent path
// can substitute any other implementation.
type Emulator interface {
	// RunUntilYield drives the machine until it yields for the next CMIO
	// round trip, delivering whatever response was staged by the last call
	// to SendResponse.
	RunUntilYield(ctx context.Context) error

	// ReceiveRequest returns the packet decoded from the guest's last TX
	// output, if any. It returns (Packet{}, false) when the guest produced
	// no payload, or a payload the codec rejects (logged and dropped).
	ReceiveRequest() (vsockwire.Packet, bool)

	// SendResponse stages bytes to be delivered to the guest on the next
	// RunUntilYield. An empty slice is a valid "nothing to deliver"
	// response.
	SendResponse(payload []byte) error
}

// Adapter implements Emulator over a cmio.Driver: one RunUntilYield call is
// one cmio.Driver.SendCMIO round trip — the pending response staged by the
// previous tick's SendResponse goes out as the TX payload, and whatever the
// guest produced comes back as the RX payload to be classified by the next
// ReceiveRequest call.
type Adapter struct {
	driver cmio.Driver
	logger *slog.Logger

	pending []byte
	lastRX  []byte
	hasRX   bool
}

// NewAdapter wraps driver. logger defaults to slog.Default() if nil.
func NewAdapter(driver cmio.Driver, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{driver: driver, logger: logger}
}

func (a *Adapter) RunUntilYield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rx, err := a.driver.SendCMIO(a.pending, cmio.VsockDomain)
	if err != nil {
		return err
	}

	a.pending = nil
	a.lastRX = rx
	a.hasRX = true
	return nil
}

func (a *Adapter) ReceiveRequest() (vsockwire.Packet, bool) {
	if !a.hasRX {
		return vsockwire.Packet{}, false
	}
	data := a.lastRX
	a.hasRX = false
	a.lastRX = nil

	if len(data) == 0 {
		return vsockwire.Packet{}, false
	}

	pkt, err := vsockwire.Decode(data)
	if err != nil {
		a.logger.Debug("cmio request failed to decode as vsock packet", "side", "host", "error", err, "raw_len", len(data))
		return vsockwire.Packet{}, false
	}
	return pkt, true
}

func (a *Adapter) SendResponse(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	a.pending = buf
	return nil
}

var _ Emulator = (*Adapter)(nil)
