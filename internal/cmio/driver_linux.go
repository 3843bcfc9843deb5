//go:build linux

package cmio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxDriver is the real Driver backed by /dev/cmio.
type linuxDriver struct {
	fd int

	txMmap []byte
	rxMmap []byte
	txLen  int
	rxLen  int
}

// Open opens /dev/cmio, runs the setup ioctl to discover the TX/RX buffer
// descriptors, and maps both regions: TX read-write, RX read-only, both
// MAP_SHARED. Any partial success is rolled back before returning an error.
func Open() (Driver, error) {
	fd, err := unix.Open(DevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, ioErr("open", err)
	}

	var setup cmioSetupRaw
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmioIoctlSetup), uintptr(unsafe.Pointer(&setup))); errno != 0 {
		_ = unix.Close(fd)
		return nil, ioErr("setup ioctl", errno)
	}

	txMmap, err := unix.Mmap(fd, int64(setup.TxAddr), int(setup.TxLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cmio: mmap tx: %w: %w", ErrMmapFailed, err)
	}

	rxMmap, err := unix.Mmap(fd, int64(setup.RxAddr), int(setup.RxLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(txMmap)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("cmio: mmap rx: %w: %w", ErrMmapFailed, err)
	}

	return &linuxDriver{
		fd:     fd,
		txMmap: txMmap,
		rxMmap: rxMmap,
		txLen:  int(setup.TxLen),
		rxLen:  int(setup.RxLen),
	}, nil
}

func (d *linuxDriver) TxSlice() []byte    { return d.txMmap[:d.txLen] }
func (d *linuxDriver) TxSliceMut() []byte { return d.txMmap[:d.txLen] }
func (d *linuxDriver) RxSlice() []byte    { return d.rxMmap[:d.rxLen] }
func (d *linuxDriver) TxLen() int         { return d.txLen }
func (d *linuxDriver) RxLen() int         { return d.rxLen }

func (d *linuxDriver) Yield(device, command byte, reason uint16, payloadLen uint32) (YieldWord, error) {
	req := Pack(YieldWord{Dev: device, Cmd: command, Reason: reason, Data: payloadLen})
	reply := req

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(cmioIoctlYield), uintptr(unsafe.Pointer(&reply))); errno != 0 {
		return YieldWord{}, ioErr("yield ioctl", errno)
	}

	return Unpack(reply), nil
}

func (d *linuxDriver) SendCMIO(txBytes []byte, domain uint16) ([]byte, error) {
	if len(txBytes) > d.txLen {
		return nil, fmt.Errorf("%w: tx payload %d exceeds tx buffer %d", ErrInvalidArgument, len(txBytes), d.txLen)
	}

	copy(d.txMmap, txBytes)

	reply, err := d.Yield(HTIFYieldDevice, HTIFCmdManual, domain, uint32(len(txBytes)))
	if err != nil {
		return nil, err
	}

	n := int(reply.Data)
	if n > d.rxLen {
		n = d.rxLen
	}
	rx := make([]byte, n)
	copy(rx, d.rxMmap[:n])
	return rx, nil
}

// Close unmaps RX, then TX, then closes the fd, swallowing individual
// errors so the caller always observes a clean shutdown.
func (d *linuxDriver) Close() error {
	_ = unix.Munmap(d.rxMmap)
	_ = unix.Munmap(d.txMmap)
	_ = unix.Close(d.fd)
	return nil
}

var _ Driver = (*linuxDriver)(nil)
