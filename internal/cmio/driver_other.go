//go:build !linux

package cmio

import "errors"

// Open always fails on non-Linux hosts: there is no /dev/cmio outside the
// emulator's Linux guest. Callers there should use NewMockDriver instead.
func Open() (Driver, error) {
	return nil, errors.New("cmio: device only available on linux")
}
