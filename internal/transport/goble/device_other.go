//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"

	"github.com/srg/movesense/internal/mds"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, mds.Newf(mds.KindTransportUnavailable, "BLE is not supported on %s", runtime.GOOS)
}
