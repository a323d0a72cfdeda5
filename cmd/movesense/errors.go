package main

import (
	"errors"
	"fmt"

	"github.com/srg/movesense/internal/mds"
)

// FormatUserError turns session errors into messages with a hint on what to do.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, mds.ErrPermissionDenied):
		return fmt.Sprintf("%v\nGrant this terminal Bluetooth access (macOS: System Settings > Privacy & Security > Bluetooth)", err)
	case errors.Is(err, mds.ErrTransportUnavailable):
		return fmt.Sprintf("%v\nIs Bluetooth turned on?", err)
	case errors.Is(err, mds.ErrRequestTimeout):
		return fmt.Sprintf("%v\nThe sensor did not answer; it may be out of range or asleep", err)
	case errors.Is(err, mds.ErrDeviceDisconnected):
		return fmt.Sprintf("%v\nRun 'movesense scan' to check the sensor is advertising", err)
	default:
		return err.Error()
	}
}
