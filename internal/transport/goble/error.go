package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/movesense/internal/mds"
)

// NormalizeError maps known go-ble error strings onto the mds error kinds.
// The original error stays wrapped for context; errors that already carry a
// kind and unknown errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := mds.KindOf(err); ok {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", mds.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"),
		containsIgnoreCase(msg, "unauthorized"):
		return fmt.Errorf("%w: %v", mds.ErrPermissionDenied, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", mds.ErrTransportUnavailable, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", mds.ErrDeviceDisconnected, err)
	default:
		return err
	}
}

// initError is NormalizeError for radio setup, where any failure means the
// transport cannot be used.
func initError(err error) error {
	err = NormalizeError(err)
	if errors.Is(err, mds.ErrPermissionDenied) || errors.Is(err, mds.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", mds.ErrTransportUnavailable, err)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
