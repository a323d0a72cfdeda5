// Package transport defines the boundary between the session and a BLE stack
// that speaks the Movesense resource protocol.
//
// Calls are asynchronous: a returned error means the call could not be
// issued at all, while outcomes (scan results, connection progress, request
// responses, notifications) arrive later as mds events through the Sink
// passed to Init. Subscribe is the exception; it returns once the device
// acknowledged the subscription.
package transport

import (
	"context"

	"github.com/srg/movesense/internal/mds"
)

// Sink receives transport events. It must not block for long; the session's
// sink only enqueues.
type Sink func(mds.Event)

// Transport is implemented by BLE adapters.
type Transport interface {
	// Init prepares the radio and installs the event sink. Returns
	// mds.ErrTransportUnavailable or mds.ErrPermissionDenied when the stack
	// cannot be used.
	Init(ctx context.Context, sink Sink) error

	// Scan starts discovery and emits ScanStarted, then ScannedDevice per
	// sighting, then ScanStopped when stopped or the scan period elapses.
	Scan(ctx context.Context) error
	StopScan(ctx context.Context) error

	// Connect emits Connected once the link is up and ConnectionCompleted
	// with the serial once the device handshake is done. Failure is reported
	// as Disconnected or as an Error carrying the address.
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error

	// Request sends a GET/PUT/POST/DELETE to the device at address. The
	// outcome is a <METHOD>Success or Error event echoing uri and contract.
	Request(ctx context.Context, address string, method mds.Method, uri, contract string) error

	// Subscribe returns once the device accepted the subscription.
	// Notification and NotificationError events carry the caller-chosen id,
	// possibly before Subscribe returns.
	Subscribe(ctx context.Context, id, address, uri, contract string) error
	Unsubscribe(ctx context.Context, id string) error

	Close() error
}
