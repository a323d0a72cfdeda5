package goble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
)

// Radio is the part of a ble.Device the transport drives.
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h func(address, name string)) error
	Dial(ctx context.Context, address string) (Client, error)
	Stop() error
}

// Client is the part of a ble.Client a link needs. ble.Client satisfies it.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
}

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // matches the go-ble naming of the platform device
var DeviceFactory = newPlatformDevice

type bleRadio struct {
	dev ble.Device
}

func openRadio() (Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &bleRadio{dev: dev}, nil
}

func (r *bleRadio) Scan(ctx context.Context, allowDup bool, h func(address, name string)) error {
	return r.dev.Scan(ctx, allowDup, func(a ble.Advertisement) {
		h(a.Addr().String(), a.LocalName())
	})
}

func (r *bleRadio) Dial(ctx context.Context, address string) (Client, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *bleRadio) Stop() error {
	if err := r.dev.Stop(); err != nil {
		return fmt.Errorf("stop BLE device: %w", err)
	}
	return nil
}

// disconnectNotifier is implemented by clients that report link loss
// (CoreBluetooth, and the Linux HCI client).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}
