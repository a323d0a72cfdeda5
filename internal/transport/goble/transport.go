// Package goble implements transport.Transport on top of go-ble, speaking
// the Movesense resource protocol as newline-delimited JSON frames over the
// Nordic UART Service.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/transport"
)

// Options configures the adapter. Zero fields take their default tag.
type Options struct {
	// ScanPeriod bounds every scan; the scan stops by itself afterwards.
	ScanPeriod time.Duration `default:"10s" yaml:"scan_period"`
	// NamePrefix filters advertisements by local name. Empty disables filtering.
	NamePrefix      string `default:"Movesense" yaml:"name_prefix"`
	AllowDuplicates bool   `yaml:"allow_duplicates"`

	DialTimeout      time.Duration `default:"20s" yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `default:"10s" yaml:"handshake_timeout"`

	WriteChunkSize int           `default:"20" yaml:"write_chunk_size"`
	WriteDelay     time.Duration `default:"10ms" yaml:"write_delay"`
	WriteBuffer    int           `default:"4096" yaml:"write_buffer"`
	MaxFrameSize   int           `default:"65536" yaml:"max_frame_size"`
}

// Option customizes a Transport beyond Options.
type Option func(*Transport)

// WithRadio replaces the platform BLE device.
func WithRadio(r Radio) Option {
	return func(t *Transport) {
		t.open = func() (Radio, error) { return r, nil }
	}
}

type remoteSub struct {
	address string
	ref     uint32
}

// Transport drives one BLE adapter. It is safe for concurrent use.
type Transport struct {
	logger *logrus.Logger
	opts   Options
	open   func() (Radio, error)

	mu         sync.Mutex
	radio      Radio
	sink       transport.Sink
	scanCancel context.CancelFunc
	scanGen    uint64
	dials      map[string]context.CancelFunc
	links      map[string]*link
	subs       map[string]remoteSub
	closed     bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates an adapter. The radio is opened by Init.
func New(logger *logrus.Logger, opts Options, extra ...Option) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	t := &Transport{
		logger: logger,
		opts:   opts,
		open:   openRadio,
		dials:  make(map[string]context.CancelFunc),
		links:  make(map[string]*link),
		subs:   make(map[string]remoteSub),
	}
	for _, o := range extra {
		o(t)
	}
	return t
}

func (t *Transport) Init(ctx context.Context, sink transport.Sink) error {
	if sink == nil {
		return errors.New("nil event sink")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mds.ErrSessionClosed
	}
	t.sink = sink
	if t.radio != nil {
		return nil
	}

	r, err := t.open()
	if err != nil {
		t.logger.WithError(err).Error("Failed to create BLE device")
		return initError(err)
	}
	t.radio = r
	t.logger.Debug("BLE device initialized")
	return nil
}

func (t *Transport) emit(ev mds.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (t *Transport) ready() (Radio, error) {
	if t.closed {
		return nil, mds.ErrSessionClosed
	}
	if t.radio == nil {
		return nil, mds.ErrNotInitialized
	}
	return t.radio, nil
}

// Scan runs one discovery period in the background.
func (t *Transport) Scan(_ context.Context) error {
	t.mu.Lock()
	r, err := t.ready()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.scanCancel != nil {
		t.mu.Unlock()
		t.emit(mds.ScanStartedEvent{})
		return nil
	}
	scanCtx, cancel := context.WithTimeout(context.Background(), t.opts.ScanPeriod)
	t.scanCancel = cancel
	t.scanGen++
	gen := t.scanGen
	t.mu.Unlock()

	t.emit(mds.ScanStartedEvent{})
	t.logger.WithField("period", t.opts.ScanPeriod).Debug("Scanning")

	groutine.GoSafe(scanCtx, "ble-scan", t.logger, func(ctx context.Context) {
		defer func() {
			cancel()
			// A scan superseded by StopScan has already been reported.
			t.mu.Lock()
			current := t.scanGen == gen && t.scanCancel != nil
			if current {
				t.scanCancel = nil
			}
			t.mu.Unlock()
			if current {
				t.emit(mds.ScanStoppedEvent{})
			}
		}()

		err := r.Scan(ctx, t.opts.AllowDuplicates, func(address, name string) {
			if ctx.Err() != nil {
				return
			}
			if t.opts.NamePrefix != "" && !strings.HasPrefix(name, t.opts.NamePrefix) {
				return
			}
			t.emit(mds.ScannedDeviceEvent{Address: address, Name: name})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = NormalizeError(err)
			t.logger.WithError(err).Warn("Scan failed")
			t.emit(mds.ErrorEvent{Message: err.Error()})
		}
	})
	return nil
}

// StopScan cancels the running scan and reports ScanStopped before
// returning, so a Scan issued right after starts a fresh one.
func (t *Transport) StopScan(_ context.Context) error {
	t.mu.Lock()
	if _, err := t.ready(); err != nil {
		t.mu.Unlock()
		return err
	}
	cancel := t.scanCancel
	t.scanCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.emit(mds.ScanStoppedEvent{})
	return nil
}

// Connect dials address in the background. Progress is reported as
// Connected, then ConnectionCompleted once the handshake returned the serial.
func (t *Transport) Connect(_ context.Context, address string) error {
	t.mu.Lock()
	r, err := t.ready()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if l, ok := t.links[address]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is already linked", mds.ErrAlreadyConnecting, l.address)
	}
	if _, ok := t.dials[address]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", mds.ErrAlreadyConnecting, address)
	}
	dialCtx, cancel := context.WithCancel(context.Background())
	t.dials[address] = cancel
	t.mu.Unlock()

	groutine.GoSafe(dialCtx, "ble-connect", t.logger, func(ctx context.Context) {
		defer func() {
			t.mu.Lock()
			delete(t.dials, address)
			t.mu.Unlock()
			cancel()
		}()
		if err := t.connect(ctx, r, address); err != nil {
			t.logger.WithField("address", address).WithError(err).Warn("Connect failed")
			t.emit(mds.ErrorEvent{Message: err.Error(), RequestType: mds.MethodConnect, Address: address})
		}
	})
	return nil
}

func (t *Transport) connect(ctx context.Context, r Radio, address string) error {
	log := t.logger.WithField("address", address)
	log.Debug("Dialing BLE device...")

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	client, err := r.Dial(dialCtx, address)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", NormalizeError(err))
	}

	rx, tx, err := discoverUART(client)
	if err != nil {
		_ = client.CancelConnection()
		return err
	}

	l := newLink(address, client, rx, t.opts, t.logger, t.emit)
	if err := client.Subscribe(tx, false, l.onData); err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("subscribe TX: %w", NormalizeError(err))
	}

	t.mu.Lock()
	if ctx.Err() != nil || t.closed {
		t.mu.Unlock()
		l.close(context.Canceled)
		return fmt.Errorf("connect to %s abandoned", address)
	}
	t.links[address] = l
	t.mu.Unlock()

	l.start()
	t.monitor(l, client)
	t.emit(mds.ConnectedEvent{Address: address})
	log.Debug("Link up, sending handshake")

	helloCtx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	serial, err := l.hello(helloCtx)
	cancel()
	if err != nil {
		t.dropLink(address, l)
		l.close(err)
		return fmt.Errorf("handshake: %w", err)
	}

	log.WithField("serial", serial).Info("Device connected")
	t.emit(mds.ConnectionCompletedEvent{Address: address, Serial: serial})
	return nil
}

func discoverUART(client Client) (rx, tx *ble.Characteristic, err error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, nil, fmt.Errorf("discover profile: %w", NormalizeError(err))
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(SerialServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(SerialRxCharUUID):
				rx = c
			case c.UUID.Equal(SerialTxCharUUID):
				tx = c
			}
		}
	}
	if rx == nil || tx == nil {
		return nil, nil, fmt.Errorf("serial service %s not found", SerialServiceUUID)
	}
	return rx, tx, nil
}

// monitor reports link loss the session did not ask for.
func (t *Transport) monitor(l *link, client Client) {
	dn, ok := client.(disconnectNotifier)
	if !ok {
		t.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-dn.Disconnected():
			if t.dropLink(l.address, l) {
				t.logger.WithField("address", l.address).Warn("Device disconnected")
				l.cancel(mds.ErrDeviceDisconnected)
				t.emit(mds.DisconnectedEvent{Address: l.address})
			}
		case <-l.done():
		}
	})
}

// dropLink unregisters l and its subscriptions. It reports false if l was
// already gone.
func (t *Transport) dropLink(address string, l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[address] != l {
		return false
	}
	delete(t.links, address)
	for id, s := range t.subs {
		if s.address == address {
			delete(t.subs, id)
		}
	}
	return true
}

// Disconnect tears down the link or aborts a dial in progress. Unknown
// addresses are not an error.
func (t *Transport) Disconnect(_ context.Context, address string) error {
	t.mu.Lock()
	if _, err := t.ready(); err != nil {
		t.mu.Unlock()
		return err
	}
	if cancel, ok := t.dials[address]; ok {
		cancel()
	}
	l := t.links[address]
	t.mu.Unlock()

	if l == nil {
		return nil
	}
	t.dropLink(address, l)
	l.close(mds.ErrDeviceDisconnected)
	t.logger.WithField("address", address).Info("Disconnected")
	return nil
}

func (t *Transport) link(address string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.ready(); err != nil {
		return nil, err
	}
	l, ok := t.links[address]
	if !ok {
		return nil, mds.Newf(mds.KindDeviceDisconnected, "%s is not connected", address)
	}
	return l, nil
}

func (t *Transport) Request(_ context.Context, address string, method mds.Method, uri, contract string) error {
	l, err := t.link(address)
	if err != nil {
		return err
	}
	return l.request(method, uri, contract)
}

func (t *Transport) Subscribe(ctx context.Context, id, address, uri, contract string) error {
	l, err := t.link(address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	_, clash := t.subs[id]
	t.mu.Unlock()
	if clash {
		return &mds.SubscriptionError{Message: "subscription id already in use", Subscription: id, URI: uri, Contract: contract}
	}

	ref, err := l.subscribe(ctx, id, uri, contract)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.subs[id] = remoteSub{address: address, ref: ref}
	t.mu.Unlock()
	t.logger.WithFields(logrus.Fields{"subscription": id, "uri": uri}).Debug("Subscribed")
	return nil
}

// Unsubscribe of an unknown id, or of a subscription whose link is gone, is a no-op.
func (t *Transport) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	s, ok := t.subs[id]
	delete(t.subs, id)
	l := t.links[s.address]
	t.mu.Unlock()

	if !ok || l == nil {
		return nil
	}
	return l.unsubscribe(ctx, s.ref)
}

// Close stops scanning, drops every link and releases the radio.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.scanCancel != nil {
		t.scanCancel()
	}
	for _, cancel := range t.dials {
		cancel()
	}
	links := t.links
	t.links = make(map[string]*link)
	t.subs = make(map[string]remoteSub)
	r := t.radio
	t.mu.Unlock()

	for _, l := range links {
		l.close(mds.ErrSessionClosed)
	}
	if r == nil {
		return nil
	}
	return r.Stop()
}
