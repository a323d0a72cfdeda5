package goble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/movesense/internal/groutine"
	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/transport"
)

// Nordic UART Service carrying the resource protocol.
var (
	SerialServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	SerialRxCharUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E") // client -> device
	SerialTxCharUUID  = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E") // device -> client
)

var errLinkClosed = errors.New("link closed")

type call struct {
	method   mds.Method
	uri      string
	contract string
	// reply is set for frames the link waits on itself (HELLO, SUB, UNSUB);
	// request outcomes are emitted as events instead.
	reply chan Frame
}

// link is one connected device: a UART write queue drained in MTU-sized
// chunks, and a decoder turning TX notifications into events.
type link struct {
	address string
	client  Client
	rx      *ble.Characteristic
	logger  *logrus.Logger
	emit    transport.Sink

	chunkSize  int
	writeDelay time.Duration

	writeMu sync.Mutex
	out     *ringbuffer.RingBuffer
	wake    chan struct{}

	dec *frameDecoder
	ref atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*call
	notify  map[uint32]string // SUB ref -> subscription id

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newLink(address string, client Client, rx *ble.Characteristic, opts Options, logger *logrus.Logger, emit transport.Sink) *link {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &link{
		address:    address,
		client:     client,
		rx:         rx,
		logger:     logger,
		emit:       emit,
		chunkSize:  opts.WriteChunkSize,
		writeDelay: opts.WriteDelay,
		out:        ringbuffer.New(opts.WriteBuffer),
		wake:       make(chan struct{}, 1),
		dec:        newFrameDecoder(opts.MaxFrameSize),
		pending:    make(map[uint32]*call),
		notify:     make(map[uint32]string),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (l *link) start() {
	groutine.GoSafe(l.ctx, "ble-uart-writer", l.logger, l.writeLoop)
}

func (l *link) close(cause error) {
	l.cancel(cause)
	if err := l.client.CancelConnection(); err != nil {
		l.logger.WithField("address", l.address).WithError(err).Debug("Cancel connection failed")
	}
}

func (l *link) done() <-chan struct{} {
	return l.ctx.Done()
}

// send queues f whole or not at all; a partial frame would corrupt the stream.
func (l *link) send(f Frame) error {
	if l.ctx.Err() != nil {
		return fmt.Errorf("%w: %s", mds.ErrDeviceDisconnected, l.address)
	}
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	if l.out.Free() < len(data) {
		l.writeMu.Unlock()
		return fmt.Errorf("write queue full for %s (%d bytes pending)", l.address, l.out.Length())
	}
	_, err = l.out.Write(data)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *link) writeLoop(ctx context.Context) {
	buf := make([]byte, l.chunkSize)
	for {
		if l.out.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
			continue
		}

		n, err := l.out.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			l.logger.WithError(err).Warn("UART queue read failed")
			continue
		}
		if n == 0 {
			continue
		}

		if err := l.client.WriteCharacteristic(l.rx, buf[:n], true); err != nil {
			l.logger.WithFields(logrus.Fields{"address": l.address, "bytes": n}).WithError(err).Warn("UART write failed")
			// The rest of the frame is useless once a chunk is lost.
			l.writeMu.Lock()
			l.out.Reset()
			l.writeMu.Unlock()
			l.failAll(NormalizeError(err))
			continue
		}
		l.logger.WithField("bytes", n).Trace("Wrote chunk to device")

		if !l.out.IsEmpty() && l.writeDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.writeDelay):
			}
		}
	}
}

// onData is the TX characteristic notification handler.
func (l *link) onData(p []byte) {
	frames, errs := l.dec.Feed(p)
	for _, err := range errs {
		l.logger.WithField("address", l.address).WithError(err).Warn("Dropping malformed frame")
	}
	for _, f := range frames {
		l.handleFrame(f)
	}
}

func (l *link) handleFrame(f Frame) {
	switch f.Op {
	case OpNotify, OpNotifyError:
		l.mu.Lock()
		id, ok := l.notify[f.Ref]
		l.mu.Unlock()
		if !ok {
			l.logger.WithFields(logrus.Fields{"ref": f.Ref, "uri": f.URI}).Debug("Notification for unknown subscription")
			return
		}
		if f.Op == OpNotify {
			l.emit(mds.NotificationEvent{Subscription: id, Data: string(f.Body)})
		} else {
			l.emit(mds.NotificationErrorEvent{Subscription: id, Message: f.Text()})
		}

	case "":
		l.mu.Lock()
		c, ok := l.pending[f.Ref]
		delete(l.pending, f.Ref)
		l.mu.Unlock()
		if !ok {
			l.logger.WithFields(logrus.Fields{"ref": f.Ref, "status": f.Status}).Debug("Response for unknown ref")
			return
		}
		if c.reply != nil {
			c.reply <- f
			return
		}
		if f.OK() {
			l.emit(mds.ResponseEvent{Method: c.method, URI: c.uri, Contract: c.contract, Data: string(f.Body)})
			return
		}
		l.emit(mds.ErrorEvent{
			Message:     f.statusError(),
			URI:         c.uri,
			Contract:    c.contract,
			RequestType: c.method,
			Address:     l.address,
		})

	default:
		l.logger.WithField("op", f.Op).Debug("Ignoring unexpected frame")
	}
}

// request sends a resource request; the outcome arrives as an event.
func (l *link) request(method mds.Method, uri, contract string) error {
	op, err := opFor(method)
	if err != nil {
		return err
	}
	ref := l.ref.Add(1)
	l.mu.Lock()
	l.pending[ref] = &call{method: method, uri: uri, contract: contract}
	l.mu.Unlock()

	if err := l.send(Frame{Op: op, Ref: ref, URI: mds.ResourcePath(uri), Body: contractBody(contract)}); err != nil {
		l.mu.Lock()
		delete(l.pending, ref)
		l.mu.Unlock()
		return err
	}
	return nil
}

// roundTrip sends f and waits for its response frame.
func (l *link) roundTrip(ctx context.Context, f Frame) (Frame, error) {
	reply := make(chan Frame, 1)
	l.mu.Lock()
	l.pending[f.Ref] = &call{uri: f.URI, reply: reply}
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		delete(l.pending, f.Ref)
		l.mu.Unlock()
	}

	if err := l.send(f); err != nil {
		release()
		return Frame{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		release()
		return Frame{}, ctx.Err()
	case <-l.ctx.Done():
		release()
		return Frame{}, fmt.Errorf("%w: %s: %v", mds.ErrDeviceDisconnected, l.address, context.Cause(l.ctx))
	}
}

// hello performs the connection handshake and returns the device serial.
func (l *link) hello(ctx context.Context) (string, error) {
	r, err := l.roundTrip(ctx, Frame{Op: OpHello, Ref: l.ref.Add(1)})
	if err != nil {
		return "", err
	}
	if !r.OK() {
		return "", fmt.Errorf("handshake rejected: %s", r.statusError())
	}
	var info struct {
		Serial string `json:"serial"`
	}
	if err := json.Unmarshal(r.Body, &info); err != nil || info.Serial == "" {
		return "", fmt.Errorf("handshake reply has no serial: %s", r.Body)
	}
	return info.Serial, nil
}

// subscribe asks the device to push uri notifications tagged with id. The
// notify route is installed before SUB goes out so no early push is lost.
func (l *link) subscribe(ctx context.Context, id, uri, contract string) (uint32, error) {
	ref := l.ref.Add(1)
	l.mu.Lock()
	l.notify[ref] = id
	l.mu.Unlock()

	r, err := l.roundTrip(ctx, Frame{Op: OpSubscribe, Ref: ref, URI: mds.ResourcePath(uri), Body: contractBody(contract)})
	if err == nil && !r.OK() {
		err = &mds.SubscriptionError{Message: r.statusError(), URI: uri, Contract: contract}
	}
	if err != nil {
		l.mu.Lock()
		delete(l.notify, ref)
		l.mu.Unlock()
		return 0, err
	}
	return ref, nil
}

func (l *link) unsubscribe(ctx context.Context, subRef uint32) error {
	l.mu.Lock()
	delete(l.notify, subRef)
	l.mu.Unlock()

	body, _ := json.Marshal(map[string]uint32{"ref": subRef})
	r, err := l.roundTrip(ctx, Frame{Op: OpUnsubscribe, Ref: l.ref.Add(1), Body: body})
	if err != nil {
		return err
	}
	if !r.OK() {
		return fmt.Errorf("unsubscribe rejected: %s", r.statusError())
	}
	return nil
}

// failAll turns every outstanding request into an error event after the
// link stopped accepting writes.
func (l *link) failAll(cause error) {
	l.mu.Lock()
	calls := l.pending
	l.pending = make(map[uint32]*call)
	l.mu.Unlock()

	for _, c := range calls {
		if c.reply != nil {
			continue
		}
		l.emit(mds.ErrorEvent{
			Message:     cause.Error(),
			URI:         c.uri,
			Contract:    c.contract,
			RequestType: c.method,
			Address:     l.address,
		})
	}
}
