// Package transporttest provides a scriptable transport.Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/srg/movesense/internal/mds"
	"github.com/srg/movesense/internal/transport"
)

// Transport is a testify mock that also lets the test play the device side
// by emitting events into the installed sink.
//
//	tr := transporttest.New()
//	tr.On("Init", mock.Anything, mock.Anything).Return(nil)
//	tr.On("Connect", mock.Anything, "AA:BB").Return(nil).Run(func(mock.Arguments) {
//	    tr.EmitAsync(mds.ConnectionCompletedEvent{Address: "AA:BB", Serial: "1"})
//	})
type Transport struct {
	mock.Mock

	mu   sync.Mutex
	sink transport.Sink
}

var _ transport.Transport = (*Transport)(nil)

// New returns a Transport with no expectations set.
func New() *Transport {
	return &Transport{}
}

// Emit delivers ev to the sink synchronously. Events emitted before Init are
// dropped.
func (t *Transport) Emit(ev mds.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// EmitAsync emits from a separate goroutine, the way a radio callback would.
func (t *Transport) EmitAsync(evs ...mds.Event) {
	go func() {
		for _, ev := range evs {
			t.Emit(ev)
		}
	}()
}

// Initialized reports whether a sink has been installed.
func (t *Transport) Initialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink != nil
}

func (t *Transport) Init(ctx context.Context, sink transport.Sink) error {
	args := t.Called(ctx, sink)
	if err := args.Error(0); err != nil {
		return err
	}
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	return nil
}

func (t *Transport) Scan(ctx context.Context) error {
	return t.Called(ctx).Error(0)
}

func (t *Transport) StopScan(ctx context.Context) error {
	return t.Called(ctx).Error(0)
}

func (t *Transport) Connect(ctx context.Context, address string) error {
	return t.Called(ctx, address).Error(0)
}

func (t *Transport) Disconnect(ctx context.Context, address string) error {
	return t.Called(ctx, address).Error(0)
}

func (t *Transport) Request(ctx context.Context, address string, method mds.Method, uri, contract string) error {
	return t.Called(ctx, address, method, uri, contract).Error(0)
}

func (t *Transport) Subscribe(ctx context.Context, id, address, uri, contract string) error {
	return t.Called(ctx, id, address, uri, contract).Error(0)
}

func (t *Transport) Unsubscribe(ctx context.Context, id string) error {
	return t.Called(ctx, id).Error(0)
}

func (t *Transport) Close() error {
	return t.Called().Error(0)
}
