package publish

import (
	"fmt"
	"io"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
)

// Broker is an in-process MQTT broker for running the bridge without
// external infrastructure. It accepts every client.
type Broker struct {
	server *mochi.Server
	logger *logrus.Logger
	logw   io.Closer
	addr   string
}

// NewBroker prepares a broker listening on addr (host:port).
func NewBroker(addr string, logger *logrus.Logger) (*Broker, error) {
	if logger == nil {
		logger = logrus.New()
	}
	logw := logger.WriterLevel(logrus.WarnLevel)
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(logw, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		_ = logw.Close()
		return nil, fmt.Errorf("broker auth hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		_ = logw.Close()
		return nil, fmt.Errorf("broker listener %s: %w", addr, err)
	}
	return &Broker{server: server, logger: logger, logw: logw, addr: addr}, nil
}

// Start serves in the background.
func (b *Broker) Start() {
	go func() {
		if err := b.server.Serve(); err != nil {
			b.logger.WithError(err).Error("MQTT broker stopped")
		}
	}()
	b.logger.WithField("listen", b.addr).Info("Embedded MQTT broker started")
}

// URL is the broker address in the form the forwarder expects.
func (b *Broker) URL() string {
	return "mqtt://" + b.addr
}

// Subscribe attaches an inline subscriber, used to observe what gets published.
func (b *Broker) Subscribe(filter string, id int, fn func(topic string, payload []byte)) error {
	return b.server.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

func (b *Broker) Close() error {
	err := b.server.Close()
	_ = b.logw.Close()
	return err
}
