// Package publish forwards session events to an MQTT broker.
//
// Every event is published as its JSON envelope on <prefix>/events/<Type>;
// notifications additionally go out raw on <prefix>/notifications/<id> so
// consumers can subscribe to a single stream.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/movesense/internal/eventbus"
	"github.com/srg/movesense/internal/mds"
)

// Source is where events come from. *session.Session implements it.
type Source interface {
	Listen() *eventbus.Listener
	Unlisten(l *eventbus.Listener)
}

// Options configures the MQTT client.
type Options struct {
	Broker         string        // e.g. mqtt://127.0.0.1:1883
	ClientID       string        `default:"movesense-bridge"`
	TopicPrefix    string        `default:"movesense"`
	QoS            byte          // 0, 1 or 2
	KeepAlive      time.Duration `default:"30s"`
	PublishTimeout time.Duration `default:"5s"`
}

// Message is one MQTT publish derived from an event.
type Message struct {
	Topic   string
	Payload []byte
}

// Messages maps ev onto the publishes it produces.
func Messages(prefix string, ev mds.Event) ([]Message, error) {
	env, err := json.Marshal(mds.Wrap(ev))
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	msgs := []Message{{Topic: prefix + "/events/" + ev.Type().String(), Payload: env}}
	if n, ok := ev.(mds.NotificationEvent); ok {
		msgs = append(msgs, Message{Topic: prefix + "/notifications/" + n.Subscription, Payload: []byte(n.Data)})
	}
	return msgs, nil
}

// Forwarder publishes every event of a Source until its context ends.
type Forwarder struct {
	src    Source
	logger *logrus.Logger
	opts   Options
}

func NewForwarder(src Source, logger *logrus.Logger, opts Options) *Forwarder {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &Forwarder{src: src, logger: logger, opts: opts}
}

// Run connects, then forwards events until ctx is cancelled or the source
// closes. The MQTT connection is re-established automatically if it drops.
func (f *Forwarder) Run(ctx context.Context) error {
	u, err := url.Parse(f.opts.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker url %q: %w", f.opts.Broker, err)
	}
	log := f.logger.WithField("broker", u.Redacted())

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     uint16(f.opts.KeepAlive / time.Second),
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("MQTT connection up")
		},
		OnConnectError: func(err error) {
			log.WithError(err).Warn("MQTT connection attempt failed")
		},
		ClientConfig: paho.ClientConfig{
			ClientID:      f.opts.ClientID,
			OnClientError: func(err error) { log.WithError(err).Warn("MQTT client error") },
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.WithField("reason", d.ReasonCode).Warn("MQTT server requested disconnect")
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cm.Disconnect(dctx)
		<-cm.Done()
	}()

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	l := f.src.Listen()
	defer f.src.Unlisten(l)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.C():
			if !ok {
				log.Debug("Event source closed")
				return nil
			}
			f.forward(ctx, cm, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, cm *autopaho.ConnectionManager, ev mds.Event) {
	msgs, err := Messages(f.opts.TopicPrefix, ev)
	if err != nil {
		f.logger.WithError(err).Warn("Dropping event")
		return
	}
	for _, m := range msgs {
		pctx, cancel := context.WithTimeout(ctx, f.opts.PublishTimeout)
		_, err := cm.Publish(pctx, &paho.Publish{QoS: f.opts.QoS, Topic: m.Topic, Payload: m.Payload})
		cancel()
		if err != nil {
			f.logger.WithFields(logrus.Fields{"topic": m.Topic}).WithError(err).Warn("MQTT publish failed")
			continue
		}
		f.logger.WithField("topic", m.Topic).Trace("Published")
	}
}
