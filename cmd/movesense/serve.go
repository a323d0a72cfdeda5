package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/publish"
	"github.com/srg/movesense/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		listen         string
		broker         string
		topicPrefix    string
		embeddedBroker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/websocket API",
		Long: `Serve the session over HTTP until interrupted.

  GET    /scan, POST /scan, DELETE /scan
  GET    /devices/available, /devices/connected
  POST   /devices/:address/connect
  DELETE /devices/:address
  POST   /requests        {"method":"GET","uri":"<serial>/Info","contract":""}
  GET    /subscriptions
  POST   /subscriptions   {"uri":"<serial>/Meas/HR","contract":""}
  DELETE /subscriptions/:id
  GET    /events          websocket stream of {"type":..,"payload":..}

With --mqtt-broker (or --embedded-broker) every event is also published
to <prefix>/events/<Type>, and notification data to
<prefix>/notifications/<subscription id>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, listen, broker, topicPrefix, embeddedBroker)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (default from config, 127.0.0.1:8080)")
	cmd.Flags().StringVar(&broker, "mqtt-broker", "", "Forward events to this MQTT broker, e.g. mqtt://localhost:1883")
	cmd.Flags().StringVar(&topicPrefix, "topic-prefix", "", "MQTT topic prefix (default from config, movesense)")
	cmd.Flags().BoolVar(&embeddedBroker, "embedded-broker", false, "Start an in-process MQTT broker and forward events to it")
	return cmd
}

func runServe(cmd *cobra.Command, listen, broker, topicPrefix string, embedded bool) error {
	ctx, stop := interruptContext()
	defer stop()

	a, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	if topicPrefix != "" {
		cfg.MQTT.TopicPrefix = topicPrefix
	}

	if embedded {
		b, err := publish.NewBroker(cfg.MQTT.EmbeddedListen, a.logger)
		if err != nil {
			return err
		}
		b.Start()
		defer func() { _ = b.Close() }()
		if cfg.MQTT.Broker == "" {
			cfg.MQTT.Broker = b.URL()
		}
	}

	forwarderDone := make(chan error, 1)
	if cfg.MQTT.Broker != "" {
		f := publish.NewForwarder(a.sess, a.logger, publish.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			KeepAlive:   cfg.MQTT.KeepAlive,
		})
		go func() {
			err := f.Run(ctx)
			if err != nil {
				a.logger.WithError(err).Error("MQTT forwarding stopped")
			}
			forwarderDone <- err
		}()
	} else {
		close(forwarderDone)
	}

	srv := server.New(a.sess, a.logger, server.Options{
		Listen:          cfg.Server.Listen,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	fmt.Fprintf(cmd.ErrOrStderr(), "Serving on http://%s (Ctrl+C to stop)\n", cfg.Server.Listen)

	serveErr := srv.Run(ctx)
	stop()
	<-forwarderDone
	return serveErr
}
