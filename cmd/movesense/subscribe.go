package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/movesense/internal/meas"
	"github.com/srg/movesense/internal/subscription"
)

func newSubscribeCmd() *cobra.Command {
	var (
		contract string
		count    int
		decode   bool
	)
	cmd := &cobra.Command{
		Use:   "subscribe <address> <uri>",
		Short: "Stream notifications from a sensor resource",
		Long: `Connect to the sensor at <address>, subscribe to <uri> and print each
notification on its own line until Ctrl+C or --count notifications.

  movesense subscribe AA:BB:CC:DD:EE:FF /Meas/HR
  movesense subscribe AA:BB:CC:DD:EE:FF /Meas/Acc/52 --decode --count 10`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("invalid count %d", count)
			}
			return runSubscribe(cmd, args[0], args[1], contract, count, decode)
		},
	}
	cmd.Flags().StringVarP(&contract, "contract", "c", "", "Subscription contract (JSON body)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many notifications (0 for unlimited)")
	cmd.Flags().BoolVar(&decode, "decode", false, "Decode measurement payloads into their typed form")
	return cmd
}

// notificationPrinter writes one line per notification. It is called from
// the subscription goroutine.
type notificationPrinter struct {
	out    io.Writer
	schema meas.Schema
	decode bool
	limit  int
	logger *logrus.Logger

	mu       sync.Mutex
	printed  int
	finished chan struct{}
	once     sync.Once
}

func (p *notificationPrinter) print(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.printed >= p.limit {
		return
	}

	line := data
	if p.decode {
		if v, err := meas.DecodeAs(p.schema, data); err != nil {
			p.logger.WithError(err).Debug("Printing raw notification")
		} else if b, err := json.Marshal(v); err == nil {
			line = string(b)
		}
	}
	fmt.Fprintln(p.out, line)

	p.printed++
	if p.limit > 0 && p.printed >= p.limit {
		p.once.Do(func() { close(p.finished) })
	}
}

func runSubscribe(cmd *cobra.Command, address, uri, contract string, count int, decode bool) error {
	ctx, stop := interruptContext()
	defer stop()

	a, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.sess.Connect(ctx, address); err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}
	defer a.disconnect(address)

	schema := meas.SchemaFor(uri)
	if decode && schema == meas.SchemaUnknown {
		return fmt.Errorf("--decode: no payload type known for %s", uri)
	}

	p := &notificationPrinter{
		out:      cmd.OutOrStdout(),
		schema:   schema,
		decode:   decode,
		limit:    count,
		logger:   a.logger,
		finished: make(chan struct{}),
	}
	failed := make(chan error, 1)

	id, err := a.sess.Subscribe(ctx, uri, contract, subscription.Handler{
		OnNotification: p.print,
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	a.logger.WithField("subscription", id).Info("Subscribed")

	var streamErr error
	select {
	case <-ctx.Done():
		// Ctrl+C ends streaming normally.
	case <-p.finished:
	case streamErr = <-failed:
	}

	uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sess.Unsubscribe(uctx, id); err != nil {
		a.logger.WithError(err).Debug("Unsubscribe failed")
	}
	return streamErr
}
