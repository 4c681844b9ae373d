package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blebridge/pkg/ble"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
	Short: "Stream characteristic notifications or indications",
	Long: `Connects to a device, subscribes to a characteristic and prints every
value received until interrupted, --count values have arrived or --duration
has elapsed. The subscription is removed before the command exits.

Examples:
  # Stream heart rate measurements as hex
  blebridge subscribe C0:FF:EE:00:00:01 180d 2a37 --hex

  # Use indications and stop after 10 values
  blebridge subscribe C0:FF:EE:00:00:01 181d 2a9d --indicate --count 10`,
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeIndicate bool
	subscribeHex      bool
	subscribeCount    int
	subscribeDuration time.Duration
)

func init() {
	subscribeCmd.Flags().BoolVar(&subscribeIndicate, "indicate", false, "Use indications instead of notifications")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().IntVarP(&subscribeCount, "count", "n", 0, "Stop after N values; 0 streams until interrupted")
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this long; 0 streams until interrupted")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, service, char := args[0], args[1], args[2]
	if subscribeCount < 0 {
		return fmt.Errorf("invalid count %d: must not be negative", subscribeCount)
	}

	ctx, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	return s.withConnected(ctx, address, func(ctx context.Context, p *ble.Peripheral) error {
		done := make(chan struct{})
		lost := make(chan struct{})
		received := 0

		// callbacks run one at a time on the foreground scheduler
		onValue := func(data []byte) {
			if subscribeCount > 0 && received >= subscribeCount {
				return
			}
			received++
			if err := writeValue(s.out, data, subscribeHex); err != nil {
				s.logger.WithError(err).Warn("Failed to print value")
			}
			if subscribeCount > 0 && received == subscribeCount {
				close(done)
			}
		}

		var lostOnce sync.Once
		if err := p.SetCallbackOnDisconnected(ctx, func() { lostOnce.Do(func() { close(lost) }) }); err != nil {
			return err
		}

		subscribe := p.Notify
		if subscribeIndicate {
			subscribe = p.Indicate
		}
		if err := subscribe(ctx, service, char, onValue); err != nil {
			return err
		}

		mode := "notifications"
		if subscribeIndicate {
			mode = "indications"
		}
		color.New(color.FgCyan).Fprintf(cmd.ErrOrStderr(), "Subscribed to %s/%s %s, press Ctrl+C to stop\n", service, char, mode)

		select {
		case <-done:
			return nil
		case <-lost:
			return fmt.Errorf("%w: %s", ErrConnectionLost, address)
		case <-ctx.Done():
			if subscribeDuration > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		}
	})
}
