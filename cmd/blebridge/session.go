package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/facade/goble"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/pkg/ble"
	"github.com/srg/blebridge/pkg/config"
)

// newProvider builds the native backend. Tests replace it with fakes.
var newProvider = func(logger *logrus.Logger) facade.Provider {
	return goble.NewProvider(logger)
}

// session is one command invocation: configuration, a client and the
// process registry every handle it creates is tracked in.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	process *lifecycle.Process
	client  *ble.Client
	out     io.Writer

	adapterID string
	stop      context.CancelFunc
}

// openSession validates the global flags and builds the client. The returned
// context is cancelled on SIGINT or SIGTERM.
func openSession(cmd *cobra.Command) (context.Context, *session, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, nil, err
	}
	// the config file only applies when no level flag was given
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("verbose") && cmd.Flags().Changed("config") {
		logger.SetLevel(cfg.Level())
	}

	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		color.NoColor = true
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	process := lifecycle.NewProcess(logger, cfg.Lifecycle.HandleTeardownTimeout)
	client := ble.New(newProvider(logger),
		ble.WithConfig(cfg),
		ble.WithLogger(logger),
		ble.WithProcess(process))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	adapterID, _ := cmd.Flags().GetString("adapter")

	return ctx, &session{
		cfg:       cfg,
		logger:    logger,
		process:   process,
		client:    client,
		out:       cmd.OutOrStdout(),
		adapterID: adapterID,
		stop:      stop,
	}, nil
}

// close releases every handle the session created, then the client.
func (s *session) close() {
	s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), ble.ShutdownTimeout)
	defer cancel()

	s.process.Exit(ctx)
	if err := s.client.Close(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to close BLE client")
	}
}

// adapter returns the adapter selected by --adapter, or the first one.
func (s *session) adapter(ctx context.Context) (*ble.Adapter, error) {
	adapters, err := s.client.GetAdapters(ctx)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	if s.adapterID == "" {
		return adapters[0], nil
	}
	for _, a := range adapters {
		if a.Identifier() == s.adapterID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoAdapter, s.adapterID)
}

// findPeripheral scans until address is reported or the configured scan
// timeout elapses.
func (s *session) findPeripheral(ctx context.Context, address string) (*ble.Peripheral, error) {
	a, err := s.adapter(ctx)
	if err != nil {
		return nil, err
	}

	found := make(chan *ble.Peripheral, 1)
	onFound := func(p *ble.Peripheral) {
		if strings.EqualFold(p.Address(), address) {
			select {
			case found <- p:
			default:
			}
		}
	}
	if err := a.SetCallbackOnScanFound(ctx, onFound); err != nil {
		return nil, err
	}
	defer func() { _ = a.SetCallbackOnScanFound(context.WithoutCancel(ctx), nil) }()

	s.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": s.cfg.ScanTimeout,
	}).Debug("Scanning for device")

	if err := a.ScanStart(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = a.ScanStop(context.WithoutCancel(ctx)) }()

	timer := time.NewTimer(s.cfg.ScanTimeout)
	defer timer.Stop()

	select {
	case p := <-found:
		return p, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s not seen within %s", ErrDeviceNotFound, address, s.cfg.ScanTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withConnected finds address, connects and runs fn inside the peripheral's
// scope. Subscriptions and callbacks are released and the link is dropped on
// every exit path.
func (s *session) withConnected(ctx context.Context, address string, fn func(ctx context.Context, p *ble.Peripheral) error) error {
	p, err := s.findPeripheral(ctx, address)
	if err != nil {
		return err
	}

	return ble.Use(ctx, p, func(ctx context.Context, p *ble.Peripheral) error {
		if err := p.Connect(ctx); err != nil {
			return err
		}
		defer func() {
			if err := p.Disconnect(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Debug("Disconnect failed")
			}
		}()
		return fn(ctx, p)
	})
}
