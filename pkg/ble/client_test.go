package ble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/internal/loop"
	"github.com/srg/blebridge/pkg/ble"
	"github.com/srg/blebridge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	BLESuite
}

func (s *ClientTestSuite) TestShutdownIsRepeatable() {
	// GOAL: Verify a second sweep only touches handles created after the first
	//
	// TEST SCENARIO: Shutdown with live handles → all closed; second Shutdown → no peripheral calls;
	// a handle obtained afterwards is tracked and swept by a third Shutdown

	p := s.connected()
	s.Require().NoError(p.Notify(s.ctx, hrService, hrMeasure, func([]byte) {}))
	s.GreaterOrEqual(s.process.Tracked(), 2, "the adapter and the peripheral MUST be tracked")

	s.Zero(s.client.Shutdown(s.ctx))
	s.True(p.Closed())
	s.Zero(s.process.Tracked())

	s.rec.Reset()
	s.Zero(s.client.Shutdown(s.ctx))
	s.Empty(s.methods(hrmAddress), "a second sweep MUST NOT tear a handle down again")

	fresh := s.connected()
	s.Require().NoError(fresh.Notify(s.ctx, hrService, hrMeasure, func([]byte) {}))
	s.Zero(s.client.Shutdown(s.ctx))
	s.True(fresh.Closed())
	s.Empty(s.hrm.Subscribed())
	s.Equal(int64(3), s.process.Sweeps())
}

func (s *ClientTestSuite) TestCloseWaitsForInFlightCalls() {
	p := s.connected()

	entered, release := s.hrm.BlockOn("Read")
	read := p.ReadAsync(s.ctx, hrService, hrControl)
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- s.client.Close(s.ctx) }()

	s.Never(func() bool { return len(closed) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"Close MUST wait for the running native call")

	release()
	s.Require().NoError(<-closed)
	_, err := read.Await(s.ctx)
	s.NoError(err)
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestGetAdaptersFailure(t *testing.T) {
	logger := testLogger()
	provider := facade.ProviderFunc(func() ([]facade.Adapter, error) {
		return nil, errors.New("bluetooth daemon unreachable")
	})
	client := ble.New(provider, ble.WithLogger(logger), ble.WithProcess(lifecycle.NewProcess(logger, time.Second)))
	ctx := context.Background()
	defer func() { _ = client.Close(ctx) }()

	adapters, err := client.GetAdapters(ctx)
	require.Error(t, err)
	assert.Nil(t, adapters)
	assert.Equal(t, ble.KindTransport, ble.KindOf(err))
	assert.Contains(t, err.Error(), "get_adapters")
}

func TestClientOptions(t *testing.T) {
	// GOAL: Verify a caller-owned scheduler and configuration are honoured

	logger := testLogger()
	cfg := config.DefaultConfig()
	cfg.Bridge.Workers = 1
	cfg.Bridge.CallTimeout = 20 * time.Millisecond

	sched := loop.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	provider := facade.ProviderFunc(func() ([]facade.Adapter, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	client := ble.New(provider,
		ble.WithConfig(cfg),
		ble.WithLogger(logger),
		ble.WithScheduler(sched),
		ble.WithProcess(lifecycle.NewProcess(logger, time.Second)))

	assert.Same(t, sched, client.Scheduler())

	_, err := client.GetAdapters(ctx)
	require.Error(t, err)
	assert.Equal(t, ble.KindTransport, ble.KindOf(err), "the call timeout MUST surface as a transport failure")
	assert.Contains(t, err.Error(), "timed out")

	require.NoError(t, client.Close(context.Background()))
	assert.True(t, sched.Submit(func() {}), "a caller-owned scheduler MUST outlive the client")
}
