package ble_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/srg/blebridge/pkg/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type AdapterTestSuite struct {
	BLESuite
}

func (s *AdapterTestSuite) TestScanFoundDeliversTrackedHandles() {
	// GOAL: Verify scan callbacks hand out the same handle for a device across events and queries
	//
	// TEST SCENARIO: ScanStart reports hrm and scale → found handles equal ScanGetResults handles;
	// an update for hrm delivers the same handle again

	a := s.bleAdapter()

	var mu sync.Mutex
	var found, updated []*ble.Peripheral
	var starts, stops int
	s.Require().NoError(a.SetCallbackOnScanStart(s.ctx, func() { starts++ }))
	s.Require().NoError(a.SetCallbackOnScanStop(s.ctx, func() { stops++ }))
	s.Require().NoError(a.SetCallbackOnScanFound(s.ctx, func(p *ble.Peripheral) {
		mu.Lock()
		found = append(found, p)
		mu.Unlock()
	}))
	s.Require().NoError(a.SetCallbackOnScanUpdated(s.ctx, func(p *ble.Peripheral) {
		mu.Lock()
		updated = append(updated, p)
		mu.Unlock()
	}))

	s.Require().NoError(a.ScanStart(s.ctx))
	active, err := a.ScanIsActive(s.ctx)
	s.Require().NoError(err)
	s.True(active)

	s.True(s.adapter.EmitUpdated(s.hrm))
	s.Require().NoError(a.ScanStop(s.ctx))
	s.flush()

	results, err := a.ScanGetResults(s.ctx)
	s.Require().NoError(err)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(found, 2)
	s.Require().Len(results, 2)
	s.Same(results[0], found[0], "found and results MUST share the handle")
	s.Same(results[1], found[1])
	s.Require().Len(updated, 1)
	s.Same(found[0], updated[0], "updates MUST reuse the found handle")
	s.Equal(hrmAddress, found[0].Address())
	s.Equal(1, starts)
	s.Equal(1, stops)
}

func (s *AdapterTestSuite) TestScanForValidatesAndBlocks() {
	// GOAL: Verify ScanFor rejects non-positive durations and otherwise blocks for the scan

	a := s.bleAdapter()
	s.rec.Reset()

	err := a.ScanFor(s.ctx, 0)
	s.ErrorIs(err, ble.ErrInvalidArgument)
	_, err = a.ScanForAsync(s.ctx, -time.Second).Await(s.ctx)
	s.ErrorIs(err, ble.ErrInvalidArgument)
	s.Empty(s.methods(adapterID), "an invalid duration MUST NOT reach the native layer")

	var stopped bool
	s.Require().NoError(a.SetCallbackOnScanStop(s.ctx, func() { stopped = true }))

	start := time.Now()
	s.Require().NoError(a.ScanFor(s.ctx, 30*time.Millisecond))
	s.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
	s.Contains(s.methods(adapterID), "ScanFor(30ms)")

	s.flush()
	s.True(stopped, "the stop callback MUST fire before ScanFor's result is observed")
}

func (s *AdapterTestSuite) TestAdapterTeardownStopsActiveScan() {
	// GOAL: Verify closing an adapter clears its scan callbacks and stops a running scan
	//
	// TEST SCENARIO: Callbacks set, scan active → Close → 4 cleared slots + ScanStop, scan inactive

	a := s.bleAdapter()
	s.Require().NoError(a.SetCallbackOnScanFound(s.ctx, func(*ble.Peripheral) {}))
	s.Require().NoError(a.SetCallbackOnScanStop(s.ctx, func() {}))
	s.Require().NoError(a.ScanStart(s.ctx))
	s.rec.Reset()

	s.Require().NoError(a.Close(s.ctx))

	s.Equal([]string{
		"SetCallbackOnScanStart(nil)",
		"SetCallbackOnScanStop(nil)",
		"SetCallbackOnScanFound(nil)",
		"SetCallbackOnScanUpdated(nil)",
		"ScanStop()",
	}, s.methods(adapterID))
	s.False(s.adapter.ScanIsActive())
	s.False(s.adapter.HasCallbacks())
	s.True(a.Closed())

	_, err := a.IsPowered(s.ctx)
	s.ErrorIs(err, ble.ErrNotFound, "a closed adapter MUST refuse work")
}

func (s *AdapterTestSuite) TestPowerAndPairing() {
	a := s.bleAdapter()

	powered, err := a.IsPowered(s.ctx)
	s.Require().NoError(err)
	s.True(powered)

	s.Require().NoError(a.PowerOff(s.ctx))
	powered, err = a.IsPowered(s.ctx)
	s.Require().NoError(err)
	s.False(powered)

	_, err = a.PowerOnAsync(s.ctx).Await(s.ctx)
	s.Require().NoError(err)
	enabled, err := a.BluetoothEnabled(s.ctx)
	s.Require().NoError(err)
	s.True(enabled)

	paired, err := a.GetPairedPeripherals(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(paired, 1)
	s.Equal(scaleAddress, paired[0].Address())
	s.Same(s.peripheral(scaleAddress), paired[0], "paired and scanned handles MUST be shared")

	s.adapter.FailOn("PowerOn", errors.New("hci: command disallowed"))
	err = a.PowerOn(s.ctx)
	s.Equal(ble.KindTransport, ble.KindOf(err))
}

func (s *AdapterTestSuite) TestHandlesAreDeduplicated() {
	first := s.bleAdapter()
	s.Same(first, s.bleAdapter(), "enumerating twice MUST return the live handle")

	s.Require().NoError(first.Close(s.ctx))
	second := s.bleAdapter()
	s.NotSame(first, second, "a closed handle MUST be replaced")
	s.Equal(adapterID, second.Identifier())
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func TestShutdownHookClearsEveryAdapter(t *testing.T) {
	// GOAL: Verify shutdown clears scan callbacks on adapters no handle was created for
	//
	// TEST SCENARIO: hci1 has a native callback but no handle → Shutdown clears it anyway

	rec := testutils.NewRecorder()
	hci0 := testutils.NewFakeAdapter(rec, "hci0")
	hci1 := testutils.NewFakeAdapter(rec, "hci1")
	require.NoError(t, hci1.SetCallbackOnScanFound(func(facade.Peripheral) {}))
	rec.Reset()

	logger := testLogger()
	client := ble.New(testutils.Provider(hci0, hci1), ble.WithLogger(logger), ble.WithProcess(lifecycle.NewProcess(logger, time.Second)))
	ctx := context.Background()
	defer func() { _ = client.Close(ctx) }()

	assert.Zero(t, client.Shutdown(ctx), "shutdown MUST NOT fail")
	assert.False(t, hci1.HasCallbacks(), "hci1 callbacks MUST be cleared")
	assert.Equal(t, []string{
		"SetCallbackOnScanStart(nil)",
		"SetCallbackOnScanStop(nil)",
		"SetCallbackOnScanFound(nil)",
		"SetCallbackOnScanUpdated(nil)",
	}, rec.Methods("hci1"))
}
