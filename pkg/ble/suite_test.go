package ble_test

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/lifecycle"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/srg/blebridge/pkg/ble"
	"github.com/srg/blebridge/pkg/config"
	"github.com/stretchr/testify/suite"
)

const (
	adapterID    = "hci0"
	hrmAddress   = "c0:ff:ee:00:00:01"
	scaleAddress = "c0:ff:ee:00:00:02"

	hrService   = "180d"
	hrMeasure   = "2a37"
	hrControl   = "2a39"
	battService = "180f"
	battLevel   = "2a19"
	cccd        = "2902"

	teardownTimeout = 250 * time.Millisecond
)

// BLESuite wires a client to recording fakes: one adapter that sees a heart
// rate monitor and a paired scale. Each test gets its own process registry.
type BLESuite struct {
	suite.Suite

	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Logger

	rec     *testutils.Recorder
	adapter *testutils.FakeAdapter
	hrm     *testutils.FakePeripheral
	scale   *testutils.FakePeripheral

	process *lifecycle.Process
	client  *ble.Client
}

func (s *BLESuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)

	s.logger = testLogger()

	s.rec = testutils.NewRecorder()
	s.hrm = testutils.NewFakePeripheral(s.rec, hrmAddress).
		WithService(hrService).
		WithCharacteristic(hrMeasure, "notify,indicate", nil).
		WithDescriptor(cccd, []byte{0x00, 0x00}).
		WithCharacteristic(hrControl, "read,write_request,write_command", []byte{0x01}).
		WithService(battService).
		WithCharacteristic(battLevel, "read,notify", []byte{87})
	s.scale = testutils.NewFakePeripheral(s.rec, scaleAddress).
		WithService("181d").
		WithCharacteristic("2a9d", "indicate", nil).
		WithRSSI(-80).
		Paired()
	s.adapter = testutils.NewFakeAdapter(s.rec, adapterID).WithPeripherals(s.hrm, s.scale)

	cfg := config.DefaultConfig()
	cfg.Lifecycle.HandleTeardownTimeout = teardownTimeout

	s.process = lifecycle.NewProcess(s.logger, time.Second)
	s.client = ble.New(testutils.Provider(s.adapter),
		ble.WithConfig(cfg),
		ble.WithLogger(s.logger),
		ble.WithProcess(s.process))
}

func (s *BLESuite) TearDownTest() {
	s.NoError(s.client.Close(s.ctx), "client MUST close cleanly")
	s.cancel()
}

// bleAdapter returns the handle of the fake adapter.
func (s *BLESuite) bleAdapter() *ble.Adapter {
	adapters, err := s.client.GetAdapters(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(adapters, 1)
	return adapters[0]
}

// peripheral returns the handle for address from the last scan results.
func (s *BLESuite) peripheral(address string) *ble.Peripheral {
	results, err := s.bleAdapter().ScanGetResults(s.ctx)
	s.Require().NoError(err)
	for _, p := range results {
		if p.Address() == address {
			return p
		}
	}
	s.Require().Failf("peripheral not found", "no scan result for %s", address)
	return nil
}

// connected returns the connected heart rate monitor handle.
func (s *BLESuite) connected() *ble.Peripheral {
	p := s.peripheral(hrmAddress)
	s.Require().NoError(p.Connect(s.ctx))
	return p
}

func (s *BLESuite) flush() {
	s.Require().NoError(s.client.Flush(s.ctx), "callback queue MUST drain")
}

// methods returns the native calls recorded on target since the last reset.
func (s *BLESuite) methods(target string) []string {
	return s.rec.Methods(target)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
