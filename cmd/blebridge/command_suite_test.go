package main

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blebridge/internal/facade"
	"github.com/srg/blebridge/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	adapterID    = "hci0"
	hrmAddress   = "c0:ff:ee:00:00:01"
	scaleAddress = "c0:ff:ee:00:00:02"
)

// CommandTestSuite runs the real command tree against recording fakes: one
// adapter that sees a heart rate monitor and a scale.
type CommandTestSuite struct {
	suite.Suite

	rec     *testutils.Recorder
	adapter *testutils.FakeAdapter
	hrm     *testutils.FakePeripheral
	scale   *testutils.FakePeripheral

	origProvider func(*logrus.Logger) facade.Provider
	origNoColor  bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.origProvider = newProvider
	s.origNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	newProvider = s.origProvider
	color.NoColor = s.origNoColor
}

func (s *CommandTestSuite) SetupTest() {
	s.rec = testutils.NewRecorder()
	s.hrm = testutils.NewFakePeripheral(s.rec, hrmAddress).
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithDescriptor("2902", []byte{0x00, 0x00}).
		WithCharacteristic("2a39", "write_request,write_command", []byte{0x00}).
		WithService("180f").
		WithCharacteristic("2a19", "read", []byte{87}).
		WithManufacturerData(0x004c, []byte{0x02, 0x15})
	s.scale = testutils.NewFakePeripheral(s.rec, scaleAddress).
		WithService("181d").
		WithCharacteristic("2a9d", "indicate", nil).
		WithRSSI(-80)
	s.adapter = testutils.NewFakeAdapter(s.rec, adapterID).WithPeripherals(s.hrm, s.scale)

	newProvider = func(*logrus.Logger) facade.Provider {
		return testutils.Provider(s.adapter)
	}
	resetFlags(rootCmd)
}

// ExecuteCommand runs the root command with args and returns what the command
// wrote to stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

// WriteConfig writes a YAML config file into a test temp dir and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "blebridge.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config file MUST be written")
	return path
}

// AssertReleased checks that a command left nothing installed on the monitor.
func (s *CommandTestSuite) AssertReleased() {
	s.False(s.hrm.IsConnected(), "the device MUST be disconnected on exit")
	s.Empty(s.hrm.Subscribed(), "subscriptions MUST be removed on exit")
	s.False(s.hrm.HasCallbacks(), "connection callbacks MUST be cleared on exit")
	s.False(s.adapter.HasCallbacks(), "scan callbacks MUST be cleared on exit")
}

// resetFlags restores every flag of the command tree to its default, since
// the commands are package-level and keep parsed values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
