package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/srg/blebridge/pkg/ble"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <service-uuid> <char-uuid>",
	Short: "Read a characteristic or descriptor",
	Long: `Connects to a device and reads a characteristic value, or one of its
descriptors with --desc.

Examples:
  # Read the battery level as hex
  blebridge read C0:FF:EE:00:00:01 180f 2a19 --hex

  # Read the client configuration descriptor of the heart rate measurement
  blebridge read C0:FF:EE:00:00:01 180d 2a37 --desc 2902 --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readDescUUID string
	readHex      bool
)

func init() {
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string; raw bytes by default")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, service, char := args[0], args[1], args[2]

	ctx, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	return s.withConnected(ctx, address, func(ctx context.Context, p *ble.Peripheral) error {
		var data []byte
		var err error
		if readDescUUID != "" {
			data, err = p.DescriptorRead(ctx, service, char, readDescUUID)
		} else {
			data, err = p.Read(ctx, service, char)
		}
		if err != nil {
			return err
		}
		return writeValue(s.out, data, readHex)
	})
}

// writeValue prints one attribute value on its own line.
func writeValue(w io.Writer, data []byte, asHex bool) error {
	if asHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := fmt.Fprintln(w, string(data))
	return err
}
