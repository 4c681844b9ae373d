package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blebridge/pkg/ble"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <service-uuid> <char-uuid> <data>",
	Short: "Write to a characteristic or descriptor",
	Long: `Connects to a device and writes data to a characteristic, or to one of
its descriptors with --desc.

Examples:
  # Write a string
  blebridge write C0:FF:EE:00:00:01 180d 2a39 "reset"

  # Write hex data
  blebridge write C0:FF:EE:00:00:01 180d 2a39 01 --hex

  # Enable notifications through the client configuration descriptor
  blebridge write C0:FF:EE:00:00:01 180d 2a37 0100 --desc 2902 --hex

  # Write without response (faster, no ACK)
  blebridge write C0:FF:EE:00:00:01 180d 2a39 01 --hex --without-response`,
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeDescUUID   string
	writeHex        bool
	writeNoResponse bool
)

func init() {
	writeCmd.Flags().StringVar(&writeDescUUID, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, service, char := args[0], args[1], args[2]

	data, err := parseWriteData(args[3])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeDescUUID != "" && writeNoResponse {
		return fmt.Errorf("--without-response does not apply to descriptor writes")
	}

	ctx, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	return s.withConnected(ctx, address, func(ctx context.Context, p *ble.Peripheral) error {
		var err error
		switch {
		case writeDescUUID != "":
			err = p.DescriptorWrite(ctx, service, char, writeDescUUID, data)
		case writeNoResponse:
			err = p.WriteCommand(ctx, service, char, data)
		default:
			err = p.WriteRequest(ctx, service, char, data)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(s.out, "Wrote %d bytes\n", len(data))
		return err
	})
}

// parseWriteData converts the data argument according to --hex
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		// Remove spaces and common separators
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}
