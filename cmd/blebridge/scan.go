package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blebridge/pkg/ble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed in discovery order with their name, address, signal
strength and advertised services.

Examples:
  # Scan for 5 seconds
  blebridge scan -d 5s

  # Only devices advertising the heart rate service, as JSON
  blebridge scan --services 180d --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration; scan_timeout from the config by default")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); output_format from the config by default")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising these service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

// scanEntry is one row of scan output.
type scanEntry struct {
	Address          string            `json:"address"`
	Name             string            `json:"name"`
	RSSI             int16             `json:"rssi"`
	TxPower          int16             `json:"tx_power"`
	Connectable      bool              `json:"connectable"`
	Services         []string          `json:"services"`
	ManufacturerData map[string]string `json:"manufacturer_data,omitempty"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "" && scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if cmd.Flags().Changed("duration") && scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	services := make([]string, 0, len(scanServices))
	for _, raw := range scanServices {
		uuid, err := ble.NormalizeUUID(raw)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		services = append(services, uuid)
	}

	ctx, s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	duration := s.cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}
	format := s.cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}

	a, err := s.adapter(ctx)
	if err != nil {
		return err
	}

	var seen atomic.Int64
	if err := a.SetCallbackOnScanFound(ctx, func(p *ble.Peripheral) {
		seen.Add(1)
		s.logger.WithField("address", p.Address()).Debug("Device found")
	}); err != nil {
		return err
	}

	s.logger.WithField("duration", duration).Info("Scanning for BLE devices")
	if err := a.ScanFor(ctx, duration); err != nil {
		return err
	}
	s.logger.WithField("found", seen.Load()).Debug("Scan finished")

	results, err := a.ScanGetResults(ctx)
	if err != nil {
		return err
	}

	entries, err := collectEntries(ctx, results, services)
	if err != nil {
		return err
	}

	if format == "json" {
		return writeScanJSON(s.out, entries)
	}
	return writeScanTable(s.out, entries)
}

func collectEntries(ctx context.Context, results []*ble.Peripheral, services []string) ([]scanEntry, error) {
	entries := make([]scanEntry, 0, len(results))
	for _, p := range results {
		if !addressListed(p.Address(), scanAllowList, true) || addressListed(p.Address(), scanBlockList, false) {
			continue
		}

		advertised, err := p.Services(ctx)
		if err != nil {
			return nil, err
		}
		uuids := make([]string, 0, len(advertised))
		for _, svc := range advertised {
			uuids = append(uuids, svc.UUID)
		}
		if !advertisesAll(uuids, services) {
			continue
		}

		entry := scanEntry{
			Address:     p.Address(),
			Name:        p.Identifier(),
			RSSI:        p.RSSI(),
			TxPower:     p.TxPower(),
			Connectable: p.IsConnectable(),
			Services:    uuids,
		}
		if md := p.ManufacturerData(); len(md) > 0 {
			entry.ManufacturerData = make(map[string]string, len(md))
			for company, data := range md {
				entry.ManufacturerData[fmt.Sprintf("%04x", company)] = hex.EncodeToString(data)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// addressListed reports whether address is in list; an empty list yields empty.
func addressListed(address string, list []string, empty bool) bool {
	if len(list) == 0 {
		return empty
	}
	return slices.ContainsFunc(list, func(a string) bool { return strings.EqualFold(a, address) })
}

func advertisesAll(advertised, wanted []string) bool {
	for _, w := range wanted {
		if !slices.Contains(advertised, w) {
			return false
		}
	}
	return true
}

func writeScanJSON(w io.Writer, entries []scanEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeScanTable(w io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No devices found.")
		return err
	}

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tCONNECTABLE\tSERVICES")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "-"
		}
		svcs := strings.Join(e.Services, ",")
		if svcs == "" {
			svcs = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, e.Address, strconv.Itoa(int(e.RSSI)), yesNo(e.Connectable), svcs)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	// the header is colored after alignment so escape codes do not skew columns
	header, rows, _ := strings.Cut(buf.String(), "\n")
	if _, err := color.New(color.Bold).Fprintln(w, header); err != nil {
		return err
	}
	_, err := io.WriteString(w, rows)
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
