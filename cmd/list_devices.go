package cmd

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// List the devices exposed by the configured backend.
func ListDevices(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	b, err := cfg.NewBackend()
	if err != nil {
		return err
	}
	devices, err := b.Devices()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Ordinal", "Name", "Compute units", "Clock", "Memory", "Speed"})
	for _, info := range devices {
		memory := "unbounded"
		if info.MemoryBytes > 0 {
			memory = formatBytes(info.MemoryBytes)
		}
		table.Append([]string{
			fmt.Sprintf("%d", info.Ordinal),
			info.Name,
			fmt.Sprintf("%d", info.ComputeUnits),
			fmt.Sprintf("%d MHz", info.ClockMHz),
			memory,
			fmt.Sprintf("%3.1f GFlops", info.SpeedEstimate()),
		})
	}
	table.Render()

	logger.Noticef("backend %q provides %d device(s)\n%s", b.Name(), len(devices), buf.String())
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
