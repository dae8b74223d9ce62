package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/achilleasa/raygraph/config"
	"github.com/achilleasa/raygraph/ll"
	"github.com/achilleasa/raygraph/scene"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Create a context over the configured backend.
func newContext(cfg *config.Config) (*ll.Context, error) {
	b, err := cfg.NewBackend()
	if err != nil {
		return nil, err
	}
	return ll.NewContext(b, cfg.ContextOptions())
}

// Load a scene description, build it on every configured device and report
// per-device statistics.
func BuildScene(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("missing scene file argument")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	desc, err := scene.ReadDescription(ctx.Args().First())
	if err != nil {
		return err
	}

	llCtx, err := newContext(cfg)
	if err != nil {
		return err
	}
	defer llCtx.Close()

	sc, err := scene.Load(llCtx, desc)
	if err != nil {
		return err
	}

	if ctx.Bool("timings") {
		displayStageTimings(sc.Timings)
	}
	if err = displayGroupStates(sc); err != nil {
		return err
	}
	displayDeviceStats(llCtx.Stats())
	return nil
}

func displayStageTimings(timings []scene.StageTiming) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stage", "Time"})
	for _, timing := range timings {
		table.Append([]string{timing.Stage, timing.Time.String()})
	}

	table.Render()
	logger.Noticef("load stages\n%s", buf.String())
}

func displayGroupStates(sc *scene.Scene) error {
	states, err := sc.GroupStates()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Group", "Kind", "Children", "SBT offset", "State"})
	for _, name := range names {
		groupID := sc.Groups[name]
		desc := sc.Desc.Groups[groupID]
		offset, err := sc.Context().GroupGetSbtOffset(groupID)
		if err != nil {
			return err
		}
		table.Append([]string{
			name,
			desc.Kind,
			fmt.Sprintf("%d", len(desc.Children)),
			fmt.Sprintf("%d", offset),
			states[name].String(),
		})
	}

	table.Render()
	logger.Noticef("groups\n%s", buf.String())
	return nil
}

func displayDeviceStats(stats []ll.DeviceStats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Modules", "Compile time", "Accels", "Accel time", "Accel memory", "SBT memory", "Allocated"})

	var totalAllocated int64
	for _, stat := range stats {
		table.Append([]string{
			stat.Device.String(),
			fmt.Sprintf("%d", stat.ModulesCompiled),
			stat.CompileTime.String(),
			fmt.Sprintf("%d", stat.AccelBuilds),
			stat.AccelBuildTime.String(),
			formatBytes(stat.AccelBytes),
			formatBytes(stat.SBTBytes),
			formatBytes(stat.BytesAllocated),
		})
		totalAllocated += stat.BytesAllocated
	}
	table.SetFooter([]string{"", "", "", "", "", "", "TOTAL", formatBytes(totalAllocated)})

	table.Render()
	logger.Noticef("device statistics\n%s", buf.String())
}
