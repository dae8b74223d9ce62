package cmd

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/achilleasa/raygraph/asset"
	"github.com/achilleasa/raygraph/ll"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

var errCompileFailed = errors.New("one or more modules failed to compile")

// Compile module sources on every configured device and report diagnostics.
func CompileModules(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("missing module file argument(s)")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	llCtx, err := newContext(cfg)
	if err != nil {
		return err
	}
	defer llCtx.Close()

	files := ctx.Args()
	if err = llCtx.AllocModules(len(files)); err != nil {
		return err
	}
	for moduleID, file := range files {
		source, err := asset.ReadAll(file, nil)
		if err != nil {
			return err
		}
		if err = llCtx.ModuleCreate(moduleID, string(source)); err != nil {
			return err
		}
	}

	buildErr := llCtx.BuildModules()
	failures := make(map[int]ll.ModuleError)
	var modErrs ll.ModuleErrors
	if buildErr != nil {
		if !errors.As(buildErr, &modErrs) {
			return buildErr
		}
		for _, modErr := range modErrs {
			failures[modErr.Module] = modErr
		}
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Module", "Status", "Failed on devices"})
	for moduleID, file := range files {
		status, devices := "ok", "-"
		if modErr, failed := failures[moduleID]; failed {
			status, devices = "failed", fmt.Sprintf("%v", modErr.Devices)
		}
		table.Append([]string{file, status, devices})
	}
	table.Render()
	logger.Noticef("compiled %d module(s) on %d device(s)\n%s", len(files), llCtx.DeviceCount(), buf.String())

	for _, modErr := range modErrs {
		logger.Errorf("%s:\n%s", files[modErr.Module], modErr.Log)
	}
	if len(modErrs) != 0 {
		return errCompileFailed
	}
	return nil
}
