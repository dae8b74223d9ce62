package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/raygraph/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "raygraph"
	app.Usage = "build ray tracing scenes on one or more devices"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "yaml configuration file or URL",
		},
		cli.IntFlag{
			Name:  "devices, d",
			Usage: "number of emulated devices; overrides the configuration",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list-devices",
			Usage:  "list the devices exposed by the configured backend",
			Action: cmd.ListDevices,
		},
		{
			Name:  "build",
			Usage: "build a scene description",
			Description: `
Load a yaml scene description, compile its modules and register its buffers,
geometries and groups with a context spanning every configured device. Group
acceleration structures are built bottom-up and the shader binding table is
filled in. Per-device statistics are printed once the build completes.`,
			ArgsUsage: "scene.yaml",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "timings, t",
					Usage: "print the time spent in each load stage",
				},
			},
			Action: cmd.BuildScene,
		},
		{
			Name:      "compile",
			Usage:     "compile module sources and report diagnostics",
			ArgsUsage: "module1.ptx module2.ptx ...",
			Action:    cmd.CompileModules,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
