package cmd

import (
	"github.com/achilleasa/raygraph/config"
	"github.com/achilleasa/raygraph/log"
	"github.com/urfave/cli"
)

var logger = log.New("raygraph")

// Apply the configured log level; the -v and -vv flags override it.
func setupLogging(ctx *cli.Context, cfg *config.Config) {
	if cfg != nil {
		log.SetLevel(cfg.Level())
	}

	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}

// Load the configuration named by the global --config flag or fall back to
// the defaults.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.GlobalString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if devices := ctx.GlobalInt("devices"); devices > 0 {
		cfg.Soft.Devices = devices
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	setupLogging(ctx, cfg)
	return cfg, nil
}
