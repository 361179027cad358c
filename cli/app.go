// Package cli contains the jitrealsense command line: listing devices, printing the attribute
// table and running an object against a backend.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.viam.com/jitrealsense/config"
)

const (
	// Flags.
	generalFlagDebug       = "debug"
	generalFlagBackend     = "backend"
	generalFlagFakeDevices = "fake-devices"
	runFlagConfig          = "config"
	runFlagTicks           = "ticks"
	runFlagSnapshotDir     = "snapshot-dir"
	runFlagWatch           = "watch"
)

var backendFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  generalFlagBackend,
		Usage: "device backend, one of fake, webcam or realsense",
	},
	&cli.IntFlag{
		Name:  generalFlagFakeDevices,
		Value: 1,
		Usage: "number of simulated devices the fake backend reports",
	},
}

// NewApp returns a new app with Writer set to out and ErrWriter set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "jitrealsense",
		Usage:           "stream depth camera frames into matrices",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "devices",
				Usage:  "list connected devices",
				Flags:  backendFlags,
				Action: DevicesAction,
			},
			{
				Name:   "attributes",
				Usage:  "print the object's attributes",
				Action: AttributesAction,
			},
			{
				Name:  "run",
				Usage: "run an object and optionally write snapshots of its outputs",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    runFlagConfig,
						Aliases: []string{"c"},
						Value:   config.DefaultConfigPath,
						Usage:   "load configuration from `FILE`",
					},
					&cli.Uint64Flag{
						Name:  runFlagTicks,
						Usage: "stop after this many ticks, 0 runs until interrupted",
					},
					&cli.StringFlag{
						Name:  runFlagSnapshotDir,
						Usage: "write output snapshots to `DIR`",
					},
					&cli.BoolFlag{
						Name:  runFlagWatch,
						Usage: "reload the configuration file when it changes",
					},
				}, backendFlags...),
				Action: RunAction,
			},
		},
	}
}
