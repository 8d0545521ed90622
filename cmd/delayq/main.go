package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "delayq"
	app.HelpName = "delayq"
	app.Usage = "run delayed and recurring jobs on a single timer worker"
	app.UsageText = "delayq [--config FILE] <command>"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "./config.yaml",
			Usage:  "path to config file (json or yaml)",
			EnvVar: "DELAYQ_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the scheduler (default)",
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "parse and validate the config, then exit",
			Action: check,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "quiet, q", Usage: "print nothing on success"},
			},
		},
	}
	app.Action = run
	return app
}
