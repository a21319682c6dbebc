package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var (
	version = "dev"

	cfgPath string
	envPath string

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "path to the config file (.json, .yaml or .yml)",
			Value:       "./config.json",
			Destination: &cfgPath,
		},
		cli.StringFlag{
			Name:        "env, e",
			Usage:       "dotenv file loaded before the config (missing file is ignored)",
			Value:       ".env",
			Destination: &envPath,
		},
	}
)

func newCLI() *cli.App {
	app := cli.NewApp()
	app.Name = "autotour"
	app.HelpName = "autotour"
	app.Usage = "recurring tournament scheduler for chat rooms"
	app.UsageText = "autotour [global options] <command> [arguments...]"
	app.Version = version
	app.Flags = globalFlags
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "connect to Telegram and run the schedulers (default)",
			Action: run,
		},
		{
			Name:      "check",
			Usage:     "print committed rules and upcoming tours without connecting",
			UsageText: "autotour check [--room <id>] [--count <n>]",
			Action:    check,
			Flags:     checkFlags,
		},
		{
			Name:   "validate",
			Usage:  "parse and validate the config file",
			Action: validate,
		},
	}
	app.Action = run
	return app
}

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "autotour:", err)
		os.Exit(1)
	}
}
