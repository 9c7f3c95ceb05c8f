package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/urfave/cli/v2"

	"github.com/nexusgpu/nexus/cmd"
)

func main() {
	app := &cli.App{
		Name:  "nexus",
		Usage: "Single-node GPU job scheduler",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.TokenCommand,
			cmd.HealthCheckCommand,
			cmd.WebhookCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
