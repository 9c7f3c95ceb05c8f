package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nexusgpu/nexus/internal/auth"
	"github.com/nexusgpu/nexus/internal/config"
)

// TokenCommand prints the server's bearer token, generating and
// persisting one if none exists yet (spec §4.6).
var TokenCommand = &cli.Command{
	Name:  "token",
	Usage: "Print the server's bearer token, generating one if needed",
	Action: func(ctx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		gate, err := auth.Open(cfg.TokenPath(), cfg.AuthorizedKeysPath())
		if err != nil {
			return fmt.Errorf("open auth gate: %w", err)
		}
		fmt.Println(gate.Token())
		return nil
	},
}
