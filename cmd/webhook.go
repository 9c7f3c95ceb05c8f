package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/nexusgpu/nexus/internal/config"
)

// promptForSecret prompts for a secret value with hidden input,
// checking an environment variable override first. The prompt is
// written to stderr so it doesn't interfere with piped output.
// Grounded on the teacher's cmd/job_secrets.go promptForSecret.
func promptForSecret(envVar, prompt string) (string, error) {
	if envVar != "" {
		if value := os.Getenv(envVar); value != "" {
			return value, nil
		}
	}

	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		valueBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(valueBytes), nil
	}

	var value string
	if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return value, nil
}

// WebhookCommand configures the Discord notifier's webhook URL
// (spec §4.5 task 1 notifications, §9 notification-message editing),
// persisting it to config.toml without ever echoing it to a terminal
// or leaving it on the shell's history.
var WebhookCommand = &cli.Command{
	Name:  "webhook",
	Usage: "Configure the Discord notification webhook URL",
	Subcommands: []*cli.Command{
		{
			Name:  "set",
			Usage: "Set the Discord webhook URL (prompts for hidden input if not piped via NEXUS_DISCORD_WEBHOOK_URL)",
			Action: func(ctx *cli.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}

				url, err := promptForSecret("NEXUS_DISCORD_WEBHOOK_URL", "Discord webhook URL: ")
				if err != nil {
					return err
				}
				cfg.DiscordWebhookURL = url
				if err := cfg.Save(); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Println("Discord webhook URL saved")
				return nil
			},
		},
		{
			Name:  "clear",
			Usage: "Remove the configured Discord webhook URL",
			Action: func(ctx *cli.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg.DiscordWebhookURL = ""
				if err := cfg.Save(); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Println("Discord webhook URL cleared")
				return nil
			},
		},
	},
}
