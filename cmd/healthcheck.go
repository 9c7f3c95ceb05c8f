package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nexusgpu/nexus/internal/config"
)

// HealthCheckCommand pings the local server's /health endpoint over
// loopback (exempt from the Auth Gate per spec §4.6), for use as a
// container health check.
var HealthCheckCommand = &cli.Command{
	Name:  "healthcheck",
	Usage: "Ping the local server's /health endpoint",
	Action: func(ctx *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		client := &http.Client{Timeout: 5 * time.Second}
		url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.HTTPPort)
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("healthcheck: request failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthcheck: server returned %d: %s", resp.StatusCode, string(body))
		}
		fmt.Println(string(body))
		return nil
	},
}
