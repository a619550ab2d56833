package commands

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `carewire health` command, used by container
// health checks and monitoring probes.
func newHealthCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running service's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if address == "" {
				address = resolveHealthAddress(cmd)
			}

			url := "http://" + normalizeHostport(address) + "/health"
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			fmt.Println(strings.TrimSpace(string(body)))

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("service unhealthy (status %d)", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gateway address to check (default: from config, else :8080)")

	return cmd
}

// resolveHealthAddress reads the gateway address from config when available
// so the probe follows whatever the service was started with.
func resolveHealthAddress(cmd *cobra.Command) string {
	if cfg, _, err := resolveConfig(cmd); err == nil {
		return cfg.Gateway.Address
	}
	return ":8080"
}

// normalizeHostport turns a bare ":8080" listen address into a dialable
// host:port.
func normalizeHostport(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
