package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/asterlane/engram/pkg/vectorcache"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache status from the running daemon",
	Long:  `Query the running daemon's gateway for the vector cache status.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// gatewayClient is the HTTP client helper commands use against the daemon.
var gatewayClient = &http.Client{Timeout: 5 * time.Second}

// gatewayURL builds a gateway endpoint URL from the effective config.
func gatewayURL(path string) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return fmt.Sprintf("http://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, path), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	url, err := gatewayURL("/status")
	if err != nil {
		return err
	}

	resp, err := gatewayClient.Get(url)
	if err != nil {
		fmt.Println("Status: daemon not reachable")
		return nil
	}
	defer resp.Body.Close()

	var status vectorcache.StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	if !status.Initialized {
		fmt.Println("Cache: not loaded yet")
		return nil
	}

	fmt.Printf("Cache: loaded\n")
	fmt.Printf("Items: %d\n", status.ItemCount)
	fmt.Printf("Loaded at: %s\n", status.LoadedAt.Format(time.RFC3339))
	fmt.Printf("Age: %.1f min (TTL %d min)\n", status.AgeMinutes, status.TTLMinutes)
	if status.IsStale {
		fmt.Println("Staleness: stale, refresh pending")
	} else {
		fmt.Println("Staleness: fresh")
	}
	return nil
}
