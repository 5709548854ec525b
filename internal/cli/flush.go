package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asterlane/engram/pkg/vectorcache"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Force the daemon to reload its vector cache",
	Long: `Ask the running daemon to rebuild the in-memory vector cache from the
scar store immediately instead of waiting for the TTL refresh.`,
	RunE: runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	url, err := gatewayURL("/flush")
	if err != nil {
		return err
	}

	resp, err := gatewayClient.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	var result vectorcache.FlushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode flush response: %w", err)
	}

	if !result.Success {
		return fmt.Errorf("flush failed, cache still has %d items", result.PreviousCount)
	}

	fmt.Printf("Flushed: %d -> %d items in %dms\n", result.PreviousCount, result.NewCount, result.ElapsedMs)
	return nil
}
