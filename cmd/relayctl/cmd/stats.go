package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show relay run statistics",
	Long: `Show processor counters, live queue figures, and dead letter totals.

Example:
  relayctl stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Processor struct {
				Running              bool  `json:"is_running"`
				TotalProcessed       int64 `json:"total_processed"`
				SuccessfulDeliveries int64 `json:"successful_deliveries"`
				FailedDeliveries     int64 `json:"failed_deliveries"`
				CurrentQueueSize     int   `json:"current_queue_size"`
				ProcessingCount      int   `json:"processing_count"`
			} `json:"processor"`
			DeadLetter struct {
				TotalEntries     int `json:"total_entries"`
				RetryableEntries int `json:"retryable_entries"`
			} `json:"dead_letter"`
		}
		if err := adminRequest("GET", "/v1/stats", &resp); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		if outputJSON {
			printJSON(resp)
			return nil
		}

		fmt.Println("Relay statistics:")
		fmt.Printf("  Running:          %v\n", resp.Processor.Running)
		fmt.Printf("  Total processed:  %d\n", resp.Processor.TotalProcessed)
		fmt.Printf("  Successful:       %d\n", resp.Processor.SuccessfulDeliveries)
		fmt.Printf("  Failed:           %d\n", resp.Processor.FailedDeliveries)
		fmt.Printf("  Queue size:       %d\n", resp.Processor.CurrentQueueSize)
		fmt.Printf("  In flight:        %d\n", resp.Processor.ProcessingCount)
		fmt.Printf("  Dead letters:     %d (%d retryable)\n",
			resp.DeadLetter.TotalEntries, resp.DeadLetter.RetryableEntries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
