package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered deliveries",
}

type dlqEntry struct {
	ID       string `json:"id"`
	Delivery struct {
		ID        string `json:"id"`
		WebhookID string `json:"webhook_id"`
		Event     struct {
			EventName   string `json:"event_name"`
			BlockNumber uint64 `json:"block_number"`
			TxHash      string `json:"tx_hash"`
		} `json:"event"`
		Attempts int `json:"attempt"`
	} `json:"delivery"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	Retryable bool      `json:"retryable"`
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered deliveries",
	Long: `List quarantined deliveries, newest first.

Example:
  relayctl dlq list --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var resp struct {
			Entries []dlqEntry `json:"entries"`
		}
		if err := adminRequest("GET", "/v1/dlq", &resp); err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}
		if limit > 0 && len(resp.Entries) > limit {
			resp.Entries = resp.Entries[:limit]
		}

		if outputJSON {
			printJSON(resp)
			return nil
		}

		if len(resp.Entries) == 0 {
			fmt.Println("Dead letter queue is empty")
			return nil
		}
		fmt.Printf("Dead letters (%d):\n", len(resp.Entries))
		for _, e := range resp.Entries {
			fmt.Printf("\n  Entry %s:\n", e.ID)
			fmt.Printf("    Delivery:  %s (webhook %s)\n", e.Delivery.ID, e.Delivery.WebhookID)
			fmt.Printf("    Event:     %s @ block %d\n", e.Delivery.Event.EventName, e.Delivery.Event.BlockNumber)
			fmt.Printf("    Attempts:  %d\n", e.Delivery.Attempts)
			fmt.Printf("    Reason:    %s\n", e.Reason)
			if e.LastError != "" {
				fmt.Printf("    Last err:  %s\n", e.LastError)
			}
			fmt.Printf("    Failed at: %s\n", e.FailedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// dlqRetryCmd represents the dlq retry command
var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Replay a dead-lettered delivery",
	Long: `Re-enqueue a quarantined delivery as a fresh delivery with zero attempts.

Example:
  relayctl dlq retry 6f1d2c3a-9a1e-4b8f-8f2a-1c2d3e4f5a6b`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entryID := args[0]
		if err := adminRequest("POST", "/v1/dlq/"+entryID+"/retry", nil); err != nil {
			return fmt.Errorf("failed to retry entry: %w", err)
		}
		fmt.Printf("Entry %s re-enqueued\n", entryID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
