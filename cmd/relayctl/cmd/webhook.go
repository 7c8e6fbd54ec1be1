package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Inspect per-webhook delivery accounting",
}

// webhookStatsCmd represents the webhook stats command
var webhookStatsCmd = &cobra.Command{
	Use:   "stats [webhook-id]",
	Short: "Show aggregate delivery statistics for a webhook",
	Long: `Show lifetime counts and the average response time for a webhook.

Example:
  relayctl webhook stats wh_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookID := args[0]

		var resp struct {
			TotalDeliveries       int64 `json:"total_deliveries"`
			SuccessfulDeliveries  int64 `json:"successful_deliveries"`
			FailedDeliveries      int64 `json:"failed_deliveries"`
			AverageResponseTimeMS int64 `json:"average_response_time_ms"`
		}
		if err := adminRequest("GET", "/v1/webhooks/"+webhookID+"/stats", &resp); err != nil {
			return fmt.Errorf("failed to get webhook stats: %w", err)
		}

		if outputJSON {
			printJSON(resp)
			return nil
		}

		fmt.Printf("Webhook %s:\n", webhookID)
		fmt.Printf("  Total deliveries: %d\n", resp.TotalDeliveries)
		fmt.Printf("  Successful:       %d\n", resp.SuccessfulDeliveries)
		fmt.Printf("  Failed:           %d\n", resp.FailedDeliveries)
		fmt.Printf("  Avg response:     %dms\n", resp.AverageResponseTimeMS)
		return nil
	},
}

// webhookHistoryCmd represents the webhook history command
var webhookHistoryCmd = &cobra.Command{
	Use:   "history [webhook-id]",
	Short: "Show recent delivery attempts for a webhook",
	Long: `Show the most recent delivery attempt records for a webhook,
oldest first.

Example:
  relayctl webhook history wh_123 --limit 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookID := args[0]
		limit, _ := cmd.Flags().GetInt("limit")

		var resp struct {
			Deliveries []struct {
				DeliveryID     string    `json:"delivery_id"`
				Timestamp      time.Time `json:"timestamp"`
				Success        bool      `json:"success"`
				ResponseTimeMS int64     `json:"response_time_ms"`
				Error          string    `json:"error"`
			} `json:"deliveries"`
		}
		path := fmt.Sprintf("/v1/webhooks/%s/deliveries?limit=%d", webhookID, limit)
		if err := adminRequest("GET", path, &resp); err != nil {
			return fmt.Errorf("failed to get webhook history: %w", err)
		}

		if outputJSON {
			printJSON(resp)
			return nil
		}

		if len(resp.Deliveries) == 0 {
			fmt.Println("No delivery attempts recorded")
			return nil
		}
		fmt.Printf("Recent deliveries for %s:\n", webhookID)
		for _, rec := range resp.Deliveries {
			status := "ok"
			if !rec.Success {
				status = "failed: " + rec.Error
			}
			fmt.Printf("  %s  %s  %4dms  %s\n",
				rec.Timestamp.Format("2006-01-02 15:04:05"), rec.DeliveryID, rec.ResponseTimeMS, status)
		}
		return nil
	},
}

func init() {
	webhookHistoryCmd.Flags().Int("limit", 20, "maximum records to show")
	webhookCmd.AddCommand(webhookStatsCmd)
	webhookCmd.AddCommand(webhookHistoryCmd)
	rootCmd.AddCommand(webhookCmd)
}
