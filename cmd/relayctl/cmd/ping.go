package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the relay's health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			OK         bool   `json:"ok"`
			Message    string `json:"message"`
			Database   bool   `json:"database"`
			Processing bool   `json:"processing"`
		}
		if err := adminRequest("GET", "/healthz", &resp); err != nil {
			return fmt.Errorf("relay unreachable: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		fmt.Printf("ok=%v message=%q database=%v processing=%v\n",
			resp.OK, resp.Message, resp.Database, resp.Processing)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
