package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/sym"
)

// TriggerCmd starts a manual run through the API of a running daemon
var TriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: sym.Tide + " Trigger a manual ingestion run",
	Long: `Trigger a manual run on the running Tidemark daemon.

By default every active unit in the registry is ingested. Use --symbols
and --asset-class to narrow the run.

Examples:
  tidemark trigger
  tidemark trigger --symbols AAPL,MSFT
  tidemark trigger --asset-class crypto`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		symbols, _ := cmd.Flags().GetStringSlice("symbols")
		assetClass, _ := cmd.Flags().GetString("asset-class")

		body, err := json.Marshal(map[string]interface{}{
			"symbols":     symbols,
			"asset_class": assetClass,
		})
		if err != nil {
			return err
		}

		url := fmt.Sprintf("http://localhost:%d/api/runs/trigger", cfg.Server.Port)
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("is the daemon running? %w", err)
		}
		defer resp.Body.Close()

		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusAccepted {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(payload, &apiErr)
			if apiErr.Error == "" {
				apiErr.Error = resp.Status
			}
			pterm.Error.Printf("Trigger rejected: %s\n", apiErr.Error)
			return fmt.Errorf("trigger rejected: %s", apiErr.Error)
		}

		var run progress.RunExecution
		if err := json.Unmarshal(payload, &run); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}

		pterm.Success.Printf("%s Run %s started (%s, %d units)\n",
			sym.TideOpen, run.ID, run.JobName, run.TotalUnits)
		pterm.Info.Printf("Follow it with: tidemark status --run %s\n", run.ID)
		return nil
	},
}

func init() {
	TriggerCmd.Flags().StringSlice("symbols", nil, "Restrict the run to these symbols")
	TriggerCmd.Flags().String("asset-class", "", "Restrict the run to one asset class")
}
