package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/health"
	"github.com/tidemark/tidemark/sym"
)

// StatusCmd renders daemon health, or one run's progress with --run
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: sym.Tide + " Show daemon health and run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		base := fmt.Sprintf("http://localhost:%d", cfg.Server.Port)

		if runID, _ := cmd.Flags().GetString("run"); runID != "" {
			return showRun(client, base, runID)
		}
		return showHealth(client, base)
	},
}

func init() {
	StatusCmd.Flags().String("run", "", "Show progress for one run ID")
}

func showHealth(client *http.Client, base string) error {
	var report health.Report
	if err := getJSON(client, base+"/api/health", &report); err != nil {
		return err
	}

	if report.Status == "ok" {
		pterm.Success.Printf("%s Status: %s\n", sym.Tide, report.Status)
	} else {
		pterm.Warning.Printf("%s Status: %s\n", sym.Alert, report.Status)
	}

	rows := pterm.TableData{{"", ""}}
	if report.LastRun != nil {
		rows = append(rows,
			[]string{"Last run", fmt.Sprintf("%s (%s)", report.LastRun.ID, report.LastRun.Status)},
			[]string{"  succeeded/failed", fmt.Sprintf("%d/%d of %d",
				report.LastRun.Successful, report.LastRun.Failed, report.LastRun.TotalUnits)},
		)
	} else {
		rows = append(rows, []string{"Last run", "none"})
	}
	rows = append(rows,
		[]string{"Active runs", fmt.Sprintf("%d", report.ActiveRuns)},
		[]string{"Monitored units", fmt.Sprintf("%d", report.TotalUnitsMonitored)},
		[]string{"Stale units", fmt.Sprintf("%d", len(report.StaleUnits))},
		[]string{"Failures (24h)", fmt.Sprintf("%d", report.RecentFailures)},
		[]string{"Bulkhead", fmt.Sprintf("%d/%d slots", report.Bulkhead.Active, report.Bulkhead.Capacity)},
		[]string{"Scheduler paused", fmt.Sprintf("%t", report.SchedulerPaused)},
	)
	if report.Memory != nil {
		rows = append(rows, []string{"Memory (RSS)", fmt.Sprintf("%.1f MB", report.Memory.RSSMB)})
	}
	for _, b := range report.Breakers {
		rows = append(rows, []string{
			"Breaker " + b.Name,
			fmt.Sprintf("%s (%d failures, %d successes)", b.State, b.FailureCount, b.SuccessCount),
		})
	}

	return pterm.DefaultTable.WithData(rows[1:]).Render()
}

func showRun(client *http.Client, base, runID string) error {
	var detail struct {
		Run   json.RawMessage `json:"run"`
		Units []struct {
			Symbol     string `json:"symbol"`
			Timeframe  string `json:"timeframe"`
			Status     string `json:"status"`
			RetryCount int    `json:"retry_count"`
			LastError  string `json:"last_error"`
		} `json:"units"`
	}
	if err := getJSON(client, base+"/api/runs/"+runID, &detail); err != nil {
		return err
	}

	rows := pterm.TableData{{"Unit", "Status", "Retries", "Last error"}}
	for _, u := range detail.Units {
		rows = append(rows, []string{
			u.Symbol + ":" + u.Timeframe,
			u.Status,
			fmt.Sprintf("%d", u.RetryCount),
			u.LastError,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func getJSON(client *http.Client, url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
