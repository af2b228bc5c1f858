package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/procmon/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Query clients now",
	Long:  `Starts a manual run over all active clients, or only the ones given with --client.`,
	RunE:  runManualQuery,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run log",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its client outcomes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run",
	RunE:  runRunsCancel,
}

var (
	runClientIDs []string
	runWait      bool
	runsLimit    int
	runsSince    string
)

func init() {
	runCmd.Flags().StringSliceVar(&runClientIDs, "client", nil, "Client id to query (repeatable)")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "Wait for the run to finish and print its summary")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsCancelCmd)
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")
	runsListCmd.Flags().StringVar(&runsSince, "since", "", "Only runs started at or after this date (YYYY-MM-DD or RFC 3339)")
}

type runDetail struct {
	Run      models.RunResult       `json:"run"`
	Outcomes []models.ClientOutcome `json:"outcomes"`
}

func runManualQuery(cmd *cobra.Command, args []string) error {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := apiPost("/api/manual-query", map[string]interface{}{"client_ids": runClientIDs}, &resp); err != nil {
		return err
	}
	fmt.Printf("Started run %s\n", resp.RunID)

	if !runWait {
		return nil
	}
	for {
		time.Sleep(time.Second)
		var d runDetail
		if err := apiGet("/api/runs/"+url.PathEscape(resp.RunID), &d); err != nil {
			return err
		}
		if d.Run.Finished() {
			printRun(&d)
			return nil
		}
	}
}

func runRunsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(runsLimit))
	if runsSince != "" {
		q.Set("since", runsSince)
	}

	var runs []models.RunResult
	if err := apiGet("/api/runs?"+q.Encode(), &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tTRIGGER\tSTATUS\tOK/TOTAL\tFAILED\tCHANGED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n",
			truncateID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04"), r.Trigger, r.Status,
			r.Succeeded, r.Total, r.Failed, r.Changed)
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	var d runDetail
	if err := apiGet("/api/runs/"+url.PathEscape(args[0]), &d); err != nil {
		return err
	}
	printRun(&d)
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	if err := apiPost("/api/runs/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Println("Cancelling active run")
	return nil
}

func printRun(d *runDetail) {
	r := d.Run
	fmt.Printf("ID:        %s\n", r.ID)
	fmt.Printf("Trigger:   %s\n", r.Trigger)
	fmt.Printf("Status:    %s\n", r.Status)
	fmt.Printf("Started:   %s\n", r.StartedAt.Local().Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Printf("Finished:  %s (%s)\n", r.FinishedAt.Local().Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	}
	fmt.Printf("Clients:   %d total, %d succeeded, %d failed, %d changed\n", r.Total, r.Succeeded, r.Failed, r.Changed)
	fmt.Printf("Attempts:  %d\n", r.Attempts)
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}

	if len(d.Outcomes) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tOUTCOME\tATTEMPTS\tREASON")
	for _, o := range d.Outcomes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", truncateID(o.ClientID), o.Kind, o.Attempts, o.ErrorReason)
	}
	w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
