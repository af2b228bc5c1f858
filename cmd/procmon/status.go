package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and scheduler status",
	RunE:  runStatus,
}

var setTimeCmd = &cobra.Command{
	Use:   "set-time [HH:MM]",
	Short: "Set the daily query time",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetTime,
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := CheckHealth()
	if health == nil {
		return err
	}
	fmt.Printf("Daemon:     %s (version %s)\n", map[bool]string{true: "ok", false: "degraded"}[health.OK], health.Version)
	if !health.OK {
		fmt.Printf("Database:   %s\n", health.DB)
	}

	var st coordinator.Status
	if err := apiGet("/api/scheduler/status", &st); err != nil {
		return err
	}

	fmt.Printf("State:      %s\n", st.State)
	if st.CurrentRun != nil {
		fmt.Printf("Current:    %s (%s, started %s)\n", st.CurrentRun.ID, st.CurrentRun.Trigger, st.CurrentRun.StartedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("Daily:      %v at %s (%s)\n", st.DailyQueries, st.QueryTime, st.Location)
	if st.NextRun != nil {
		fmt.Printf("Next run:   %s\n", st.NextRun.Local().Format(time.RFC3339))
	}
	if st.LastRun != nil {
		r := st.LastRun
		fmt.Printf("Last run:   %s %s, %d/%d succeeded, %d changed\n", truncateID(r.ID), r.Status, r.Succeeded, r.Total, r.Changed)
	}
	if v, ok := st.Scheduler["peak_in_flight"]; ok {
		fmt.Printf("Workers:    concurrency %v, batch size %v, peak in flight %v\n",
			st.Scheduler["concurrency"], st.Scheduler["batch_size"], v)
	}
	return nil
}

func runSetTime(cmd *cobra.Command, args []string) error {
	var settings models.Settings
	if err := apiPost("/api/scheduler/update-time", map[string]string{"time": args[0]}, &settings); err != nil {
		return err
	}
	fmt.Printf("Daily query time set to %s\n", settings.QueryTime)
	return nil
}
