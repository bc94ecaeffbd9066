package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/rendis/flowplane/pkg/schema"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules",
	}
	cmd.AddCommand(
		newScheduleUpsertCmd(),
		newSchedulePauseCmd(),
		newScheduleDeleteCmd(),
		newSchedulePreviewCmd(),
		newScheduleListCmd(),
	)
	return cmd
}

func newScheduleUpsertCmd() *cobra.Command {
	var (
		filePath string
		sched    schema.Schedule
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath != "" {
				doc, err := readDocument(filePath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(doc, &sched); err != nil {
					return fmt.Errorf("parse schedule: %w", err)
				}
			}
			var out map[string]any
			if err := newAPIClient().do(http.MethodPost, "/api/v1/schedules", &sched, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Schedule document (JSON or YAML); replaces the individual flags")
	cmd.Flags().StringVar(&sched.ScheduleID, "id", "", "Schedule ID (empty creates a new one)")
	cmd.Flags().StringVar(&sched.WorkflowID, "workflow", "", "Workflow ID")
	cmd.Flags().IntVar(&sched.Version, "version", 0, "Workflow version (0 = latest at fire time)")
	cmd.Flags().StringVar(&sched.CronExpr, "cron", "", "Cron expression")
	cmd.Flags().StringVar(&sched.Timezone, "tz", "", "IANA timezone (empty = UTC)")
	cmd.Flags().Int64Var(&sched.JitterMs, "jitter-ms", 0, "Random fire jitter in milliseconds")
	cmd.Flags().StringVar((*string)(&sched.OverlapPolicy), "overlap", "", "Overlap policy: allow|skip|queue")
	cmd.Flags().StringVar((*string)(&sched.CatchupPolicy), "catchup", "", "Catchup policy: none|fire_immediately|spread")
	return cmd
}

func newSchedulePauseCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "pause <schedule-id>",
		Short: "Pause or resume a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			body := map[string]any{"paused": !resume}
			if err := newAPIClient().do(http.MethodPatch, "/api/v1/schedules/"+args[0]+"/pause", body, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume instead of pause")
	return cmd
}

func newScheduleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do(http.MethodDelete, "/api/v1/schedules/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println(`{"deleted":true}`)
			return nil
		},
	}
}

func newSchedulePreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <schedule-id>",
		Short: "Show the schedule and its next fire times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newAPIClient().do(http.MethodGet, "/api/v1/schedules/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newScheduleListCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/schedules"
			if workflowID != "" {
				path += "?workflow_id=" + workflowID
			}
			var out []map[string]any
			if err := newAPIClient().do(http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Filter by workflow ID")
	return cmd
}
