package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/rendis/flowplane/pkg/schema"
)

func newRunCmd() *cobra.Command {
	var (
		version    int
		inputsFile string
		inputs     []string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Activate a workflow manually",
		Long:  "Start a run with caller-supplied inputs. With --follow the run's event stream is printed until the run finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := collectInputs(inputsFile, inputs)
			if err != nil {
				return err
			}

			var run schema.Run
			body := map[string]any{
				"workflow_id": args[0],
				"version":     version,
				"inputs":      payload,
			}
			if err := newAPIClient().do(http.MethodPost, "/api/v1/runs", body, &run); err != nil {
				return err
			}
			if err := printJSON(run); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followRun(run.RunID)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Workflow version (0 = latest)")
	cmd.Flags().StringVar(&inputsFile, "inputs", "", "Inputs document (JSON or YAML)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Inline input as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream run events until the run finishes")
	return cmd
}

func collectInputs(file string, pairs []string) (map[string]any, error) {
	payload := map[string]any{}
	if file != "" {
		doc, err := readDocument(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &payload); err != nil {
			return nil, fmt.Errorf("parse inputs: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		payload[key] = value
	}
	return payload, nil
}

// followRun subscribes to the run's SSE stream and prints every event
// until a terminal one arrives or the user interrupts.
func followRun(runID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := sse.NewClient(strings.TrimRight(serverURL, "/") + "/api/v1/runs/" + runID + "/events")
	err := client.SubscribeWithContext(ctx, "events", func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		fmt.Println(string(msg.Data))
		switch string(msg.Event) {
		case schema.EventRunSucceeded, schema.EventRunFailed, schema.EventRunCancelled:
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("follow run %s: %w", runID, err)
	}
	return nil
}
