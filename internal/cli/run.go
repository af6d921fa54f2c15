// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/crossrun/internal/events"
	"github.com/tombee/crossrun/internal/runservice"
)

func newRunCommand(client func() *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}
	cmd.AddCommand(newRunCreateCommand(client))
	cmd.AddCommand(newRunListCommand(client))
	cmd.AddCommand(newRunGetCommand(client))
	cmd.AddCommand(newRunCancelCommand(client))
	cmd.AddCommand(newRunWatchCommand(client))
	return cmd
}

func newRunCreateCommand(client func() *Client) *cobra.Command {
	var (
		name         string
		instructions string
		taskType     string
		referenceRun string
		fromRun      string
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Create a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			run, err := c.CreateRun(cmd.Context(), runservice.CreateRunInput{
				ProjectID:      args[0],
				Name:           name,
				Instructions:   instructions,
				TaskType:       taskType,
				ReferenceRunID: referenceRun,
				FromRunID:      fromRun,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)

			if watch {
				return watchRun(cmd, c, run.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Run name")
	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "User instructions (required)")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Task type (defaults to the project's)")
	cmd.Flags().StringVar(&referenceRun, "reference-run", "", "Run id whose cached pattern guides this run")
	cmd.Flags().StringVar(&fromRun, "from-run", "", "Run id whose workspace is cloned as the starting point")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream events until the run finishes")
	cmd.MarkFlagRequired("instructions")
	return cmd
}

func newRunListCommand(client func() *Client) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := client().ListRuns(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tPROGRESS\tNAME")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.ProjectID, r.Status, r.Progress, r.Name)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Filter by project id")
	return cmd
}

func newRunGetCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show full run detail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(detail)
		},
	}
}

func newRunCancelCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newRunWatchCommand(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, client(), args[0])
		},
	}
}

func watchRun(cmd *cobra.Command, c *Client, runID string) error {
	out := cmd.OutOrStdout()
	return c.Watch(cmd.Context(), runID, func(event events.Event) error {
		switch event.Kind {
		case events.KindStatus, events.KindProgress, events.KindStep,
			events.KindArtifact, events.KindDiff, events.KindWorkspace,
			events.KindError, events.KindCancellationRequested, events.KindPattern:
			payload, err := json.Marshal(event.Data)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s %s\n", event.Timestamp.Format("15:04:05"), event.Kind, payload)
		}
		return nil
	})
}
