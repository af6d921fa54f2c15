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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/crossrun/internal/lifecycle"
)

func newStatusCommand(client func() *Client) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the server is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := client().BaseURL() + "/healthz"
			checker := lifecycle.NewHealthChecker(endpoint)

			if wait > 0 {
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if err := checker.Wait(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", endpoint)
				return nil
			}

			result := checker.Check(cmd.Context())
			if !result.Healthy {
				if result.Err != nil {
					return fmt.Errorf("%s unreachable: %w", endpoint, result.Err)
				}
				return fmt.Errorf("%s unhealthy: status %d", endpoint, result.StatusCode)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy (%s)\n", endpoint, result.ResponseTime.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll until healthy or this duration elapses")
	return cmd
}
