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
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// NewRootCommand builds the crossrun CLI.
func NewRootCommand(version string) *cobra.Command {
	var server string

	root := &cobra.Command{
		Use:           "crossrun",
		Short:         "Client for the crossrund run orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", serverDefault(), "crossrund base URL (env: CROSSRUN_SERVER)")

	client := func() *Client { return NewClient(server) }

	root.AddCommand(newProjectCommand(client))
	root.AddCommand(newRunCommand(client))
	root.AddCommand(newStatusCommand(client))
	return root
}

func serverDefault() string {
	if v := os.Getenv("CROSSRUN_SERVER"); v != "" {
		return v
	}
	return defaultServer
}
