// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity and measure round-trip time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		start := time.Now()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		connectTime := time.Since(start)

		start = time.Now()
		if err := conn.Ping(ctx); err != nil {
			return err
		}
		rtt := time.Since(start)

		fmt.Printf("server version: %s\n", conn.ServerParameter("server_version"))
		fmt.Printf("connect: %v, round-trip: %v\n", connectTime.Round(time.Microsecond), rtt.Round(time.Microsecond))
		return nil
	},
}

func init() {
	Root.AddCommand(pingCmd)
}
