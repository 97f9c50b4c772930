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
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var copyCmd = &cobra.Command{
	Use:   "copy <copy-statement>",
	Short: "Stream a COPY between the server and stdin/stdout",
	Long: `copy runs a COPY statement. "COPY ... FROM STDIN" streams standard input
to the server; "COPY ... TO STDOUT" streams the table to standard output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sql := args[0]

		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		upper := strings.ToUpper(sql)
		switch {
		case strings.Contains(upper, "FROM STDIN"):
			res, err := conn.CopyIn(ctx, sql, os.Stdin)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s\n", res.CommandTag)
		case strings.Contains(upper, "TO STDOUT"):
			res, err := conn.CopyOut(ctx, sql, os.Stdout)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s\n", res.CommandTag)
		default:
			return fmt.Errorf("statement must name FROM STDIN or TO STDOUT")
		}
		return nil
	},
}

func init() {
	Root.AddCommand(copyCmd)
}
