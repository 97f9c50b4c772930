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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pgpipe/pgpipe/go/driver"
)

var querySimple bool

var queryCmd = &cobra.Command{
	Use:   "query <sql> [sql...]",
	Short: "Execute statements, pipelining when several are given",
	Long: `query executes each argument as one statement. Multiple statements are
written as a single pipelined batch: one network flush, responses in order.
With --simple the statements run through the simple query protocol instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		if querySimple {
			results, err := conn.SimpleQuery(ctx, strings.Join(args, "; "))
			if err != nil {
				return err
			}
			for _, res := range results {
				printResult(res)
			}
			return nil
		}

		p := conn.Pipeline()
		pendings := make([]*driver.Pending, len(args))
		for i, sql := range args {
			pendings[i] = p.Queue(sql)
		}
		if err := p.Sync(ctx); err != nil {
			return err
		}

		var firstErr error
		for i, pending := range pendings {
			res, err := pending.Wait(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "statement %d: %v\n", i+1, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			printResult(res)
		}
		return firstErr
	},
}

func printResult(res *driver.Result) {
	if len(res.Fields) == 0 {
		fmt.Println(res.CommandTag)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	names := make([]string, len(res.Fields))
	for i, f := range res.Fields {
		names[i] = f.Name
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))

	for _, row := range res.Rows {
		cols := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cols[i] = "NULL"
			} else {
				cols[i] = string(v)
			}
		}
		fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	w.Flush()
	fmt.Printf("(%s)\n", res.CommandTag)
}

func init() {
	queryCmd.Flags().BoolVar(&querySimple, "simple", false, "use the simple query protocol")
	Root.AddCommand(queryCmd)
}
