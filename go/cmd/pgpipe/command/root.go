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
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgpipe/pgpipe/go/driver"
	"github.com/pgpipe/pgpipe/go/envconfig"
)

var (
	configFile string
	settings   *envconfig.Settings
	logger     *slog.Logger
)

// Root is the pgpipe command tree.
var Root = &cobra.Command{
	Use:   "pgpipe",
	Short: "PostgreSQL client with request pipelining",
	Long: `pgpipe talks to PostgreSQL over the native wire protocol with request
pipelining: multiple statements go on the wire without waiting for earlier
responses. It provides connectivity checks, one-shot queries, and COPY
streaming.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = envconfig.Load(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		logger, err = setupLogging(settings)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	envconfig.RegisterFlags(Root.PersistentFlags())
	Root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")
}

func setupLogging(s *envconfig.Settings) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch s.LogFormat {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", s.LogFormat)
	}
	return slog.New(handler), nil
}

// connect establishes a driver connection from the loaded settings.
func connect(ctx context.Context) (*driver.Conn, error) {
	cfg, err := settings.DriverConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	cfg.OnNotice = func(n *driver.Notice) {
		logger.Info("server notice", "severity", n.Severity, "message", n.Message)
	}
	return driver.Connect(ctx, cfg)
}
