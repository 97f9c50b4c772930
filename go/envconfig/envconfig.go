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

// Package envconfig loads client settings from flags, environment variables
// and an optional config file, in that order of precedence. Environment
// variables use the PGPIPE_ prefix with dots replaced by underscores
// (PGPIPE_DIAL_TIMEOUT for dial.timeout).
package envconfig

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgpipe/pgpipe/go/driver"
	"github.com/pgpipe/pgpipe/go/transport"
)

// Settings is the flat configuration surface.
type Settings struct {
	Hosts           []string      `mapstructure:"hosts"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	ApplicationName string        `mapstructure:"application_name"`
	SSLMode         string        `mapstructure:"sslmode"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	PipelineDepth   int           `mapstructure:"pipeline_depth"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
}

const envPrefix = "PGPIPE"

// RegisterFlags declares the settings flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("host", []string{"localhost:5432"}, "server address, repeatable for fallback hosts")
	fs.String("user", "", "user name")
	fs.String("password", "", "password")
	fs.String("database", "", "database name")
	fs.String("application-name", "pgpipe", "application_name reported to the server")
	fs.String("sslmode", "disable", "TLS mode: disable, require, verify-full")
	fs.Duration("dial-timeout", 10*time.Second, "connection establishment timeout")
	fs.Int("pipeline-depth", 0, "max requests in flight per connection (0 for default)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text, json")
}

// Load resolves settings from fs, the environment, and an optional config
// file path (empty skips the file).
func Load(fs *pflag.FlagSet, configFile string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"hosts":            "host",
		"user":             "user",
		"password":         "password",
		"database":         "database",
		"application_name": "application-name",
		"sslmode":          "sslmode",
		"dial_timeout":     "dial-timeout",
		"pipeline_depth":   "pipeline-depth",
		"log_level":        "log-level",
		"log_format":       "log-format",
	}
	for key, flagName := range bindings {
		flag := fs.Lookup(flagName)
		if flag == nil {
			return nil, fmt.Errorf("flag %q is not registered", flagName)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return &s, nil
}

// DriverConfig converts the settings into a driver configuration.
func (s *Settings) DriverConfig() (*driver.Config, error) {
	cfg := &driver.Config{
		User:            s.User,
		Password:        s.Password,
		Database:        s.Database,
		ApplicationName: s.ApplicationName,
		DialTimeout:     s.DialTimeout,
		PipelineDepth:   s.PipelineDepth,
	}

	for _, h := range s.Hosts {
		network := "tcp"
		if strings.HasPrefix(h, "/") {
			// A leading slash means a unix socket directory path.
			network = "unix"
		}
		cfg.Hosts = append(cfg.Hosts, transport.Target{Network: network, Addr: h})
	}

	switch s.SSLMode {
	case "", "disable":
	case "require":
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // "require" matches libpq: encrypted, unverified
	case "verify-full":
		cfg.TLSConfig = &tls.Config{}
	default:
		return nil, fmt.Errorf("unsupported sslmode %q", s.SSLMode)
	}

	return cfg, nil
}
