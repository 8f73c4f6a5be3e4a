// Copyright 2021 FerretDB Inc.
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

// Package main contains docstore command-line tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/docstore/build/version"
	"github.com/FerretDB/docstore/internal/persistence"
	"github.com/FerretDB/docstore/internal/persistence/vendors"
	"github.com/FerretDB/docstore/internal/util/ctxutil"
	"github.com/FerretDB/docstore/internal/util/logging"
	"github.com/FerretDB/docstore/internal/util/observability"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version kong.VersionFlag `help:"Print version to stdout and exit." env:"-"`

	Vendor   string          `default:"memory"  help:"${help_vendor}"`
	URI      string          `default:""        help:"Connection URI; overrides the configuration file."`
	Config   string          `default:""        help:"YAML configuration file path."`
	Timeout  time.Duration   `default:"0s"      help:"Per-operation timeout; overrides the configuration file."`
	PoolSize int             `default:"0"       help:"Maximum number of connections; overrides the configuration file."`
	Flag     map[string]bool `help:"Vendor feature flags, like --flag=logQueries=true."`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
	} `embed:"" prefix:"log-"`

	OTLPEndpoint string `default:"" help:"OTLP/HTTP traces endpoint, like 127.0.0.1:4318." name:"otlp-endpoint"`

	Databases struct{} `cmd:"" help:"List databases."`

	Collections struct {
		Database string `arg:"" help:"Database name."`
	} `cmd:"" help:"List collections of the database."`

	Find struct {
		Database   string `arg:"" help:"Database name."`
		Collection string `arg:"" help:"Collection name."`
		Where      string `default:""  help:"Predicate expression, like 'doc.age >= 18'."`
		Raw        string `default:""  help:"Raw vendor query."`
		Limit      int    `default:"0" help:"Maximum number of documents; 0 means no limit."`
		Count      bool   `default:"false" help:"Print the number of matching documents only."`
	} `cmd:"" help:"Find documents."`

	Get struct {
		Database   string `arg:"" help:"Database name."`
		Collection string `arg:"" help:"Collection name."`
		ID         string `arg:"" help:"Document ID."`
	} `cmd:"" help:"Get document by ID."`

	Save struct {
		Database   string `arg:"" help:"Database name."`
		Collection string `arg:"" help:"Collection name."`
		Document   string `arg:"" help:"Document as Extended JSON."`
	} `cmd:"" help:"Insert or replace document; missing database and collection are created."`

	Delete struct {
		Database   string `arg:"" help:"Database name."`
		Collection string `arg:"" help:"Collection name."`
		ID         string `arg:"" help:"Document ID."`
	} `cmd:"" help:"Delete document by ID."`

	Patch struct {
		Database   string            `arg:"" help:"Database name."`
		Collection string            `arg:"" help:"Collection name."`
		ID         string            `arg:"" help:"Document ID."`
		Set        map[string]string `help:"Dotted path and Extended JSON value, like --set=address.zip=12345." required:""`
		Upsert     bool              `default:"false" help:"Create the document if it does not exist."`
	} `cmd:"" help:"Set properties of the document."`

	Metrics struct{} `cmd:"" help:"Ping the store and print driver metrics."`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	logFormats = []string{"console", "json"}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": zap.WarnLevel.String(),

			"enum_log_format": strings.Join(logFormats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logFormats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
			"help_vendor":     "Vendor: 'mongodb', 'sql', 'memory'.",

			"version": versionString(),
		},
		kong.DefaultEnvars("DOCSTORE"),
	}
)

func main() {
	kongCtx := kong.Parse(&cli, kongOptions...)

	if err := run(kongCtx.Command(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// versionString returns multi-line version information.
func versionString() string {
	info := version.Get()

	return fmt.Sprintf("version: %s\ncommit: %s\ndirty: %t", info.Version, info.Commit, info.Dirty)
}

// setupLogger creates a logger with the configured level and format.
func setupLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		return nil, err
	}

	return logging.Setup(level, cli.Log.Format, false)
}

// setupConfig loads the configuration file, if any, and applies command-line overrides.
func setupConfig() (*persistence.Config, error) {
	config := new(persistence.Config)

	if cli.Config != "" {
		f, err := os.Open(cli.Config)
		if err != nil {
			return nil, err
		}

		defer f.Close()

		if config, err = persistence.LoadConfig(f); err != nil {
			return nil, err
		}
	}

	if cli.URI != "" {
		config.ConnectionString = cli.URI
	}

	if cli.Timeout > 0 {
		config.DefaultTimeout = cli.Timeout
	}

	if cli.PoolSize > 0 {
		config.PoolSize = cli.PoolSize
	}

	if len(cli.Flag) > 0 && config.FeatureFlags == nil {
		config.FeatureFlags = make(map[string]bool, len(cli.Flag))
	}

	for k, v := range cli.Flag {
		config.FeatureFlags[k] = v
	}

	return config, nil
}

// run connects the driver and executes the command.
func run(command string, w io.Writer) error {
	l, err := setupLogger()
	if err != nil {
		return err
	}

	defer l.Sync() //nolint:errcheck // stderr sync may fail

	if _, err = maxprocs.Set(maxprocs.Logger(l.Sugar().Debugf)); err != nil {
		l.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdown, err := observability.SetupOtel("docstore", cli.OTLPEndpoint)
	if err != nil {
		return err
	}

	defer func() {
		if e := shutdown(context.Background()); e != nil {
			l.Warn("Failed to shutdown OpenTelemetry", zap.Error(e))
		}
	}()

	vendor, err := persistence.ParseVendor(cli.Vendor)
	if err != nil {
		return err
	}

	config, err := setupConfig()
	if err != nil {
		return err
	}

	l.Debug(
		"Configuration",
		zap.Stringer("vendor", vendor),
		zap.Duration("timeout", config.DefaultTimeout),
		zap.Int("pool_size", config.PoolSize),
		zap.String("flags", sortedFlags(config.FeatureFlags)),
	)

	d, err := vendors.NewDriver(vendor, config, l)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(d)

	ctx, stop := ctxutil.SigTerm(context.Background())
	defer stop()

	connected, err := d.Connect(ctx, "")
	if err != nil {
		return err
	}

	if !connected {
		return fmt.Errorf("failed to connect: %w", d.Err())
	}

	defer d.Disconnect(context.WithoutCancel(ctx))

	return execute(ctx, d, reg, command, w)
}

// execute runs the parsed command against the connected driver.
func execute(ctx context.Context, d *persistence.Driver, g prometheus.Gatherer, command string, w io.Writer) error {
	switch command {
	case "databases":
		return listDatabases(ctx, d, w)

	case "collections <database>":
		return listCollections(ctx, d, w, cli.Collections.Database)

	case "find <database> <collection>":
		return findDocuments(ctx, d, w, cli.Find.Database, cli.Find.Collection, &findParams{
			Where: cli.Find.Where,
			Raw:   cli.Find.Raw,
			Limit: cli.Find.Limit,
			Count: cli.Find.Count,
		})

	case "get <database> <collection> <id>":
		return getDocument(ctx, d, w, cli.Get.Database, cli.Get.Collection, cli.Get.ID)

	case "save <database> <collection> <document>":
		return saveDocument(ctx, d, w, cli.Save.Database, cli.Save.Collection, cli.Save.Document)

	case "delete <database> <collection> <id>":
		return deleteDocument(ctx, d, cli.Delete.Database, cli.Delete.Collection, cli.Delete.ID)

	case "patch <database> <collection> <id>":
		return patchDocument(ctx, d, w, cli.Patch.Database, cli.Patch.Collection, cli.Patch.ID, cli.Patch.Set, cli.Patch.Upsert)

	case "metrics":
		if err := d.Ping(ctx); err != nil {
			return err
		}

		return writeMetrics(w, g)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
