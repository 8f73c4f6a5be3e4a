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

// Package main contains envtool, a tool for the development environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/FerretDB/docstore/build/version"
	"github.com/FerretDB/docstore/internal/util/ctxutil"
	"github.com/FerretDB/docstore/internal/util/logging"
)

// shellMkDir creates all directories from given paths.
func shellMkDir(paths ...string) error {
	var errs error

	for _, path := range paths {
		if err := os.MkdirAll(path, 0o777); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

// shellRmDir removes all directories from given paths.
func shellRmDir(paths ...string) error {
	var errs error

	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

// shellRead writes the content of files.
func shellRead(w io.Writer, paths ...string) error {
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		if _, err = w.Write(b); err != nil {
			return err
		}
	}

	return nil
}

// cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:vet // for readability
var cli struct {
	Debug bool `help:"Enable debug mode."`

	Setup struct {
		Timeout time.Duration `default:"1m" help:"Maximum time to wait for all stores."`
	} `cmd:"" help:"Wait for test stores configured by DOCSTORE_TEST_*_URI environment variables."`

	Version struct{} `cmd:"" help:"Print docstore version."`

	Shell struct {
		Mkdir struct {
			Paths []string `name:"path" arg:"" help:"Paths to create." type:"path"`
		} `cmd:"" help:"Create directories if they do not already exist."`
		Rmdir struct {
			Paths []string `name:"path" arg:"" help:"Paths to remove." type:"path"`
		} `cmd:"" help:"Remove directories."`
		Read struct {
			Paths []string `name:"path" arg:"" help:"Paths to read." type:"path"`
		} `cmd:"" help:"Read files."`
	} `cmd:""`

	Tests struct {
		Shard TestsShardParams `cmd:"" help:"Print -run regexp for the given shard of test functions."`
	} `cmd:""`
}

func main() {
	kongCtx := kong.Parse(&cli, kong.DefaultEnvars("ENVTOOL"))

	// https://docs.github.com/en/actions/learn-github-actions/variables#default-environment-variables
	if t, _ := strconv.ParseBool(os.Getenv("RUNNER_DEBUG")); t {
		cli.Debug = true
	}

	level := zap.InfoLevel
	if cli.Debug {
		level = zap.DebugLevel
	}

	l, err := logging.Setup(level, "console", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := l.Named("envtool").Sugar()

	cmd := kongCtx.Command()
	logger.Debugf("Command: %q", cmd)

	switch cmd {
	case "setup":
		ctx, stop := ctxutil.SigTerm(context.Background())
		defer stop()

		ctx, cancel := context.WithTimeout(ctx, cli.Setup.Timeout)
		defer cancel()

		err = setup(ctx, os.Getenv, logger)

	case "version":
		info := version.Get()
		_, err = fmt.Fprintf(os.Stdout, "%s %s\n", info.Version, info.Commit)

	case "shell mkdir <path>":
		err = shellMkDir(cli.Shell.Mkdir.Paths...)
	case "shell rmdir <path>":
		err = shellRmDir(cli.Shell.Rmdir.Paths...)
	case "shell read <path>":
		err = shellRead(os.Stdout, cli.Shell.Read.Paths...)

	case "tests shard":
		err = testsShard(os.Stdout, &cli.Tests.Shard)

	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}

	if err != nil {
		logger.Fatal(err)
	}
}
