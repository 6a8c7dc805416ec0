// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"sigs.k8s.io/release-utils/version"
)

const (
	// ExitCodeSuccess is the successful exit code.
	ExitCodeSuccess int = 0

	// ExitCodeChecksum has the lowest bit (value 1) set: a CRC-32 mismatch
	// was found while testing or extracting.
	ExitCodeChecksum int = 1 << 0

	// ExitCodeUnsupportedInput has bit 3 set: an input could not be
	// archived, e.g. a directory passed directly to create.
	ExitCodeUnsupportedInput int = 1 << 3

	// ExitCodeUnknownError is the exit code for any other error.
	ExitCodeUnknownError int = 2
)

// ErrParzip is the base error for CLI errors.
var ErrParzip = errors.New("parzip")

// check checks the error and panics if not nil.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

// must checks the error and panics if not nil.
func must[T any](val T, err error) T {
	if err != nil {
		panic(err)
	}
	return val
}

// setupLogging points the default logger at stderr with a level from the
// verbosity count, or at a JSON-lines trace file when one is given.
func setupLogging(verbose int, trace string) (func(), error) {
	level := slog.LevelWarn
	switch {
	case verbose == 1:
		level = slog.LevelInfo
	case verbose >= 2:
		level = slog.LevelDebug
	}

	if trace == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return func() {}, nil
	}

	f, err := os.Create(trace)
	if err != nil {
		return nil, fmt.Errorf("%w: opening trace file: %w", ErrParzip, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return func() { f.Close() }, nil
}

func newParzipApp() *cli.App {
	var verbose int
	return &cli.App{
		Name:  filepath.Base(os.Args[0]),
		Usage: "Create, test and extract ZIP archives in parallel.",
		Description: strings.Join([]string{
			"parzip compresses many files concurrently and splits large files",
			"into independently compressed blocks.",
			"http://github.com/ianlewis/go-parzip",
		}, "\n"),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:               "create",
				Usage:              "create an archive from the given files",
				Aliases:            []string{"c"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "extract",
				Usage:              "extract an archive",
				Aliases:            []string{"e"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "test",
				Usage:              "test archive integrity",
				Aliases:            []string{"t"},
				DisableDefaultText: true,
			},
			&cli.StringFlag{
				Name:  "algo",
				Usage: "compression algorithm, e.g. `store` or `deflate@compresslevel=9`",
			},
			&cli.StringFlag{
				Name:    "output",
				Usage:   "output archive name",
				Aliases: []string{"o"},
			},
			&cli.StringFlag{
				Name:    "dest",
				Usage:   "destination directory for extraction",
				Aliases: []string{"d"},
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "number of compression threads",
			},
			&cli.IntFlag{
				Name:  "io-threads",
				Usage: "number of IO threads",
			},
			&cli.Int64Flag{
				Name:  "file-budget",
				Usage: "maximum number of simultaneously open input files",
			},
			&cli.BoolFlag{
				Name:               "force",
				Usage:              "overwrite the output archive",
				Aliases:            []string{"f"},
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Name:               "verbose",
				Usage:              "verbose log level",
				Aliases:            []string{"v"},
				Count:              &verbose,
				DisableDefaultText: true,
			},
			&cli.StringFlag{
				Name:  "trace",
				Usage: "write a JSON-lines event trace to `FILE`",
			},
			&cli.BoolFlag{
				Name:               "version",
				Usage:              "print version information and exit",
				DisableDefaultText: true,
			},
		},
		ArgsUsage:       "[PATH]...",
		Copyright:       "Google LLC",
		HideHelpCommand: true,
		Action: func(c *cli.Context) error {
			if c.Bool("version") {
				versionInfo := version.GetVersionInfo()
				_ = must(fmt.Fprintf(c.App.Writer, `%s %s
Copyright (c) Google LLC

%s`, c.App.Name, versionInfo.GitVersion, versionInfo.String()))
				return nil
			}

			cleanup, err := setupLogging(verbose, c.String("trace"))
			if err != nil {
				return err
			}
			defer cleanup()

			switch {
			case c.Bool("create"):
				cr := create{
					output:     c.String("output"),
					algo:       c.String("algo"),
					members:    c.Args().Slice(),
					threads:    c.Int("threads"),
					ioThreads:  c.Int("io-threads"),
					fileBudget: c.Int64("file-budget"),
					force:      c.Bool("force"),
				}
				return cr.Run()
			case c.Bool("extract"):
				ex := extract{
					path: firstArg(c),
					dest: c.String("dest"),
				}
				return ex.Run()
			case c.Bool("test"):
				tv := testVerb{
					path: firstArg(c),
				}
				return tv.Run()
			default:
				check(cli.ShowAppHelp(c))
				return nil
			}
		},
		ExitErrHandler: func(c *cli.Context, err error) {
			if err == nil {
				return
			}
			var coder cli.ExitCoder
			if errors.As(err, &coder) {
				if coder.ExitCode() != 0 {
					_ = must(fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err))
				}
				cli.OsExiter(coder.ExitCode())
				return
			}
			_ = must(fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", c.App.Name, err))
			cli.OsExiter(ExitCodeUnknownError)
		},
	}
}

func firstArg(c *cli.Context) string {
	if c.Args().Len() > 0 {
		return c.Args().Get(0)
	}
	return ""
}
