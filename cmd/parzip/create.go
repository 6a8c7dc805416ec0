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
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ianlewis/go-parzip"
)

type create struct {
	output     string
	algo       string
	members    []string
	threads    int
	ioThreads  int
	fileBudget int64
	force      bool
}

func (c *create) Run() error {
	if c.output == "" {
		return fmt.Errorf("%w: --output is required with --create", ErrParzip)
	}
	if len(c.members) == 0 {
		return fmt.Errorf("%w: no input files", ErrParzip)
	}

	opts := &parzip.Options{
		Threads:    c.threads,
		IOWorkers:  c.ioThreads,
		FileBudget: c.fileBudget,
	}
	if c.algo != "" {
		chooser, err := parzip.NewChooser(c.algo, nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrParzip, err)
		}
		opts.Chooser = chooser
	}

	if c.force {
		// Unlink first so an existing archive never survives a failed
		// run half-overwritten.
		if err := os.Remove(c.output); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing %q: %w", ErrParzip, c.output, err)
		}
	}

	z, err := parzip.NewWriter(c.output, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParzip, err)
	}

	rc := ExitCodeSuccess
	for _, m := range c.members {
		if strings.HasPrefix(m, "+") {
			// Merge in another archive without recompressing.
			if err := parzip.CopyInto(z, m[1:]); err != nil {
				slog.Warn("skipping", "member", m, "err", err)
				rc |= ExitCodeUnsupportedInput
			}
			continue
		}

		// Validate the member here so a bad path is logged, skipped and
		// reflected in the exit code. The writer itself only logs and
		// skips a member whose open fails.
		st, err := os.Stat(m)
		switch {
		case err != nil:
			slog.Warn("skipping", "member", m, "err", err)
			rc |= ExitCodeUnsupportedInput
		case st.IsDir():
			slog.Warn("skipping directory", "member", m)
			rc |= ExitCodeUnsupportedInput
		default:
			if err := z.WriteFile(m, ""); err != nil {
				slog.Warn("skipping", "member", m, "err", err)
				rc |= ExitCodeUnsupportedInput
			}
		}
	}

	if err := z.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrParzip, err)
	}

	if rc != ExitCodeSuccess {
		return cli.Exit(fmt.Sprintf("%v: some members were skipped", ErrParzip), rc)
	}
	return nil
}
