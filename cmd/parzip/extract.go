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
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ianlewis/go-parzip"
)

type extract struct {
	path string
	dest string
}

func (e *extract) Run() error {
	if e.path == "" {
		return fmt.Errorf("%w: no archive given", ErrParzip)
	}
	if e.dest == "" {
		return fmt.Errorf("%w: --dest is required with --extract", ErrParzip)
	}

	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("%w: opening archive: %w", ErrParzip, err)
	}
	defer f.Close()

	rc := ExitCodeSuccess
	z := parzip.NewReader(f)
	for {
		entry, err := z.Next()
		if err != nil {
			if errors.Is(err, parzip.ErrEndOfLocalFiles) {
				break
			}
			return fmt.Errorf("%w: reading archive: %w", ErrParzip, err)
		}

		target, err := destPath(e.dest, entry.Header.Name)
		if err != nil {
			return err
		}

		if strings.HasSuffix(entry.Header.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %q: %w", ErrParzip, target, err)
			}
			continue
		}

		data, err := decompressEntry(entry)
		if err != nil {
			return err
		}
		if crc := crc32.ChecksumIEEE(data); crc != entry.Header.CRC32 {
			_ = must(fmt.Fprintf(os.Stderr, "  %s: %08x != %08x (%d)\n",
				entry.Header.Name, crc, entry.Header.CRC32, len(entry.Data)))
			rc |= ExitCodeChecksum
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %q: %w", ErrParzip, target, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("%w: writing %q: %w", ErrParzip, target, err)
		}
	}

	if rc != ExitCodeSuccess {
		return cli.Exit(fmt.Sprintf("%v: checksum mismatch", ErrParzip), rc)
	}
	return nil
}

// destPath joins an archive member name onto the destination directory,
// refusing names that would escape it.
func destPath(dest, name string) (string, error) {
	base := filepath.Clean(dest)
	target := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrParzip, name)
	}
	return target, nil
}

func decompressEntry(entry *parzip.Entry) ([]byte, error) {
	comp, err := parzip.CompressorForMethod(entry.Header.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %w", ErrParzip, entry.Header.Name, err)
	}
	data, err := comp.Decompress(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %w", ErrParzip, entry.Header.Name, err)
	}
	return data, nil
}
