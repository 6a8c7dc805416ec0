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

	"github.com/rodaine/table"
	"github.com/urfave/cli/v2"

	"github.com/ianlewis/go-parzip"
)

type testVerb struct {
	path string
}

func methodName(method uint16) string {
	switch method {
	case parzip.Store:
		return "store"
	case parzip.Deflate:
		return "deflate"
	case parzip.Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("method %d", method)
	}
}

func (t *testVerb) Run() error {
	if t.path == "" {
		return fmt.Errorf("%w: no archive given", ErrParzip)
	}

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("%w: opening archive: %w", ErrParzip, err)
	}
	defer f.Close()

	rc := ExitCodeSuccess
	tbl := table.New("name", "method", "date", "time", "compressed", "uncompressed", "ratio", "status")

	z := parzip.NewReader(f)
	for {
		entry, err := z.Next()
		if err != nil {
			if errors.Is(err, parzip.ErrEndOfLocalFiles) {
				break
			}
			return fmt.Errorf("%w: reading archive: %w", ErrParzip, err)
		}

		h := entry.Header
		status := "ok"
		data, err := decompressEntry(entry)
		switch {
		case err != nil:
			status = err.Error()
			rc |= ExitCodeChecksum
		case crc32.ChecksumIEEE(data) != h.CRC32:
			status = fmt.Sprintf("%08x != %08x", crc32.ChecksumIEEE(data), h.CRC32)
			rc |= ExitCodeChecksum
		}

		ratio := float64(100)
		if h.UncompressedSize64 != 0 {
			ratio = float64(h.CompressedSize64) / float64(h.UncompressedSize64) * 100
		}
		modified := h.Modified()
		tbl.AddRow(
			h.Name,
			methodName(h.Method),
			modified.Format("2006-01-02"),
			modified.Format("15:04:05"),
			fmt.Sprintf("%d", h.CompressedSize64),
			fmt.Sprintf("%d", h.UncompressedSize64),
			fmt.Sprintf("%.1f%%", ratio),
			status,
		)
	}
	tbl.Print()

	if rc != ExitCodeSuccess {
		return cli.Exit(fmt.Sprintf("%v: checksum mismatch", ErrParzip), rc)
	}
	return nil
}
