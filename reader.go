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

package parzip

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Entry is one archive member read by [Reader]. HeaderBytes is the verbatim
// on-wire local header prefix and Data the compressed bytes exactly as
// stored. [Writer.EnqueuePrecompressed] copies Data into another archive
// byte for byte; it does not copy HeaderBytes but re-encodes the header from
// Header.
type Entry struct {
	Header      *LocalFileHeader
	HeaderBytes []byte
	Data        []byte
}

// Reader scans a ZIP archive sequentially from offset zero, ignoring the
// central directory. This reads the subset of archives that have no gaps
// between entries and no data descriptors, which is also what makes it
// suitable for streams.
type Reader struct {
	r io.Reader
}

// NewReader returns a Reader scanning r, which must be positioned at the
// start of the archive. The caller keeps ownership of r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads the next entry. It returns [ErrEndOfLocalFiles] once the
// central directory begins.
func (z *Reader) Next() (*Entry, error) {
	lfh, raw, err := readLocalFileHeader(z.r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, lfh.CompressedSize64)
	if err := readFull(z.r, data); err != nil {
		return nil, fmt.Errorf("%w: entry %q: %w", errParzip, lfh.Name, err)
	}

	return &Entry{Header: lfh, HeaderBytes: raw, Data: data}, nil
}

// Entries reads all remaining entries for which keep returns true. A nil
// keep returns every entry.
func (z *Reader) Entries(keep func(*LocalFileHeader) bool) ([]*Entry, error) {
	var entries []*Entry
	for {
		e, err := z.Next()
		if err != nil {
			if errors.Is(err, ErrEndOfLocalFiles) {
				return entries, nil
			}
			return entries, err
		}
		if keep == nil || keep(e.Header) {
			entries = append(entries, e)
		}
	}
}

// CopyInto re-muxes every entry of the archive at name into w without
// recompression.
func CopyInto(w *Writer, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("%w: opening file: %w", ErrIO, err)
	}
	defer f.Close()

	z := NewReader(f)
	for {
		e, err := z.Next()
		if err != nil {
			if errors.Is(err, ErrEndOfLocalFiles) {
				return nil
			}
			return err
		}
		if err := w.EnqueuePrecompressed(e.Header, e.HeaderBytes, e.Data); err != nil {
			return err
		}
	}
}
