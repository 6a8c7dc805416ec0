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
	"fmt"
	"io/fs"
	"os"
	"time"
)

// tinyFileSize is the bound up to which (inclusive) inputs are read into a
// buffer instead of memory-mapped.
const tinyFileSize = 32 << 10

// WrappedFile is a uniform handle over an open file or an in-memory buffer.
// It caches the stat result and lazily materializes a read-only view of the
// contents: empty for empty inputs, a buffered read for tiny inputs, a memory
// map otherwise.
type WrappedFile struct {
	f   *os.File // nil for in-memory inputs
	buf []byte

	size    int64
	mode    fs.FileMode
	modTime time.Time

	mapped []byte // non-nil while a memory map is live
}

// NewWrappedFile wraps an open file. The stat call happens here so that later
// stages work from cached metadata.
func NewWrappedFile(f *os.File) (*WrappedFile, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %w", ErrIO, f.Name(), err)
	}
	return &WrappedFile{
		f:       f,
		size:    st.Size(),
		mode:    st.Mode(),
		modTime: st.ModTime(),
	}, nil
}

// NewWrappedBuffer wraps an in-memory input.
func NewWrappedBuffer(data []byte, modTime time.Time) *WrappedFile {
	return &WrappedFile{
		buf:     data,
		size:    int64(len(data)),
		mode:    0o644,
		modTime: modTime,
	}
}

// Size returns the cached input length.
func (w *WrappedFile) Size() int64 {
	return w.size
}

// Mode returns the cached file mode.
func (w *WrappedFile) Mode() fs.FileMode {
	return w.mode
}

// ModTime returns the cached modification time.
func (w *WrappedFile) ModTime() time.Time {
	return w.modTime
}

// View returns a read-only view of the full input. The view stays valid until
// Close.
func (w *WrappedFile) View() ([]byte, error) {
	switch {
	case w.f == nil:
		return w.buf, nil
	case w.size == 0:
		// A zero-length mapping is useless and not even permitted
		// everywhere.
		return nil, nil
	case w.size <= tinyFileSize:
		buf := make([]byte, w.size)
		if _, err := w.f.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("%w: reading %q: %w", ErrIO, w.f.Name(), err)
		}
		w.buf = buf
		return buf, nil
	default:
		data, err := w.mapView()
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q: %w", ErrIO, w.f.Name(), err)
		}
		return data, nil
	}
}

// Close releases the memory map and the descriptor. Views obtained earlier
// must not be used afterwards.
func (w *WrappedFile) Close() error {
	err := w.unmap()
	if w.f != nil {
		if cerr := w.f.Close(); err == nil {
			err = cerr
		}
		w.f = nil
	}
	w.buf = nil
	return err
}
