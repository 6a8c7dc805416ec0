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
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflateBlockSize is the amount of uncompressed input compressed by one
// block job.
const deflateBlockSize = 1 << 20

// deflateCompressor compresses input in independent blocks. Each block runs a
// fresh raw-deflate stream and ends on a flush boundary, so the concatenation
// of the blocks is itself a valid DEFLATE stream.
type deflateCompressor struct {
	level   int
	writers *freelist[*flate.Writer]
}

func newDeflateCompressor(_ int, params string) (Compressor, error) {
	d, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	level := flate.DefaultCompression
	for k, v := range d {
		switch k {
		case "compresslevel":
			if v < -1 || v > 9 {
				return nil, fmt.Errorf("%w: compresslevel %d out of range", ErrUnknownAlgoParam, v)
			}
			level = v
		default:
			return nil, fmt.Errorf("%w: %q for deflate", ErrUnknownAlgoParam, k)
		}
	}
	c := &deflateCompressor{level: level}
	c.writers = newFreelist(func() (*flate.Writer, error) {
		return flate.NewWriter(io.Discard, c.level)
	})
	return c, nil
}

func (c *deflateCompressor) Method() uint16        { return Deflate }
func (c *deflateCompressor) VersionNeeded() uint16 { return zipVersion20 }

func (c *deflateCompressor) CompressToFutures(pool *Pool, size int64, view []byte) []*chunkFuture {
	// Empty input still emits one final-flushed empty block.
	if size == 0 {
		return []*chunkFuture{
			pool.Submit(func() (chunk, error) {
				return c.compressBlock(nil, true)
			}),
		}
	}

	var futures []*chunkFuture
	for start := int64(0); start < size; start += deflateBlockSize {
		end := start + deflateBlockSize
		if end > size {
			end = size
		}
		block := view[start:end]
		final := end == size
		futures = append(futures, pool.Submit(func() (chunk, error) {
			return c.compressBlock(block, final)
		}))
	}
	return futures
}

func (c *deflateCompressor) compressBlock(data []byte, final bool) (chunk, error) {
	fw, err := c.writers.get()
	if err != nil {
		return chunk{}, fmt.Errorf("%w: initializing deflate writer: %w", ErrCompress, err)
	}

	var buf bytes.Buffer
	fw.Reset(&buf)
	if _, err := fw.Write(data); err != nil {
		return chunk{}, fmt.Errorf("%w: compressing: %w", ErrCompress, err)
	}
	// A final block carries the end-of-stream marker. Non-final blocks end
	// with a sync flush so the next block, compressed with fresh state,
	// continues the stream.
	if final {
		err = fw.Close()
	} else {
		err = fw.Flush()
	}
	if err != nil {
		return chunk{}, fmt.Errorf("%w: compressing: %w", ErrCompress, err)
	}
	c.writers.put(fw)

	return chunk{
		data:   buf.Bytes(),
		rawLen: int64(len(data)),
		crc:    crc32.ChecksumIEEE(data),
		hasCRC: true,
	}, nil
}

func (c *deflateCompressor) Decompress(data []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %w", ErrCompress, err)
	}
	return out, nil
}
