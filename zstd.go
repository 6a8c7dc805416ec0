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
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// zstdSingleThreshold splits the two regimes: inputs below it are compressed
// by one single-threaded job, larger inputs by one encoder that multithreads
// internally while spacer jobs hold the remaining pool slots.
const zstdSingleThreshold = 1 << 20

// zstdCompressor emits one self-contained zstd frame per entry with content
// size and checksum enabled for broad decoder interop.
type zstdCompressor struct {
	threads int
	single  *freelist[*zstd.Encoder]
	multi   *freelist[*zstd.Encoder]
}

func newZstdCompressor(threads int, params string) (Compressor, error) {
	d, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	level := 10
	var extra []zstd.EOption
	for k, v := range d {
		switch k {
		case "compresslevel":
			level = v
		case "window_log":
			if v < 10 || v > 29 {
				return nil, fmt.Errorf("%w: window_log %d out of range", ErrUnknownAlgoParam, v)
			}
			extra = append(extra, zstd.WithWindowSize(1<<v))
		case "low_mem":
			extra = append(extra, zstd.WithLowerEncoderMem(v != 0))
		default:
			return nil, fmt.Errorf("%w: %q for zstd", ErrUnknownAlgoParam, k)
		}
	}

	if threads < 1 {
		threads = 1
	}
	c := &zstdCompressor{threads: threads}

	opts := func(concurrency int) []zstd.EOption {
		return append([]zstd.EOption{
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderCRC(true),
			zstd.WithZeroFrames(true),
			zstd.WithEncoderConcurrency(concurrency),
		}, extra...)
	}
	c.single = newFreelist(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, opts(1)...)
	})
	c.multi = newFreelist(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, opts(threads)...)
	})

	// Validate the parameter set eagerly so a bad key fails at
	// construction rather than on the first entry.
	enc, err := c.single.get()
	if err != nil {
		return nil, fmt.Errorf("%w: zstd params %q: %w", ErrUnknownAlgoParam, params, err)
	}
	c.single.put(enc)

	return c, nil
}

func (c *zstdCompressor) Method() uint16        { return Zstd }
func (c *zstdCompressor) VersionNeeded() uint16 { return zipVersion65 }

func (c *zstdCompressor) CompressToFutures(pool *Pool, size int64, view []byte) []*chunkFuture {
	if size < zstdSingleThreshold {
		return []*chunkFuture{
			pool.Submit(func() (chunk, error) {
				enc, err := c.single.get()
				if err != nil {
					return chunk{}, fmt.Errorf("%w: initializing zstd encoder: %w", ErrCompress, err)
				}
				data := enc.EncodeAll(view, nil)
				c.single.put(enc)
				return chunk{
					data:   data,
					rawLen: size,
					crc:    crc32.ChecksumIEEE(view),
					hasCRC: true,
				}, nil
			}),
		}
	}

	// The encoder multithreads internally, so reserve the other pool slots
	// with spacer jobs that finish when the real one does. Otherwise
	// several large files would oversubscribe the CPU pool.
	done := make(chan struct{})
	futures := []*chunkFuture{
		pool.Submit(func() (chunk, error) {
			defer close(done)
			enc, err := c.multi.get()
			if err != nil {
				return chunk{}, fmt.Errorf("%w: initializing zstd encoder: %w", ErrCompress, err)
			}
			data := enc.EncodeAll(view, nil)
			c.multi.put(enc)
			return chunk{
				data:   data,
				rawLen: size,
				crc:    crc32.ChecksumIEEE(view),
				hasCRC: true,
			}, nil
		}),
	}
	for i := 1; i < pool.Size(); i++ {
		futures = append(futures, pool.Submit(func() (chunk, error) {
			<-done
			return chunk{}, nil
		}))
	}
	return futures
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing zstd decoder: %w", ErrCompress, err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing: %w", ErrCompress, err)
	}
	return out, nil
}
