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
	"strconv"
	"strings"
)

// Compressor turns an input view into an ordered sequence of independently
// compressed chunks. Implementations must be safe for concurrent use: the
// submitted jobs run concurrently with each other and with further
// CompressToFutures calls on the same instance.
type Compressor interface {
	// Method returns the ZIP compression method number.
	Method() uint16

	// VersionNeeded returns the minimum version needed to extract entries
	// produced by this compressor.
	VersionNeeded() uint16

	// CompressToFutures submits the compression work for view to pool and
	// returns the per-chunk completion handles in output order. The
	// consumer concatenates the chunk bytes and folds the per-chunk
	// CRC-32 values with crc32Combine.
	CompressToFutures(pool *Pool, size int64, view []byte) []*chunkFuture

	// Decompress inflates one complete compressed entry. It buffers the
	// whole input and output and is meant for verification and
	// extraction, not for the write path.
	Decompress(data []byte) ([]byte, error)
}

// compressorFactory builds a compressor from the parameter portion of an
// algorithm key. threads is the size of the CPU pool the instance will
// compress on.
type compressorFactory func(threads int, params string) (Compressor, error)

// compressorFactories is the process-wide plugin registry.
var compressorFactories = map[string]compressorFactory{
	"store":   newStoreCompressor,
	"deflate": newDeflateCompressor,
	"zstd":    newZstdCompressor,
}

// NewCompressor resolves an algorithm key of the form `name[@k=v[,k=v]*]`,
// e.g. "store" or "deflate@compresslevel=6", and builds the compressor.
func NewCompressor(key string, threads int) (Compressor, error) {
	name, params, _ := strings.Cut(key, "@")
	factory, ok := compressorFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgo, name)
	}
	return factory(threads, params)
}

// CompressorForMethod builds a single-threaded compressor for a method
// number read back from an archive. Used on the decompression side.
func CompressorForMethod(method uint16) (Compressor, error) {
	switch method {
	case Store:
		return NewCompressor("store", 1)
	case Deflate:
		return NewCompressor("deflate", 1)
	case Zstd:
		return NewCompressor("zstd", 1)
	default:
		return nil, fmt.Errorf("%w: method %d", ErrUnsupported, method)
	}
}

// parseParams parses the `,` and `=` separated parameter portion of an
// algorithm key. A key without a value parses as 1.
func parseParams(params string) (map[string]int, error) {
	d := map[string]int{}
	if params == "" {
		return d, nil
	}
	for _, p := range strings.Split(params, ",") {
		k, v, found := strings.Cut(p, "=")
		vi := 1
		if found && v != "" {
			var err error
			vi, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %w", ErrUnknownAlgoParam, p, err)
			}
		}
		d[k] = vi
	}
	return d, nil
}
