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
)

// storeCompressor copies the input through unmodified.
type storeCompressor struct{}

func newStoreCompressor(_ int, params string) (Compressor, error) {
	if params != "" {
		return nil, fmt.Errorf("%w: store takes no parameters, got %q", ErrUnknownAlgoParam, params)
	}
	return storeCompressor{}, nil
}

func (storeCompressor) Method() uint16        { return Store }
func (storeCompressor) VersionNeeded() uint16 { return zipVersion10 }

func (storeCompressor) CompressToFutures(pool *Pool, size int64, view []byte) []*chunkFuture {
	return []*chunkFuture{
		pool.Submit(func() (chunk, error) {
			return chunk{
				data:   view,
				rawLen: size,
				crc:    crc32.ChecksumIEEE(view),
				hasCRC: true,
			}, nil
		}),
	}
}

func (storeCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}
