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
	"errors"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Every algorithm must produce chunks whose concatenation decompresses to
// the original payload and whose folded per-chunk CRC-32 values equal the
// CRC-32 of the payload.
func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short", data: []byte("Hello, World!!!")},
		{name: "repeating", data: bytes.Repeat([]byte("foo"), 100)},
		// Larger than and relatively prime to the 1 MiB block size so
		// the final block is partial.
		{name: "multi block", data: bytes.Repeat([]byte("abc"), 1<<20+1)},
	}
	algos := []string{
		"store",
		"deflate@compresslevel=-1",
		"deflate@compresslevel=9",
		"zstd@compresslevel=1",
		"zstd@compresslevel=10",
	}

	for _, algo := range algos {
		for _, payload := range payloads {
			t.Run(algo+"/"+payload.name, func(t *testing.T) {
				t.Parallel()

				comp, err := NewCompressor(algo, 2)
				if err != nil {
					t.Fatalf("NewCompressor: %v", err)
				}

				pool := NewPool("Compress", 2)
				defer pool.Close()

				futures := comp.CompressToFutures(pool, int64(len(payload.data)), payload.data)
				if len(futures) == 0 {
					t.Fatal("no futures returned")
				}

				data, crc, err := concatChunks(futures)
				if err != nil {
					t.Fatalf("compressing: %v", err)
				}
				if want := crc32.ChecksumIEEE(payload.data); crc != want {
					t.Errorf("combined crc: want %08x, got %08x", want, crc)
				}

				got, err := comp.Decompress(data)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if diff := cmp.Diff(payload.data, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("round trip (-want, +got):\n%s", diff)
				}
			})
		}
	}
}

func TestDeflateBlockCount(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		size int64
		want int
	}{
		{name: "empty", size: 0, want: 1},
		{name: "one byte", size: 1, want: 1},
		{name: "exactly one block", size: deflateBlockSize, want: 1},
		{name: "one block plus one", size: deflateBlockSize + 1, want: 2},
		{name: "two and a half blocks", size: deflateBlockSize*5 / 2, want: 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			comp, err := NewCompressor("deflate", 2)
			if err != nil {
				t.Fatalf("NewCompressor: %v", err)
			}
			pool := NewPool("Compress", 2)
			defer pool.Close()

			data := bytes.Repeat([]byte{0x55}, int(tc.size))
			futures := comp.CompressToFutures(pool, tc.size, data)
			if len(futures) != tc.want {
				t.Errorf("futures: want %d, got %d", tc.want, len(futures))
			}
			if _, _, err := concatChunks(futures); err != nil {
				t.Fatalf("compressing: %v", err)
			}
		})
	}
}

// The large-input zstd path reserves the remaining pool slots with spacer
// jobs contributing no bytes and no CRC. The fold must tolerate them.
func TestZstdLargeSpacers(t *testing.T) {
	t.Parallel()

	const workers = 4
	comp, err := NewCompressor("zstd@compresslevel=1", workers)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	pool := NewPool("Compress", workers)
	defer pool.Close()

	data := bytes.Repeat([]byte("abc"), 1<<20) // 3 MiB, above the threshold
	futures := comp.CompressToFutures(pool, int64(len(data)), data)
	if len(futures) != workers {
		t.Fatalf("futures: want %d, got %d", workers, len(futures))
	}

	compressed, crc, err := concatChunks(futures)
	if err != nil {
		t.Fatalf("compressing: %v", err)
	}
	if want := crc32.ChecksumIEEE(data); crc != want {
		t.Errorf("combined crc: want %08x, got %08x", want, crc)
	}

	for i, f := range futures[1:] {
		res, err := f.wait()
		if err != nil {
			t.Fatalf("spacer %d: %v", i+1, err)
		}
		if len(res.data) != 0 || res.hasCRC {
			t.Errorf("spacer %d carries data or CRC", i+1)
		}
	}

	got, err := comp.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Errorf("round trip mismatch: %d bytes in, %d bytes out", len(data), len(got))
	}
}

func TestNewCompressorErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "unknown name", key: "lzma", wantErr: ErrUnknownAlgo},
		{name: "store with params", key: "store@compresslevel=9", wantErr: ErrUnknownAlgoParam},
		{name: "deflate unknown param", key: "deflate@window=15", wantErr: ErrUnknownAlgoParam},
		{name: "deflate level too high", key: "deflate@compresslevel=10", wantErr: ErrUnknownAlgoParam},
		{name: "deflate level garbage", key: "deflate@compresslevel=x", wantErr: ErrUnknownAlgoParam},
		{name: "zstd unknown param", key: "zstd@enable_ldm=1", wantErr: ErrUnknownAlgoParam},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewCompressor(tc.key, 2)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	got, err := parseParams("compresslevel=9,low_mem")
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	want := map[string]int{"compresslevel": 9, "low_mem": 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseParams (-want, +got):\n%s", diff)
	}
}
