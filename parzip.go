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

// Package parzip implements a parallel ZIP archive writer and a minimal
// sequential reader.
//
// The writer compresses many files concurrently and splits large files into
// independently compressed blocks that are stitched into valid single-entry
// streams, combining the per-block CRC-32 values afterwards. Entries from
// existing archives can be copied into the output without recompression.
// See: https://pkware.cachefly.net/webdocs/casestudies/APPNOTE.TXT
//
// [Writer] is safe for use from a single goroutine; the compression work it
// spawns is distributed over internal worker pools.
package parzip

import (
	"errors"
	"fmt"
)

var (
	// errParzip is the base error for all go-parzip errors.
	errParzip = errors.New("parzip")

	// ErrShortRead indicates truncated input.
	ErrShortRead = fmt.Errorf("%w: short read", errParzip)

	// ErrBadSignature indicates a corrupt ZIP record signature.
	ErrBadSignature = fmt.Errorf("%w: invalid signature", errParzip)

	// ErrEndOfLocalFiles is returned by [Reader.Next] when the sequence of
	// local file headers ends and the central directory begins. It is a
	// terminator condition, not a failure.
	ErrEndOfLocalFiles = fmt.Errorf("%w: end of local files", errParzip)

	// ErrUnsupported indicates a ZIP feature this package does not handle,
	// such as data descriptors or encryption.
	ErrUnsupported = fmt.Errorf("%w: unsupported", errParzip)

	// ErrUnknownAlgo indicates an unregistered compression algorithm name.
	ErrUnknownAlgo = fmt.Errorf("%w: unknown algorithm", errParzip)

	// ErrUnknownAlgoParam indicates an unrecognized algorithm parameter.
	ErrUnknownAlgoParam = fmt.Errorf("%w: unknown algorithm parameter", errParzip)

	// ErrSizeInvariant indicates that a local file header changed encoded
	// size between the initial write and the final rewrite. This is fatal.
	ErrSizeInvariant = fmt.Errorf("%w: local file header changed size", errParzip)

	// ErrCompress wraps failures from an underlying codec.
	ErrCompress = fmt.Errorf("%w: compress", errParzip)

	// ErrIO wraps failures reading inputs or writing the archive.
	ErrIO = fmt.Errorf("%w: io", errParzip)

	// ErrChecksum indicates a CRC-32 mismatch.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", errParzip)
)
