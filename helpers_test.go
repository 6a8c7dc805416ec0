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
	"time"
)

// testTime is an arbitrary timestamp on the 2s MS-DOS grid.
func testTime() time.Time {
	return time.Date(2024, time.June, 15, 10, 30, 42, 0, time.UTC)
}

// concatChunks waits out futures and concatenates their bytes, folding the
// per-chunk CRC-32 values the way the serializer does.
func concatChunks(futures []*chunkFuture) (data []byte, crc uint32, err error) {
	haveCRC := false
	for _, f := range futures {
		res, ferr := f.wait()
		if ferr != nil {
			return nil, 0, ferr
		}
		data = append(data, res.data...)
		if res.hasCRC {
			if !haveCRC {
				crc = res.crc
				haveCRC = true
			} else {
				crc = crc32Combine(crc, res.crc, res.rawLen)
			}
		}
	}
	return data, crc, nil
}
