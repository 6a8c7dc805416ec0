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

// The combine operation makes block-parallel CRC computation possible: each
// block's CRC is computed independently and the results are folded left to
// right. It is the zlib crc32_combine algorithm, which applies len2 zero bits
// to crc1 using GF(2) matrix squaring over the CRC-32 polynomial.
//
// See: https://groups.google.com/g/comp.compression/c/SHyr5bp5rtc/m/PP5-pmv9-9sJ

const crc32Poly = 0xedb88320

func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// crc32Combine returns crc32(A ∥ B) given crc1 = crc32(A), crc2 = crc32(B)
// and len2 = len(B). The degenerate case len2 <= 0 returns crc1.
func crc32Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [32]uint32

	// Operator for one zero bit.
	odd[0] = crc32Poly
	for i := 1; i < 32; i++ {
		odd[i] = 1 << (i - 1)
	}

	// Two zero bits, then four.
	gf2MatrixSquare(&even, &odd)
	gf2MatrixSquare(&odd, &even)

	// Apply len2 zero bytes to crc1, one bit of len2 at a time. The first
	// squaring produces the operator for eight zero bits, one zero byte.
	for {
		gf2MatrixSquare(&even, &odd)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}

		gf2MatrixSquare(&odd, &even)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
	}

	return crc1 ^ crc2
}
