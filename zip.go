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
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// Compression method numbers from APPNOTE.TXT section 4.4.5.
const (
	Store   uint16 = 0  // no compression
	Deflate uint16 = 8  // DEFLATE compressed
	Zstd    uint16 = 93 // Zstandard compressed
)

const (
	fileHeaderSignature      = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature    = 0x06054b50
	directory64EndSignature  = 0x06064b50
	directory64LocSignature  = 0x07064b50
	fileHeaderLen            = 30 // + filename + extra
	directoryHeaderLen       = 46 // + filename + extra + comment
	directoryEndLen          = 22 // + comment
	directory64EndLen        = 56
	directory64LocLen        = 20

	// Version numbers.
	zipVersion10 = 10 // 1.0 (folder support)
	zipVersion20 = 20 // 2.0 (deflate)
	zipVersion45 = 45 // 4.5 (reads and writes zip64 archives)
	zipVersion65 = 65 // 6.5 (zstd)

	// Constants for the first byte of version-made-by.
	creatorUnix = 3

	// Limits for non zip64 files.
	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1

	// General purpose bit flags.
	flagDataDescriptor = 1 << 3
	flagUTF8           = 1 << 11

	// Extra header IDs.
	zip64ExtraID = 0x0001 // Zip64 extended information
)

// ExtraField is a single entry in a header's extra field area.
type ExtraField struct {
	ID   uint16
	Data []byte
}

// LocalFileHeader describes one archive entry. It carries the decoded
// filename and the parsed extra fields in their on-wire order.
//
// Name must be a relative slash-separated path. ExternalAttrs is not part of
// the local header wire format; it is carried here so the matching central
// directory record can be derived later.
type LocalFileHeader struct {
	VersionNeeded      uint16
	Flags              uint16
	Method             uint16
	ModTime            uint16 // MS-DOS time
	ModDate            uint16 // MS-DOS date
	CRC32              uint32
	CompressedSize64   uint64
	UncompressedSize64 uint64
	Name               string
	Extra              []ExtraField

	ExternalAttrs uint32
}

// Modified returns the entry modification time decoded from the MS-DOS
// date and time fields. The resolution is 2s.
func (h *LocalFileHeader) Modified() time.Time {
	return time.Date(
		int(h.ModDate>>9)+1980,
		time.Month(h.ModDate>>5&0xf),
		int(h.ModDate&0x1f),
		int(h.ModTime>>11),
		int(h.ModTime>>5&0x3f),
		int(h.ModTime&0x1f)*2,
		0,
		time.UTC,
	)
}

// timeToMsDosTime converts a time.Time to an MS-DOS date and time.
// The resolution is 2s.
func timeToMsDosTime(t time.Time) (fDate, fTime uint16) {
	fDate = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	fTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return fDate, fTime
}

// isZip64 reports whether the entry sizes require ZIP64 encoding.
//
// The writer pipeline decides this from the uncompressed size known at open
// time. A compressed size that crosses the threshold later would change the
// encoded header length and trips ErrSizeInvariant instead.
func (h *LocalFileHeader) isZip64(force bool) bool {
	return force ||
		h.UncompressedSize64 >= uint32max ||
		h.CompressedSize64 >= uint32max
}

func readFull(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return fmt.Errorf("%w: wanted %d but got %d", ErrShortRead, len(buf), n)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// readLocalFileHeader reads one local file header from r, leaving the
// position ready to read the CompressedSize64 bytes of entry data. It returns
// the parsed header together with the verbatim on-wire header bytes.
//
// When the central directory signature is found instead, it returns
// [ErrEndOfLocalFiles] without rewinding r.
func readLocalFileHeader(r io.Reader) (*LocalFileHeader, []byte, error) {
	raw := make([]byte, fileHeaderLen)
	if err := readFull(r, raw); err != nil {
		return nil, nil, err
	}

	sig := binary.LittleEndian.Uint32(raw[0:4])
	if sig == directoryHeaderSignature {
		return nil, nil, ErrEndOfLocalFiles
	}
	if sig != fileHeaderSignature {
		return nil, nil, fmt.Errorf("%w: %#08x", ErrBadSignature, sig)
	}

	b := readBuf(raw[4:])
	h := &LocalFileHeader{}
	h.VersionNeeded = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	h.ModTime = b.uint16()
	h.ModDate = b.uint16()
	h.CRC32 = b.uint32()
	h.CompressedSize64 = uint64(b.uint32())
	h.UncompressedSize64 = uint64(b.uint32())
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())

	nameData := make([]byte, nameLen)
	if err := readFull(r, nameData); err != nil {
		return nil, nil, err
	}
	raw = append(raw, nameData...)

	if h.Flags&flagUTF8 != 0 {
		h.Name = string(nameData)
	} else {
		decoded, err := charmap.CodePage437.NewDecoder().Bytes(nameData)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decoding filename: %w", errParzip, err)
		}
		h.Name = string(decoded)
	}

	if h.Flags&flagDataDescriptor != 0 {
		return nil, nil, fmt.Errorf("%w: data descriptor", ErrUnsupported)
	}

	if extraLen > 0 {
		extraData := make([]byte, extraLen)
		if err := readFull(r, extraData); err != nil {
			return nil, nil, err
		}
		raw = append(raw, extraData...)
		if err := h.parseExtra(extraData); err != nil {
			return nil, nil, err
		}
	}

	return h, raw, nil
}

// parseExtra walks the extra field area as (id, len, data) records,
// applying the ZIP64 extended information to the 32-bit size fields.
func (h *LocalFileHeader) parseExtra(extraData []byte) error {
	i := 0
	for i+4 <= len(extraData) {
		id := binary.LittleEndian.Uint16(extraData[i : i+2])
		size := int(binary.LittleEndian.Uint16(extraData[i+2 : i+4]))
		i += 4
		if i+size > len(extraData) {
			return fmt.Errorf("%w: wanted %d but got %d", ErrShortRead, size, len(extraData)-i)
		}
		data := extraData[i : i+size]
		i += size
		h.Extra = append(h.Extra, ExtraField{ID: id, Data: data})

		if id == zip64ExtraID {
			vals := data
			if h.UncompressedSize64 == uint32max {
				if len(vals) < 8 {
					return fmt.Errorf("%w: truncated zip64 extra", ErrBadSignature)
				}
				h.UncompressedSize64 = binary.LittleEndian.Uint64(vals[:8])
				vals = vals[8:]
			}
			if h.CompressedSize64 == uint32max {
				if len(vals) < 8 {
					return fmt.Errorf("%w: truncated zip64 extra", ErrBadSignature)
				}
				h.CompressedSize64 = binary.LittleEndian.Uint64(vals[:8])
				vals = vals[8:]
			}
			// The disk and header offset values only belong in the
			// central directory copy.
			if len(vals) != 0 {
				return fmt.Errorf("%w: unexpected zip64 values in local header", ErrBadSignature)
			}
		}
	}
	if i != len(extraData) {
		return fmt.Errorf("%w: extra field length mismatch", ErrBadSignature)
	}
	return nil
}

// encode serializes the local file header, promoting it to ZIP64 when the
// uncompressed or compressed size requires it or force is set. It returns the
// encoded bytes and the effective version needed to extract.
//
// The encoded length depends only on the name, the non-zip64 extra fields and
// the ZIP64 decision, so re-encoding with final CRC-32 and compressed size
// values yields the same length as the placeholder encoding.
func (h *LocalFileHeader) encode(force bool) ([]byte, uint16, error) {
	if len(h.Name) > uint16max {
		return nil, 0, fmt.Errorf("%w: name too long", errParzip)
	}

	flags := h.Flags
	if !isASCII(h.Name) {
		flags |= flagUTF8
	}

	zip64 := h.isZip64(force)
	version := h.VersionNeeded
	if version < zipVersion20 {
		version = zipVersion20
	}
	if zip64 && version < zipVersion45 {
		version = zipVersion45
	}

	var extra []byte
	for _, f := range h.Extra {
		if f.ID == zip64ExtraID {
			continue
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], f.ID)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(f.Data)))
		extra = append(extra, hdr[:]...)
		extra = append(extra, f.Data...)
	}
	usize32 := uint32(h.UncompressedSize64)
	csize32 := uint32(h.CompressedSize64)
	if zip64 {
		var z64 [20]byte
		eb := writeBuf(z64[:])
		eb.uint16(zip64ExtraID)
		eb.uint16(16) // 2x uint64
		eb.uint64(h.UncompressedSize64)
		eb.uint64(h.CompressedSize64)
		extra = append(extra, z64[:]...)
		usize32 = uint32max
		csize32 = uint32max
	}
	if len(extra) > uint16max {
		return nil, 0, fmt.Errorf("%w: extra field too long", errParzip)
	}

	buf := make([]byte, fileHeaderLen, fileHeaderLen+len(h.Name)+len(extra))
	b := writeBuf(buf)
	b.uint32(fileHeaderSignature)
	b.uint16(version)
	b.uint16(flags)
	b.uint16(h.Method)
	b.uint16(h.ModTime)
	b.uint16(h.ModDate)
	b.uint32(h.CRC32)
	b.uint32(csize32)
	b.uint32(usize32)
	b.uint16(uint16(len(h.Name)))
	b.uint16(uint16(len(extra)))
	buf = append(buf, h.Name...)
	buf = append(buf, extra...)

	return buf, version, nil
}

// dirEntry pairs a finished local file header with the absolute offset at
// which it was written.
type dirEntry struct {
	offset uint64
	lfh    *LocalFileHeader
}

// encodeDirectoryHeader serializes the central directory record derived from
// a written local file header.
func encodeDirectoryHeader(e dirEntry, force bool) []byte {
	h := e.lfh

	flags := h.Flags
	if !isASCII(h.Name) {
		flags |= flagUTF8
	}

	zip64 := h.isZip64(force)
	version := h.VersionNeeded
	if version < zipVersion20 {
		version = zipVersion20
	}
	if (zip64 || e.offset >= uint32max) && version < zipVersion45 {
		version = zipVersion45
	}

	var extra []byte
	for _, f := range h.Extra {
		if f.ID == zip64ExtraID {
			continue
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], f.ID)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(f.Data)))
		extra = append(extra, hdr[:]...)
		extra = append(extra, f.Data...)
	}

	buf := make([]byte, directoryHeaderLen, directoryHeaderLen+len(h.Name)+len(extra)+28)
	b := writeBuf(buf)
	b.uint32(directoryHeaderSignature)
	b.uint16(creatorUnix<<8 | zipVersion20)
	b.uint16(version)
	b.uint16(flags)
	b.uint16(h.Method)
	b.uint16(h.ModTime)
	b.uint16(h.ModDate)
	b.uint32(h.CRC32)
	if zip64 || e.offset >= uint32max {
		// Store sentinel values in the 32 bit fields and append a zip64
		// extra record carrying the real ones.
		b.uint32(uint32max) // compressed size
		b.uint32(uint32max) // uncompressed size

		var z64 [28]byte // 2x uint16 + 3x uint64
		eb := writeBuf(z64[:])
		eb.uint16(zip64ExtraID)
		eb.uint16(24)
		eb.uint64(h.UncompressedSize64)
		eb.uint64(h.CompressedSize64)
		eb.uint64(e.offset)
		extra = append(extra, z64[:]...)
	} else {
		b.uint32(uint32(h.CompressedSize64))
		b.uint32(uint32(h.UncompressedSize64))
	}
	b.uint16(uint16(len(h.Name)))
	b.uint16(uint16(len(extra)))
	b.uint16(0) // comment length
	b.uint16(0) // disk number start
	b.uint16(0) // internal attributes
	b.uint32(h.ExternalAttrs)
	if e.offset >= uint32max {
		b.uint32(uint32max)
	} else {
		b.uint32(uint32(e.offset))
	}
	buf = append(buf, h.Name...)
	buf = append(buf, extra...)

	return buf
}

// writeDirectory emits the central directory records for dir followed by the
// end-of-central-directory records. The ZIP64 EOCD and locator are emitted
// when the entry count, directory size or start offset exceed the classic
// field limits, or when force is set.
func writeDirectory(w io.Writer, dir []dirEntry, start uint64, minVersion uint16, comment string, force bool) error {
	var size uint64
	for _, e := range dir {
		data := encodeDirectoryHeader(e, force)
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: writing central directory: %w", errParzip, err)
		}
		size += uint64(len(data))
	}

	records := uint64(len(dir))
	offset := start

	if records > uint16max || size > uint32max || offset >= uint32max || force {
		if minVersion < zipVersion45 {
			minVersion = zipVersion45
		}
		e64pos := start + size

		var buf [directory64EndLen + directory64LocLen]byte
		b := writeBuf(buf[:])
		b.uint32(directory64EndSignature)
		b.uint64(directory64EndLen - 12) // size minus signature and this field
		b.uint16(creatorUnix<<8 | zipVersion65)
		b.uint16(minVersion)
		b.uint32(0) // disk number
		b.uint32(0) // disk with central directory
		b.uint64(records)
		b.uint64(records)
		b.uint64(size)
		b.uint64(offset)

		b.uint32(directory64LocSignature)
		b.uint32(0) // disk with zip64 EOCD
		b.uint64(e64pos)
		b.uint32(1) // total disks

		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("%w: writing zip64 EOCD: %w", errParzip, err)
		}

		if records > uint16max {
			records = uint16max
		}
		if size > uint32max {
			size = uint32max
		}
		if offset > uint32max {
			offset = uint32max
		}
	}

	if len(comment) > uint16max {
		return fmt.Errorf("%w: comment too long", errParzip)
	}
	var buf [directoryEndLen]byte
	b := writeBuf(buf[:])
	b.uint32(directoryEndSignature)
	b.uint16(0) // disk number
	b.uint16(0) // disk with central directory
	b.uint16(uint16(records))
	b.uint16(uint16(records))
	b.uint32(uint32(size))
	b.uint32(uint32(offset))
	b.uint16(uint16(len(comment)))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: writing EOCD: %w", errParzip, err)
	}
	if _, err := io.WriteString(w, comment); err != nil {
		return fmt.Errorf("%w: writing EOCD comment: %w", errParzip, err)
	}

	return nil
}

type writeBuf []byte

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}
