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
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
)

// openZip opens an archive with the standard library reader, which serves as
// the independent decoder, with Zstandard registered for method 93.
func openZip(t *testing.T, name string) *zip.ReadCloser {
	t.Helper()

	zr, err := zip.OpenReader(name)
	if err != nil {
		t.Fatalf("zip.OpenReader: %v", err)
	}
	t.Cleanup(func() { zr.Close() })
	zr.RegisterDecompressor(Zstd, zstd.ZipDecompressor())
	return zr
}

func readZipEntry(t *testing.T, zr *zip.ReadCloser, name string) []byte {
	t.Helper()

	f, err := zr.Open(name)
	if err != nil {
		t.Fatalf("opening entry %q: %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading entry %q: %v", name, err)
	}
	return data
}

func TestWriterSingleEntryDeflate(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")
	payload := bytes.Repeat([]byte("foo"), 100)

	z, err := NewWriter(archive, &Options{Threads: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteBuffer("foo/bar.py", payload, testTime()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if len(zr.File) != 1 {
		t.Fatalf("entries: want 1, got %d", len(zr.File))
	}
	entry := zr.File[0]
	if entry.Name != "foo/bar.py" {
		t.Errorf("name: want %q, got %q", "foo/bar.py", entry.Name)
	}
	if entry.Method != Deflate {
		t.Errorf("method: want %d, got %d", Deflate, entry.Method)
	}
	if diff := cmp.Diff(payload, readZipEntry(t, zr, "foo/bar.py")); diff != "" {
		t.Errorf("contents (-want, +got):\n%s", diff)
	}
}

func TestWriterSingleEntryZstd(t *testing.T) {
	t.Parallel()

	chooser, err := NewChooser("zstd@compresslevel=1", nil)
	if err != nil {
		t.Fatalf("NewChooser: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "out.zip")
	payload := bytes.Repeat([]byte("foo"), 100)

	z, err := NewWriter(archive, &Options{Threads: 2, Chooser: chooser})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteBuffer("foo/bar.py", payload, testTime()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if len(zr.File) != 1 {
		t.Fatalf("entries: want 1, got %d", len(zr.File))
	}
	if got := zr.File[0].Method; got != Zstd {
		t.Errorf("method: want %d, got %d", Zstd, got)
	}
	if diff := cmp.Diff(payload, readZipEntry(t, zr, "foo/bar.py")); diff != "" {
		t.Errorf("contents (-want, +got):\n%s", diff)
	}
}

func TestWriterForceZip64(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")

	z, err := NewWriter(archive, &Options{Threads: 2, ForceZip64: true})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("%d.txt", i)
		if err := z.WriteBuffer(name, []byte(fmt.Sprintf("%d\n", i)), testTime()); err != nil {
			t.Fatalf("WriteBuffer %q: %v", name, err)
		}
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if len(zr.File) != 20 {
		t.Fatalf("entries: want 20, got %d", len(zr.File))
	}
	if diff := cmp.Diff([]byte("7\n"), readZipEntry(t, zr, "7.txt")); diff != "" {
		t.Errorf("entry 7.txt (-want, +got):\n%s", diff)
	}

	// The zip64 EOCD and locator must precede the classic EOCD.
	raw, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sig := []byte{0x50, 0x4b, 0x06, 0x06}
	if !bytes.Contains(raw, sig) {
		t.Error("zip64 EOCD record missing")
	}
	loc := []byte{0x50, 0x4b, 0x06, 0x07}
	if !bytes.Contains(raw, loc) {
		t.Error("zip64 EOCD locator missing")
	}
}

// Entries must appear in the archive and its central directory in the order
// the write calls were made, regardless of how compression jobs finish.
func TestWriterPreservesSubmissionOrder(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")

	z, err := NewWriter(archive, &Options{Threads: 4})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	var want []string
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("file-%02d.bin", i)
		want = append(want, name)
		// Vary the payload size so compression times differ wildly.
		size := 10
		if i%3 == 0 {
			size = 1 << 18
		}
		payload := bytes.Repeat([]byte{byte(i)}, size)
		if err := z.WriteBuffer(name, payload, testTime()); err != nil {
			t.Fatalf("WriteBuffer %q: %v", name, err)
		}
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	var got []string
	for _, f := range zr.File {
		got = append(got, f.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry order (-want, +got):\n%s", diff)
	}
}

// A file larger than the block size exercises the placeholder header write,
// the in-order chunk concatenation, the CRC-32 fold and the header rewrite.
// The standard library reader verifies the CRC on read.
func TestWriterMultiChunkEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archive := filepath.Join(dir, "out.zip")
	payload := bytes.Repeat([]byte("the quick brown fox "), 1<<17) // 2.5 MiB

	input := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(input, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	z, err := NewWriter(archive, &Options{Threads: 4})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteFile(input, "big.txt"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	got := readZipEntry(t, zr, "big.txt")
	if !bytes.Equal(payload, got) {
		t.Errorf("contents mismatch: %d bytes in, %d bytes out", len(payload), len(got))
	}
}

func TestWriterEmptyEntry(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")

	z, err := NewWriter(archive, &Options{Threads: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteBuffer("empty.txt", nil, testTime()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if got := readZipEntry(t, zr, "empty.txt"); len(got) != 0 {
		t.Errorf("contents: want empty, got %d bytes", len(got))
	}
	if got := zr.File[0].Method; got != Store {
		t.Errorf("method: want %d, got %d", Store, got)
	}
}

// Merging two archives must preserve entry order and copy the compressed
// bytes verbatim.
func TestWriterRemux(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	makeArchive := func(name, entry, content string) string {
		archive := filepath.Join(dir, name)
		z, err := NewWriter(archive, &Options{Threads: 2})
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if err := z.WriteBuffer(entry, []byte(content), testTime()); err != nil {
			t.Fatalf("WriteBuffer: %v", err)
		}
		if err := z.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		return archive
	}

	zip1 := makeArchive("z1.zip", "path1", "Data1")
	zip2 := makeArchive("z2.zip", "path2", "Data2")

	merged := filepath.Join(dir, "merged.zip")
	z, err := NewWriter(merged, &Options{Threads: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := CopyInto(z, zip1); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if err := CopyInto(z, zip2); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, merged)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"path1", "path2"}, names); diff != "" {
		t.Errorf("names (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte("Data1"), readZipEntry(t, zr, "path1")); diff != "" {
		t.Errorf("path1 (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte("Data2"), readZipEntry(t, zr, "path2")); diff != "" {
		t.Errorf("path2 (-want, +got):\n%s", diff)
	}

	// Compressed bytes must be byte-identical to the source entries.
	srcEntry := func(name string) *Entry {
		f, err := os.Open(name)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer f.Close()
		e, err := NewReader(f).Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		return e
	}
	mf, err := os.Open(merged)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer mf.Close()
	mergedEntries, err := NewReader(mf).Entries(nil)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(mergedEntries) != 2 {
		t.Fatalf("entries: want 2, got %d", len(mergedEntries))
	}
	if diff := cmp.Diff(srcEntry(zip1).Data, mergedEntries[0].Data); diff != "" {
		t.Errorf("path1 compressed bytes (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(srcEntry(zip2).Data, mergedEntries[1].Data); diff != "" {
		t.Errorf("path2 compressed bytes (-want, +got):\n%s", diff)
	}
}

func TestWriterRefusesOverwrite(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")
	if err := os.WriteFile(archive, []byte("existing"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewWriter(archive, nil); err == nil {
		t.Error("NewWriter overwrote an existing file")
	}
}

func TestWriterSkipsFailedMember(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")

	z, err := NewWriter(archive, &Options{Threads: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteFile(filepath.Join(t.TempDir(), "does-not-exist"), ""); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := z.WriteBuffer("ok.txt", []byte("fine and dandy"), testTime()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}

	// The failed member is logged and skipped; the archive still closes
	// cleanly with the surviving member.
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if len(zr.File) != 1 {
		t.Fatalf("entries: want 1, got %d", len(zr.File))
	}
	if diff := cmp.Diff([]byte("fine and dandy"), readZipEntry(t, zr, "ok.txt")); diff != "" {
		t.Errorf("ok.txt (-want, +got):\n%s", diff)
	}
}

func TestWriterComment(t *testing.T) {
	t.Parallel()

	archive := filepath.Join(t.TempDir(), "out.zip")

	z, err := NewWriter(archive, &Options{Threads: 2, Comment: "release build"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := z.WriteBuffer("a.txt", []byte("aaaaaaaaaaaaaaaa"), testTime()); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if err := z.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	zr := openZip(t, archive)
	if zr.Comment != "release build" {
		t.Errorf("comment: want %q, got %q", "release build", zr.Comment)
	}
}

func TestArchiveName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "relative", in: "foo/bar.py", want: "foo/bar.py"},
		{name: "rooted", in: "/etc/passwd", want: "etc/passwd"},
		{name: "dot prefix", in: "./a/b", want: "a/b"},
		{name: "redundant slashes", in: "a//b", want: "a/b"},
		{name: "dot", in: ".", want: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := archiveName(tc.in); got != tc.want {
				t.Errorf("archiveName(%q): want %q, got %q", tc.in, tc.want, got)
			}
		})
	}
}
