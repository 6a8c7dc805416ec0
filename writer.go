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
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultIOWorkers is the default size of the IO pool.
	DefaultIOWorkers = 4

	// DefaultFileBudget caps the number of simultaneously open input
	// files and in-flight memory maps.
	DefaultFileBudget = 200
)

// Options configures a [Writer]. The zero value selects the defaults.
type Options struct {
	// Threads is the CPU pool size. Defaults to GOMAXPROCS.
	Threads int

	// IOWorkers is the IO pool size. Defaults to DefaultIOWorkers.
	IOWorkers int

	// FileBudget bounds simultaneously open inputs. Defaults to
	// DefaultFileBudget.
	FileBudget int64

	// Chooser selects the compression algorithm per entry. Defaults to
	// DefaultChooser.
	Chooser *Chooser

	// ForceZip64 emits ZIP64 records regardless of entry sizes.
	ForceZip64 bool

	// Comment is stored in the end-of-central-directory record.
	Comment string

	// Prefix is written to the output before the first entry.
	Prefix []byte
}

// queueItem is the in-flight work record for one entry: the partial header,
// the ordered compressed-chunk futures, and the scoped release of the input
// resources, which runs on the IO pool after serialization.
type queueItem struct {
	lfh     *LocalFileHeader
	futures []*chunkFuture
	release func()
}

// openItem is one slot of the open queue: either a pending IO-stage result
// or a pre-built item from the re-mux path.
type openItem struct {
	done chan struct{}
	lfh  *LocalFileHeader
	wf   *WrappedFile
	view []byte
	err  error

	pre *queueItem
}

// Writer assembles a ZIP archive, compressing entries on internal worker
// pools while preserving submission order in the output.
//
// Entries flow through two bounded queues: the IO stage opens, stats and
// maps inputs, the open consumer chooses a compressor and fans blocks out to
// the CPU pool, and a single serializer drains the compress queue, writing
// headers and chunks in order and rewriting each multi-chunk header in place
// once its final CRC-32 and compressed size are known.
//
// Methods on Writer are intended for use from a single goroutine.
type Writer struct {
	ws        io.WriteSeeker
	ownedFile *os.File
	pos       int64

	forceZip64 bool
	comment    string
	chooser    *Chooser

	cpuPool  *Pool
	ioPool   *Pool
	fdBudget *semaphore.Weighted

	openQueue     chan *openItem
	compressQueue chan *queueItem
	consumers     sync.WaitGroup

	cacheMu sync.Mutex
	cache   map[string]Compressor

	dir           []dirEntry
	dirMinVersion uint16

	errMu sync.Mutex
	err   error

	closed bool
}

// NewWriter creates name and returns a Writer producing an archive into it.
// An existing file is not overwritten.
func NewWriter(name string, opts *Options) (*Writer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening target file: %w", ErrIO, err)
	}
	w, err := NewWriterFromSeeker(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.ownedFile = f
	return w, nil
}

// NewWriterFromSeeker returns a Writer producing an archive into ws, which
// must be positioned at the start of the archive. The caller keeps ownership
// of ws and closes it after [Writer.Close].
func NewWriterFromSeeker(ws io.WriteSeeker, opts *Options) (*Writer, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Threads < 1 {
		o.Threads = runtime.GOMAXPROCS(0)
	}
	if o.IOWorkers < 1 {
		o.IOWorkers = DefaultIOWorkers
	}
	if o.FileBudget < 1 {
		o.FileBudget = DefaultFileBudget
	}
	if o.Chooser == nil {
		o.Chooser = DefaultChooser
	}

	w := &Writer{
		ws:            ws,
		forceZip64:    o.ForceZip64,
		comment:       o.Comment,
		chooser:       o.Chooser,
		cpuPool:       NewPool("Compress", o.Threads),
		ioPool:        NewPool("IO", o.IOWorkers),
		fdBudget:      semaphore.NewWeighted(o.FileBudget),
		openQueue:     make(chan *openItem, o.Threads),
		compressQueue: make(chan *queueItem, o.Threads),
		cache:         map[string]Compressor{},
	}

	if len(o.Prefix) > 0 {
		if err := w.writeAll(o.Prefix); err != nil {
			w.cpuPool.Close()
			w.ioPool.Close()
			return nil, err
		}
	}

	w.consumers.Add(2)
	go w.openConsumer()
	go w.serializer()

	return w, nil
}

// WriteFile schedules the file at localPath for addition to the archive
// under archivePath (or under localPath itself when archivePath is empty).
// It blocks only on the file budget and queue backpressure. A member whose
// open fails later is logged and skipped; compression and archive-write
// failures surface at [Writer.Close].
func (w *Writer) WriteFile(localPath, archivePath string) error {
	return w.WriteFileModified(localPath, archivePath, time.Time{})
}

// WriteFileModified is WriteFile with the entry modification time
// overridden. A zero modified uses the file's own mtime.
func (w *Writer) WriteFileModified(localPath, archivePath string, modified time.Time) error {
	if w.closed {
		return fmt.Errorf("%w: WriteFile called on closed writer", errParzip)
	}
	if archivePath == "" {
		archivePath = localPath
	}
	if err := w.fdBudget.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("%w: acquiring file budget: %w", errParzip, err)
	}
	slog.Debug("enqueue", "path", localPath, "name", archivePath)

	item := &openItem{done: make(chan struct{})}
	w.ioPool.Go(func() {
		defer close(item.done)
		item.lfh, item.wf, item.view, item.err = openInput(localPath, archivePath, modified)
	})
	w.openQueue <- item
	return nil
}

// WriteBuffer schedules an in-memory entry.
func (w *Writer) WriteBuffer(archivePath string, data []byte, modified time.Time) error {
	if w.closed {
		return fmt.Errorf("%w: WriteBuffer called on closed writer", errParzip)
	}
	if err := w.fdBudget.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("%w: acquiring file budget: %w", errParzip, err)
	}

	item := &openItem{done: make(chan struct{})}
	w.ioPool.Go(func() {
		defer close(item.done)
		wf := NewWrappedBuffer(data, modified)
		lfh, err := partialHeader(archivePath, wf, modified)
		if err != nil {
			item.err = err
			return
		}
		item.lfh, item.wf, item.view = lfh, wf, data
	})
	w.openQueue <- item
	return nil
}

// EnqueuePrecompressed schedules an entry copied verbatim from another
// archive, bypassing the IO and compression stages. lfh and compressed come
// from [Reader.Next]. The entry flows through the same queues as normal
// writes, so submission order and backpressure are shared.
//
// TODO: headerBytes is currently unused; the header is re-encoded from lfh.
func (w *Writer) EnqueuePrecompressed(lfh *LocalFileHeader, headerBytes, compressed []byte) error {
	_ = headerBytes
	if w.closed {
		return fmt.Errorf("%w: EnqueuePrecompressed called on closed writer", errParzip)
	}
	w.openQueue <- &openItem{
		pre: &queueItem{
			lfh:     lfh,
			futures: []*chunkFuture{completedFuture(chunk{data: compressed})},
		},
	}
	return nil
}

// openInput is the IO-stage job: open, stat, wrap, build the partial header
// and materialize the input view.
func openInput(localPath, archivePath string, modified time.Time) (*LocalFileHeader, *WrappedFile, []byte, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: opening file: %w", ErrIO, err)
	}
	wf, err := NewWrappedFile(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, err
	}
	if wf.Mode().IsDir() {
		wf.Close()
		return nil, nil, nil, fmt.Errorf("%w: %q is a directory", ErrUnsupported, localPath)
	}
	lfh, err := partialHeader(archivePath, wf, modified)
	if err != nil {
		wf.Close()
		return nil, nil, nil, err
	}
	view, err := wf.View()
	if err != nil {
		wf.Close()
		return nil, nil, nil, err
	}
	return lfh, wf, view, nil
}

// partialHeader builds the open-time local file header: name, DOS timestamp
// and uncompressed size. CRC-32 and compressed size stay zero until the
// entry is serialized; method and version are set by the open consumer.
func partialHeader(archivePath string, wf *WrappedFile, modified time.Time) (*LocalFileHeader, error) {
	name := archiveName(archivePath)
	if name == "" {
		return nil, fmt.Errorf("%w: empty archive name from %q", errParzip, archivePath)
	}
	if modified.IsZero() {
		modified = wf.ModTime()
	}
	fDate, fTime := timeToMsDosTime(modified)
	return &LocalFileHeader{
		ModTime:            fTime,
		ModDate:            fDate,
		UncompressedSize64: uint64(wf.Size()),
		Name:               name,
		ExternalAttrs:      unixExternalAttrs(wf.Mode()),
	}, nil
}

// archiveName converts an OS path into an archive member name: slash
// separated, cleaned, with any drive or root anchor removed.
func archiveName(p string) string {
	if v := filepath.VolumeName(p); v != "" {
		p = p[len(v):]
	}
	name := path.Clean(filepath.ToSlash(p))
	name = strings.TrimLeft(name, "/")
	if name == "." {
		return ""
	}
	return name
}

func unixExternalAttrs(mode fs.FileMode) uint32 {
	const sIFREG = 0x8000
	return (sIFREG | uint32(mode.Perm())) << 16
}

// compressor returns the cached instance for an algorithm key, constructing
// it on first use. The cache is shared across entries so the per-encoder
// freelists warm up.
func (w *Writer) compressor(key string) (Compressor, error) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	if c, ok := w.cache[key]; ok {
		return c, nil
	}
	c, err := NewCompressor(key, w.cpuPool.Size())
	if err != nil {
		return nil, err
	}
	w.cache[key] = c
	return c, nil
}

// openConsumer drains the open queue in FIFO order, keeping the compress
// queue in submission order.
func (w *Writer) openConsumer() {
	defer w.consumers.Done()
	defer close(w.compressQueue)

	for item := range w.openQueue {
		if item.pre != nil {
			w.compressQueue <- item.pre
			continue
		}

		<-item.done
		if item.err != nil {
			// A member whose open stage failed is logged and
			// skipped; the rest of the archive still completes.
			slog.Warn("skipping", "err", item.err)
			w.releaseInput(item.wf)
			continue
		}

		lfh, wf := item.lfh, item.wf
		key := w.chooser.choose(lfh)
		comp, err := w.compressor(key)
		if err != nil {
			w.setErr(err)
			w.releaseInput(wf)
			continue
		}

		lfh.Method = comp.Method()
		if v := comp.VersionNeeded(); v > lfh.VersionNeeded {
			lfh.VersionNeeded = v
		}

		futures := comp.CompressToFutures(w.cpuPool, wf.Size(), item.view)
		w.compressQueue <- &queueItem{
			lfh:     lfh,
			futures: futures,
			release: func() {
				if err := wf.Close(); err != nil {
					slog.Warn("closeInput", "name", lfh.Name, "err", err)
				}
				w.fdBudget.Release(1)
			},
		}
	}
}

// releaseInput schedules cleanup for an entry that never reached the
// serializer. The budget permit must be returned even on failure.
func (w *Writer) releaseInput(wf *WrappedFile) {
	w.ioPool.Go(func() {
		if wf != nil {
			wf.Close()
		}
		w.fdBudget.Release(1)
	})
}

// serializer drains the compress queue in FIFO order. It is the only writer
// of the output stream, so output bytes need no locking and follow
// submission order exactly.
func (w *Writer) serializer() {
	defer w.consumers.Done()

	for item := range w.compressQueue {
		if len(item.futures) == 1 {
			w.serializeSingle(item)
		} else {
			w.serializeMulti(item)
		}
		if item.release != nil {
			// Closing a large memory map can be slow; keep it off
			// the serialization path.
			w.ioPool.Go(item.release)
		}
	}
}

// serializeSingle writes a one-chunk entry. The final CRC-32 and compressed
// size are known before the header is written, so no seek-back is needed.
func (w *Writer) serializeSingle(item *queueItem) {
	res, err := item.futures[0].wait()
	if err != nil {
		w.setErr(err)
		return
	}

	lfh := item.lfh
	lfh.CompressedSize64 = uint64(len(res.data))
	if res.hasCRC {
		lfh.CRC32 = res.crc
	}

	data, version, err := lfh.encode(w.forceZip64)
	if err != nil {
		w.setErr(err)
		return
	}

	pos := w.pos
	if err := w.writeAll(data); err != nil {
		w.setErr(err)
		return
	}
	if err := w.writeAll(res.data); err != nil {
		w.setErr(err)
		return
	}
	w.appendDir(uint64(pos), lfh, version)
}

// serializeMulti writes a placeholder header, streams the chunks in order
// while folding their CRC-32 values, then rewrites the header in place. The
// placeholder and final encodings must not differ in length.
func (w *Writer) serializeMulti(item *queueItem) {
	t0 := time.Now()

	initial, _, err := item.lfh.encode(w.forceZip64)
	if err != nil {
		w.setErr(err)
		w.drain(item.futures)
		return
	}
	start := w.pos
	if err := w.writeAll(initial); err != nil {
		w.setErr(err)
		w.drain(item.futures)
		return
	}

	var (
		runningCRC  uint32
		haveCRC     bool
		runningSize uint64
		failed      bool
	)
	for _, f := range item.futures {
		res, err := f.wait()
		if err != nil {
			w.setErr(err)
			failed = true
		}
		if failed {
			// Keep waiting so the input view is not released while
			// jobs still read it.
			continue
		}
		if len(res.data) > 0 {
			if err := w.writeAll(res.data); err != nil {
				w.setErr(err)
				failed = true
				continue
			}
			runningSize += uint64(len(res.data))
		}
		if res.hasCRC {
			if !haveCRC {
				runningCRC = res.crc
				haveCRC = true
			} else {
				runningCRC = crc32Combine(runningCRC, res.crc, res.rawLen)
			}
		}
	}
	if failed {
		return
	}
	compressWait := time.Since(t0)

	lfh := item.lfh
	lfh.CompressedSize64 = runningSize
	if haveCRC {
		lfh.CRC32 = runningCRC
	}

	final, version, err := lfh.encode(w.forceZip64)
	if err != nil {
		w.setErr(err)
		return
	}
	if len(final) != len(initial) {
		w.setErr(fmt.Errorf("%w: %q: wrote %d bytes, finalized %d", ErrSizeInvariant, lfh.Name, len(initial), len(final)))
		return
	}

	end := w.pos
	if _, err := w.ws.Seek(start, io.SeekStart); err != nil {
		w.setErr(fmt.Errorf("%w: seek: %w", ErrIO, err))
		return
	}
	if _, err := w.ws.Write(final); err != nil {
		w.setErr(fmt.Errorf("%w: rewriting header: %w", ErrIO, err))
		return
	}
	if _, err := w.ws.Seek(end, io.SeekStart); err != nil {
		w.setErr(fmt.Errorf("%w: seek: %w", ErrIO, err))
		return
	}

	w.appendDir(uint64(start), lfh, version)

	ratio := float64(100)
	if lfh.UncompressedSize64 != 0 {
		ratio = float64(lfh.CompressedSize64) / float64(lfh.UncompressedSize64) * 100
	}
	slog.Info("entryDone",
		"name", lfh.Name,
		"ratio", ratio,
		"compwait", compressWait,
		"write", time.Since(t0)-compressWait,
	)
}

// drain waits out the remaining futures of an aborted entry.
func (w *Writer) drain(futures []*chunkFuture) {
	for _, f := range futures {
		_, _ = f.wait()
	}
}

func (w *Writer) writeAll(data []byte) error {
	n, err := w.ws.Write(data)
	w.pos += int64(n)
	if err != nil {
		return fmt.Errorf("%w: writing archive: %w", ErrIO, err)
	}
	return nil
}

func (w *Writer) appendDir(offset uint64, lfh *LocalFileHeader, version uint16) {
	w.dir = append(w.dir, dirEntry{offset: offset, lfh: lfh})
	if version > w.dirMinVersion {
		w.dirMinVersion = version
	}
}

func (w *Writer) setErr(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

func (w *Writer) firstErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Close shuts down the pipeline, waits for all in-flight entries, writes the
// central directory and end records, and returns the first error captured
// anywhere in the pipeline. If the Writer opened the output file itself it
// is synced and closed.
func (w *Writer) Close() error {
	if w.closed {
		return w.firstErr()
	}
	w.closed = true

	close(w.openQueue)
	w.consumers.Wait()
	w.cpuPool.Close()
	w.ioPool.Close()

	if err := writeDirectory(w.ws, w.dir, uint64(w.pos), w.dirMinVersion, w.comment, w.forceZip64); err != nil {
		w.setErr(err)
	}

	if w.ownedFile != nil {
		if err := w.ownedFile.Sync(); err != nil {
			w.setErr(fmt.Errorf("%w: sync: %w", errParzip, err))
		}
		if err := w.ownedFile.Close(); err != nil {
			w.setErr(fmt.Errorf("%w: closing archive: %w", errParzip, err))
		}
	}

	return w.firstErr()
}
