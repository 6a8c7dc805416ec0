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
	"sync"
)

// chunk is the result of one compression job: the compressed bytes, the
// uncompressed length they represent, and optionally the CRC-32 of the raw
// block. Re-muxed entries and spacer jobs carry no per-chunk CRC.
type chunk struct {
	data   []byte
	rawLen int64
	crc    uint32
	hasCRC bool
}

// chunkFuture is the completion handle for one submitted compression job.
type chunkFuture struct {
	done chan struct{}
	res  chunk
	err  error
}

// wait blocks until the job finishes.
func (f *chunkFuture) wait() (chunk, error) {
	<-f.done
	return f.res, f.err
}

// completedFuture returns an already-resolved future. Used by the re-mux path
// which has its compressed bytes up front.
func completedFuture(c chunk) *chunkFuture {
	f := &chunkFuture{done: make(chan struct{}), res: c}
	close(f.done)
	return f
}

// Pool is a bounded worker pool. Submission blocks once all workers are busy
// and the task backlog is full, providing backpressure to the caller.
type Pool struct {
	name  string
	size  int
	tasks chan func()
	wg    sync.WaitGroup
}

// NewPool starts a pool of workers goroutines.
func NewPool(name string, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name:  name,
		size:  workers,
		tasks: make(chan func(), workers),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Go schedules fn on the pool.
func (p *Pool) Go(fn func()) {
	p.tasks <- fn
}

// Submit schedules a compression job and returns its completion handle.
func (p *Pool) Submit(fn func() (chunk, error)) *chunkFuture {
	f := &chunkFuture{done: make(chan struct{})}
	p.tasks <- func() {
		f.res, f.err = fn()
		close(f.done)
	}
	return f
}

// Close waits for all scheduled tasks to finish and stops the workers.
// No tasks may be scheduled after Close.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
