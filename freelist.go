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

import "sync"

// freelist caches reusable per-worker scratch state, such as initialized
// encoder instances, to amortize their setup cost across entries.
type freelist[T any] struct {
	newFunc func() (T, error)

	mu   sync.Mutex
	free []T
}

func newFreelist[T any](newFunc func() (T, error)) *freelist[T] {
	return &freelist[T]{newFunc: newFunc}
}

func (l *freelist[T]) get() (T, error) {
	l.mu.Lock()
	if n := len(l.free); n > 0 {
		v := l.free[n-1]
		l.free = l.free[:n-1]
		l.mu.Unlock()
		return v, nil
	}
	l.mu.Unlock()
	return l.newFunc()
}

func (l *freelist[T]) put(v T) {
	l.mu.Lock()
	l.free = append(l.free, v)
	l.mu.Unlock()
}
