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

//go:build unix

package parzip

import (
	"golang.org/x/sys/unix"
)

func (w *WrappedFile) mapView() ([]byte, error) {
	data, err := unix.Mmap(int(w.f.Fd()), 0, int(w.size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	w.mapped = data
	return data, nil
}

func (w *WrappedFile) unmap() error {
	if w.mapped == nil {
		return nil
	}
	data := w.mapped
	w.mapped = nil
	return unix.Munmap(data)
}
