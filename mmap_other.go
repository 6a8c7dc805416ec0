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

//go:build !unix

package parzip

// Platforms without a memory mapping syscall wrapper read the whole input
// instead.

func (w *WrappedFile) mapView() ([]byte, error) {
	buf := make([]byte, w.size)
	if _, err := w.f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	w.buf = buf
	return buf, nil
}

func (w *WrappedFile) unmap() error {
	return nil
}
