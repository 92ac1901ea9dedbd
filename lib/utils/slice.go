// Copyright 2021 Gravitational, Inc
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

package utils

// SliceMapElements returns a slice where each element is transformed with
// provided function.
func SliceMapElements[E any](s []E, fn func(E) E) []E {
	// Return nil slice if input is nil.
	// For slices of 0 length (not nil), fall through and return the same.
	if s == nil {
		return nil
	}

	mapped := make([]E, 0, len(s))
	for _, e := range s {
		mapped = append(mapped, fn(e))
	}
	return mapped
}
