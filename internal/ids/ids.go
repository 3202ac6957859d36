// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ids generates the identifiers used across the engine.
//
// Run ids are K-sortable: creation order is recoverable from a
// lexicographic sort, which keeps created_at pagination cursors stable.
package ids

import (
	"strings"

	"github.com/segmentio/ksuid"
)

// RunIDPrefix is prepended to every externally visible run identifier.
const RunIDPrefix = "run_"

// NewRunID returns a new run identifier: the RunIDPrefix followed by a
// 27-character base62 KSUID. The generator is safe for concurrent use.
func NewRunID() string {
	return RunIDPrefix + ksuid.New().String()
}

// IsRunID reports whether s has the shape of a run identifier.
func IsRunID(s string) bool {
	if !strings.HasPrefix(s, RunIDPrefix) {
		return false
	}
	_, err := ksuid.Parse(strings.TrimPrefix(s, RunIDPrefix))
	return err == nil
}
