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

package windlass

import (
	"sync"

	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// registry holds the registered workflow definitions. Definitions are
// immutable once stored; the map is guarded because registration may
// race with dispatch in embedders that register after Start.
type registry struct {
	mu   sync.RWMutex
	defs map[string]*workflow.Definition
}

func newRegistry() *registry {
	return &registry{defs: make(map[string]*workflow.Definition)}
}

// add validates and stores a definition. Duplicate ids are a hard error.
func (r *registry) add(def *workflow.Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition is nil"}
	}
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "workflow already registered: " + def.ID,
			Suggestion: "unregister the existing workflow first",
		}
	}
	r.defs[def.ID] = def
	return nil
}

func (r *registry) get(id string) *workflow.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[id]
}

// remove drops a definition and reports whether it existed. Persisted
// runs are untouched.
func (r *registry) remove(id string) (*workflow.Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	delete(r.defs, id)
	return def, ok
}

func (r *registry) removeAll() []*workflow.Definition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*workflow.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.defs = make(map[string]*workflow.Definition)
	return out
}

func (r *registry) all() []*workflow.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow.Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}
