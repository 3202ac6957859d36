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
	"context"
	"testing"

	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

func noopDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID: id,
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return nil, nil
		},
		Steps: []workflow.Step{workflow.RunStep("a")},
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newRegistry()
	if err := r.add(noopDefinition("w")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.add(noopDefinition("w")); !errors.IsValidation(err) {
		t.Errorf("duplicate add = %v, want validation error", err)
	}
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	r := newRegistry()
	tests := []struct {
		name string
		def  *workflow.Definition
	}{
		{"nil definition", nil},
		{"missing id", &workflow.Definition{
			Handler: func(ctx context.Context, wf *workflow.Context) (any, error) { return nil, nil },
			Steps:   []workflow.Step{workflow.RunStep("a")},
		}},
		{"missing handler", &workflow.Definition{
			ID:    "w",
			Steps: []workflow.Step{workflow.RunStep("a")},
		}},
		{"empty step list", &workflow.Definition{
			ID:      "w",
			Handler: func(ctx context.Context, wf *workflow.Context) (any, error) { return nil, nil },
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.add(tt.def); err == nil {
				t.Error("add accepted an invalid definition")
			}
		})
	}
}

func TestRegistryRemove(t *testing.T) {
	r := newRegistry()
	if err := r.add(noopDefinition("w")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, ok := r.remove("w"); !ok {
		t.Fatal("remove failed for registered workflow")
	}
	if r.get("w") != nil {
		t.Error("removed workflow still resolvable")
	}
	if _, ok := r.remove("w"); ok {
		t.Error("second remove reported success")
	}

	// Removal frees the id for re-registration.
	if err := r.add(noopDefinition("w")); err != nil {
		t.Errorf("re-add after remove: %v", err)
	}
}

func TestUnregisterWorkflow(t *testing.T) {
	e := newTestEngine(t)
	if err := e.RegisterWorkflow(noopDefinition("w")); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	if err := e.UnregisterWorkflow(context.Background(), "w"); err != nil {
		t.Fatalf("UnregisterWorkflow: %v", err)
	}
	if err := e.UnregisterWorkflow(context.Background(), "w"); !errors.IsNotFound(err) {
		t.Errorf("unregister of unknown workflow = %v, want not found", err)
	}
}
