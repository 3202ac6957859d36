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

package main

import (
	"context"
	"time"

	"github.com/windlass-io/windlass"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// registerWorkflows installs the definitions this daemon hosts. The
// heartbeat workflow doubles as a liveness probe for the queue and the
// scheduler: a row completing every minute means claims, dispatches,
// and cron fires are all healthy.
func registerWorkflows(engine *windlass.Engine) error {
	return engine.RegisterWorkflow(&workflow.Definition{
		ID: "heartbeat",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "beat", func(ctx context.Context) (any, error) {
				out := map[string]any{"at": time.Now().UTC().Format(time.RFC3339)}
				if wf.Schedule != nil && wf.Schedule.LastTimestamp != nil {
					out["since_last"] = time.Since(*wf.Schedule.LastTimestamp).String()
				}
				return out, nil
			})
		},
		Steps:   []workflow.Step{workflow.RunStep("beat")},
		Retries: 1,
		Cron:    &workflow.CronConfig{Expression: "* * * * *"},
	})
}
