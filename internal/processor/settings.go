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

package processor

import (
	"github.com/tombee/conductor/internal/aiconfig"
	"github.com/tombee/conductor/internal/job"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// TaskSettingsSource is the subset of *aiconfig.Manager the shared setup
// step needs: a task type in, a model/temperature/max-tokens triple out,
// or a ConfigError. Accepting the interface rather than the concrete
// type keeps this package testable without a real Manager.
type TaskSettingsSource interface {
	TaskSettingsFor(taskType job.TaskType) (aiconfig.TaskSettings, error)
}

// ResolveTaskSettings implements the "pull task settings" half of
// spec.md §4.5's shared setup step, common to every processor: values
// already stamped on the job row win; any field the job row left unset
// falls back to cfg; a field neither source supplies is a ConfigError.
// It also enforces invariant J4 (max_output_tokens > 0, temperature in
// [0.0, 2.0]) once resolution is complete, as a ValidationError.
//
// The dispatcher calls this once, before Processor.Setup, so every
// concrete processor can simply read j.ModelUsed/j.Temperature/
// j.MaxOutputTokens and trust they are populated and in range.
func ResolveTaskSettings(j *job.BackgroundJob, cfg TaskSettingsSource) error {
	needModel := j.ModelUsed == ""
	needTokens := j.MaxOutputTokens <= 0
	needTemp := j.Temperature == job.UnsetTemperature

	if needModel || needTokens || needTemp {
		if cfg == nil {
			return &conductorerrors.ConfigError{Key: "runtime_ai_config", Reason: "no configuration source available to resolve task settings"}
		}
		settings, err := cfg.TaskSettingsFor(j.TaskType)
		if err != nil {
			return err
		}
		if needModel {
			j.ModelUsed = settings.Model
		}
		if needTokens {
			j.MaxOutputTokens = settings.MaxTokens
		}
		if needTemp {
			j.Temperature = settings.Temperature
		}
	}

	if j.MaxOutputTokens <= 0 {
		return &conductorerrors.ValidationError{Field: "max_output_tokens", Message: "must be greater than zero"}
	}
	if j.Temperature < 0.0 || j.Temperature > 2.0 {
		return &conductorerrors.ValidationError{Field: "temperature", Message: "must be between 0.0 and 2.0"}
	}
	if j.ModelUsed == "" {
		return &conductorerrors.ValidationError{Field: "model_used", Message: "must not be empty"}
	}
	return nil
}
