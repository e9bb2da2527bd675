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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/internal/aiconfig"
	"github.com/tombee/conductor/internal/job"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

type stubSettingsSource struct {
	settings aiconfig.TaskSettings
	err      error
}

func (s stubSettingsSource) TaskSettingsFor(taskType job.TaskType) (aiconfig.TaskSettings, error) {
	return s.settings, s.err
}

func TestResolveTaskSettings_JobRowWins(t *testing.T) {
	j := &job.BackgroundJob{
		TaskType:        job.TaskImplementationPlan,
		ModelUsed:       "gpt-from-job",
		Temperature:     0.7,
		MaxOutputTokens: 1500,
	}
	err := ResolveTaskSettings(j, stubSettingsSource{settings: aiconfig.TaskSettings{Model: "gpt-from-config", Temperature: 0.1, MaxTokens: 99}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-from-job", j.ModelUsed)
	assert.Equal(t, 0.7, j.Temperature)
	assert.Equal(t, 1500, j.MaxOutputTokens)
}

func TestResolveTaskSettings_FallsBackToConfig(t *testing.T) {
	j := &job.BackgroundJob{
		TaskType:    job.TaskImplementationPlan,
		Temperature: job.UnsetTemperature,
	}
	err := ResolveTaskSettings(j, stubSettingsSource{settings: aiconfig.TaskSettings{Model: "gpt-from-config", Temperature: 0.1, MaxTokens: 2000}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-from-config", j.ModelUsed)
	assert.Equal(t, 0.1, j.Temperature)
	assert.Equal(t, 2000, j.MaxOutputTokens)
}

func TestResolveTaskSettings_ZeroTemperatureIsNotUnset(t *testing.T) {
	j := &job.BackgroundJob{
		TaskType:        job.TaskImplementationPlan,
		ModelUsed:       "gpt-from-job",
		Temperature:     0.0,
		MaxOutputTokens: 1000,
	}
	err := ResolveTaskSettings(j, stubSettingsSource{settings: aiconfig.TaskSettings{Model: "gpt-from-config", Temperature: 0.9, MaxTokens: 2000}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, j.Temperature, "an explicit 0.0 must not be treated as unset")
}

func TestResolveTaskSettings_ConfigErrorWhenNoSource(t *testing.T) {
	j := &job.BackgroundJob{TaskType: job.TaskImplementationPlan, Temperature: job.UnsetTemperature}
	err := ResolveTaskSettings(j, nil)
	require.Error(t, err)
	var cfgErr *conductorerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolveTaskSettings_ConfigMissReturnsConfigError(t *testing.T) {
	j := &job.BackgroundJob{TaskType: job.TaskImplementationPlan, Temperature: job.UnsetTemperature}
	err := ResolveTaskSettings(j, stubSettingsSource{err: &conductorerrors.ConfigError{Key: "tasks.ImplementationPlan", Reason: "missing"}})
	require.Error(t, err)
	var cfgErr *conductorerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResolveTaskSettings_OutOfRangeTemperatureRejected(t *testing.T) {
	j := &job.BackgroundJob{
		TaskType:        job.TaskImplementationPlan,
		ModelUsed:       "gpt-x",
		Temperature:     2.5,
		MaxOutputTokens: 1000,
	}
	err := ResolveTaskSettings(j, nil)
	require.Error(t, err)
	var valErr *conductorerrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, "temperature", valErr.Field)
}

func TestResolveTaskSettings_NonPositiveMaxTokensRejected(t *testing.T) {
	j := &job.BackgroundJob{
		TaskType:        job.TaskImplementationPlan,
		ModelUsed:       "gpt-x",
		Temperature:     0.5,
		MaxOutputTokens: 0,
	}
	err := ResolveTaskSettings(j, stubSettingsSource{settings: aiconfig.TaskSettings{Model: "gpt-x", Temperature: 0.5, MaxTokens: 0}})
	require.Error(t, err)
	var valErr *conductorerrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
	assert.Equal(t, "max_output_tokens", valErr.Field)
}
