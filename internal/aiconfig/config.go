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

// Package aiconfig implements the process-wide RuntimeAIConfig described
// in spec.md §3/§4.10: per-task model/temperature/max-tokens defaults,
// the available model list, path-finder and job-scheduling knobs, and
// project-aware overrides layered on top of the global value. It is
// initialized once at startup and refreshed in place by the server; every
// reader sees either a fully-populated snapshot or a ConfigError —
// the core never invents a default for a value the server hasn't supplied,
// per §4.10's "every miss is an error" rule.
//
// Grounded on internal/controller/leader.Leader's RWMutex-guarded state
// (a single value replaced wholesale under a write lock, read under a
// read lock) and pkg/workflow/definition.go's ApplyDefaults/Validate
// pipeline for the project-aware override merge.
package aiconfig

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tombee/conductor/internal/job"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// TaskSettings is the effective model/temperature/max-tokens triple for
// one task type.
type TaskSettings struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// ModelInfo describes one model the server has made available.
type ModelInfo struct {
	ID            string `json:"id"`
	ContextWindow int    `json:"contextWindow"`
}

// PathFinderSettings bounds the PathFinder/PathCorrection family of
// processors when they walk a project directory.
type PathFinderSettings struct {
	MaxDirectoryDepth int      `json:"maxDirectoryDepth"`
	ExcludedPatterns  []string `json:"excludedPatterns"`
}

// JobSettings holds scheduler-facing knobs the server controls centrally,
// so a single config push can retune every running instance's cadence.
type JobSettings struct {
	StaleJobTimeoutSeconds int `json:"staleJobTimeoutSeconds"`
	MaxConcurrentJobs      int `json:"maxConcurrentJobs"`
	DBPollIntervalMS       int `json:"dbPollIntervalMs"`
}

// Config is the full RuntimeAIConfig snapshot (spec.md §3).
type Config struct {
	DefaultLLMModelID           string
	DefaultTranscriptionModelID string
	Tasks                       map[job.TaskType]TaskSettings
	AvailableModels             []ModelInfo
	PathFinder                  PathFinderSettings
	Job                         JobSettings
}

// Clone returns a deep copy safe to hand to a reader outside the manager's
// lock.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Tasks != nil {
		clone.Tasks = make(map[job.TaskType]TaskSettings, len(c.Tasks))
		for k, v := range c.Tasks {
			clone.Tasks[k] = v
		}
	}
	if c.AvailableModels != nil {
		clone.AvailableModels = append([]ModelInfo(nil), c.AvailableModels...)
	}
	if c.PathFinder.ExcludedPatterns != nil {
		clone.PathFinder.ExcludedPatterns = append([]string(nil), c.PathFinder.ExcludedPatterns...)
	}
	return &clone
}

// taskUIKey is the fixed bijection between a TaskType discriminator and
// the camelCase key the UI's settings JSON stores it under (spec.md
// §4.10: "defined once"). All project-override lookups go through this
// table; nothing else in the module re-derives a UI key from a TaskType.
var taskUIKey = map[job.TaskType]string{
	job.TaskImplementationPlan:        "implementationPlan",
	job.TaskImplementationPlanMerge:   "implementationPlanMerge",
	job.TaskPathFinder:                "pathFinder",
	job.TaskPathCorrection:            "pathCorrection",
	job.TaskExtendedPathFinder:        "extendedPathFinder",
	job.TaskExtendedPathCorrection:    "extendedPathCorrection",
	job.TaskTextImprovement:           "textImprovement",
	job.TaskTextCorrection:            "textCorrection",
	job.TaskTaskEnhancement:           "taskEnhancement",
	job.TaskGuidanceGeneration:        "guidanceGeneration",
	job.TaskVoiceTranscription:        "voiceTranscription",
	job.TaskRegexPatternGeneration:    "regexPatternGeneration",
	job.TaskRegexSummaryGeneration:    "regexSummaryGeneration",
	job.TaskGenericLlmStream:          "genericLlmStream",
	job.TaskFileRelevanceAssessment:   "fileRelevanceAssessment",
	job.TaskRegexFileFilter:           "regexFileFilter",
	job.TaskLocalFileFiltering:        "localFileFiltering",
	job.TaskDirectoryTreeGeneration:   "directoryTreeGeneration",
	job.TaskWebSearchPromptsGeneration: "webSearchPromptsGeneration",
	job.TaskWebSearchExecution:        "webSearchExecution",
	job.TaskWebSearchWorkflow:         "webSearchWorkflow",
	job.TaskStreaming:                 "streaming",
	job.TaskDataPersistence:           "dataPersistence",
}

// UIKeyForTask returns the camelCase settings key the UI uses for
// taskType, and false if taskType has no UI-configurable settings (e.g.
// TaskUnknown).
func UIKeyForTask(taskType job.TaskType) (string, bool) {
	k, ok := taskUIKey[taskType]
	return k, ok
}

// Manager is the process-wide, thread-safe holder of the current
// RuntimeAIConfig. Readers take a read lock and clone; Update takes a
// write lock and atomically swaps the whole value, per spec.md §3's
// "writers replace the whole struct" lifecycle.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager returns an uninitialized Manager; every reader call fails
// with ConfigError until Update is called once.
func NewManager() *Manager {
	return &Manager{}
}

// Update atomically replaces the whole configuration. Safe for concurrent
// callers; a reader in flight sees either the old or new value in full,
// never a partial mix of the two.
func (m *Manager) Update(cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
}

// Snapshot returns a cloned copy of the current configuration, or a
// ConfigError if Update has never been called.
func (m *Manager) Snapshot() (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return nil, &conductorerrors.ConfigError{Key: "runtime_ai_config", Reason: "not yet initialized"}
	}
	return m.cfg.Clone(), nil
}

// TaskSettingsFor returns the configured model/temperature/max-tokens for
// taskType, or a ConfigError naming the missing key. The core never
// invents a default here: an absent task entry is a hard miss.
func (m *Manager) TaskSettingsFor(taskType job.TaskType) (TaskSettings, error) {
	cfg, err := m.Snapshot()
	if err != nil {
		return TaskSettings{}, err
	}
	settings, ok := cfg.Tasks[taskType]
	if !ok {
		return TaskSettings{}, &conductorerrors.ConfigError{Key: fmt.Sprintf("tasks.%s", taskType), Reason: "no task settings configured"}
	}
	return settings, nil
}

// ModelForTask returns the model ID configured for taskType.
func (m *Manager) ModelForTask(taskType job.TaskType) (string, error) {
	s, err := m.TaskSettingsFor(taskType)
	if err != nil {
		return "", err
	}
	return s.Model, nil
}

// TemperatureForTask returns the temperature configured for taskType.
func (m *Manager) TemperatureForTask(taskType job.TaskType) (float64, error) {
	s, err := m.TaskSettingsFor(taskType)
	if err != nil {
		return 0, err
	}
	return s.Temperature, nil
}

// MaxTokensForTask returns the max output tokens configured for taskType.
func (m *Manager) MaxTokensForTask(taskType job.TaskType) (int, error) {
	s, err := m.TaskSettingsFor(taskType)
	if err != nil {
		return 0, err
	}
	return s.MaxTokens, nil
}

// ModelContextWindow returns the context window of a known model, or a
// ConfigError if modelID isn't in AvailableModels.
func (m *Manager) ModelContextWindow(modelID string) (int, error) {
	cfg, err := m.Snapshot()
	if err != nil {
		return 0, err
	}
	for _, mi := range cfg.AvailableModels {
		if mi.ID == modelID {
			return mi.ContextWindow, nil
		}
	}
	return 0, &conductorerrors.ConfigError{Key: fmt.Sprintf("available_models.%s", modelID), Reason: "unknown model id"}
}

// PathFinderSettingsSnapshot returns the configured path-finder knobs.
func (m *Manager) PathFinderSettingsSnapshot() (PathFinderSettings, error) {
	cfg, err := m.Snapshot()
	if err != nil {
		return PathFinderSettings{}, err
	}
	return cfg.PathFinder, nil
}

// JobSettingsSnapshot returns the configured scheduler knobs.
func (m *Manager) JobSettingsSnapshot() (JobSettings, error) {
	cfg, err := m.Snapshot()
	if err != nil {
		return JobSettings{}, err
	}
	return cfg.Job, nil
}

// ProjectSettingsStore is the minimal contract aiconfig needs from the
// user-settings store to resolve per-project overrides; the concrete
// store (key-value, file-backed, whatever the host application uses) is
// an external collaborator per spec.md §1.
type ProjectSettingsStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
}

// projectSettingsKey derives the user-settings key a project's task/model
// overrides are stored under: project_task_model_settings_<sha(path)>.
func projectSettingsKey(projectDirectory string) string {
	sum := sha256.Sum256([]byte(projectDirectory))
	return "project_task_model_settings_" + hex.EncodeToString(sum[:])
}

// projectOverride is the subset of fields a UI-saved per-project override
// may set for one task; zero-value fields mean "inherit the global
// setting" rather than "set to zero".
type projectOverride struct {
	Model       *string  `json:"model,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// TaskSettingsForProject resolves taskType's effective settings for
// projectDirectory: per-project overrides (if the store has any, and the
// task carries a UI key) take precedence field-by-field over the global
// RuntimeAIConfig value, which remains the fallback for any field the
// project override leaves unset.
func (m *Manager) TaskSettingsForProject(ctx context.Context, store ProjectSettingsStore, projectDirectory string, taskType job.TaskType) (TaskSettings, error) {
	global, err := m.TaskSettingsFor(taskType)
	if err != nil {
		return TaskSettings{}, err
	}
	if store == nil || projectDirectory == "" {
		return global, nil
	}
	uiKey, ok := taskUIKey[taskType]
	if !ok {
		return global, nil
	}

	raw, found, err := store.Get(ctx, projectSettingsKey(projectDirectory))
	if err != nil {
		return TaskSettings{}, &conductorerrors.ConfigError{Key: projectSettingsKey(projectDirectory), Reason: fmt.Sprintf("reading project settings: %v", err)}
	}
	if !found {
		return global, nil
	}

	var perTask map[string]projectOverride
	if err := json.Unmarshal(raw, &perTask); err != nil {
		return TaskSettings{}, &conductorerrors.ConfigError{Key: projectSettingsKey(projectDirectory), Reason: fmt.Sprintf("malformed project settings: %v", err)}
	}
	override, ok := perTask[uiKey]
	if !ok {
		return global, nil
	}

	effective := global
	if override.Model != nil {
		effective.Model = *override.Model
	}
	if override.MaxTokens != nil {
		effective.MaxTokens = *override.MaxTokens
	}
	if override.Temperature != nil {
		effective.Temperature = *override.Temperature
	}
	return effective, nil
}
