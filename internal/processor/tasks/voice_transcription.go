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

// VoiceTranscriptionProcessor converts a recorded audio payload into text
// through a TranscriptionClient, the sibling of GenericLLMProcessor's text
// completion path for the one task type that is audio-in instead of
// text-in.
package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// VoiceTranscriptionPayload is the task-specific payload for
// TaskVoiceTranscription jobs. Audio is base64-encoded because job payloads
// travel as JSON.
type VoiceTranscriptionPayload struct {
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
	Language    string `json:"language,omitempty"`
}

// VoiceTranscriptionProcessor is the C6 processor for TaskVoiceTranscription.
type VoiceTranscriptionProcessor struct {
	Client llmclient.TranscriptionClient

	payload VoiceTranscriptionPayload
	audio   []byte
}

var _ processor.Processor = (*VoiceTranscriptionProcessor)(nil)

func (p *VoiceTranscriptionProcessor) TaskType() job.TaskType { return job.TaskVoiceTranscription }

func (p *VoiceTranscriptionProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload VoiceTranscriptionPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid voice transcription payload: %v", err)}
	}
	if payload.AudioBase64 == "" {
		return &conductorerrors.ValidationError{Field: "audio_base64", Message: "must not be empty"}
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioBase64)
	if err != nil {
		return &conductorerrors.ValidationError{Field: "audio_base64", Message: fmt.Sprintf("not valid base64: %v", err)}
	}
	if payload.MimeType == "" {
		return &conductorerrors.ValidationError{Field: "mime_type", Message: "must not be empty"}
	}
	p.payload = payload
	p.audio = audio
	return nil
}

func (p *VoiceTranscriptionProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: "no transcription client configured"}
	}

	resp, err := p.Client.Transcribe(ctx, llmclient.TranscriptionRequest{
		Audio:    p.audio,
		MimeType: p.payload.MimeType,
		Language: p.payload.Language,
	})
	if err != nil {
		return processor.Outcome{}, err
	}

	return processor.Outcome{
		Response:  resp.Text,
		ModelUsed: resp.Model,
	}, nil
}

func (p *VoiceTranscriptionProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
