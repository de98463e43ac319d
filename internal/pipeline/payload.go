// Package pipeline implements the indexing DAG: stage handlers, the stage
// transition table, priority assignment, the artifact gate and the
// embedding fan-in barrier.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
)

// PayloadVersion is the schema version every stage accepts.
const PayloadVersion = 1

var (
	ErrInvalidPayload      = errors.New("invalid pipeline payload")
	ErrMissingPrerequisite = errors.New("missing prerequisite artifact")
	ErrNoScenes            = errors.New("no scenes found")
	ErrAllEmbeddingsFailed = errors.New("all embedding stages failed")

	// errSuperseded means the job was resubmitted and this task belongs to
	// an older run.
	errSuperseded = errors.New("run superseded")
)

// Payload is the message passed stage to stage. Each stage forwards it whole,
// filling in the artifact path it produced.
type Payload struct {
	V                 int    `json:"v" validate:"eq=1"`
	JobID             string `json:"jobId" validate:"required,uuid"`
	RunID             string `json:"runId" validate:"required,uuid"`
	VideoPath         string `json:"videoPath" validate:"required"`
	FolderID          string `json:"folderId,omitempty" validate:"omitempty,uuid"`
	ForceReIndexing   bool   `json:"forceReIndexing"`
	Priority          int    `json:"priority" validate:"gte=0"`
	AnalysisPath      string `json:"analysisPath,omitempty"`
	TranscriptionPath string `json:"transcriptionPath,omitempty"`
	ScenesPath        string `json:"scenesPath,omitempty"`

	// HealForce marks a ForceReIndexing that was set only to rebuild one
	// missing artifact; successors run with the gate again.
	HealForce bool `json:"healForce,omitempty"`
}

var validate = validator.New()

// Validate checks the payload against the current schema.
func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !filepath.IsAbs(p.VideoPath) {
		return fmt.Errorf("%w: videoPath %q is not absolute", ErrInvalidPayload, p.VideoPath)
	}
	return nil
}

// DecodePayload parses and validates a task body.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func (p Payload) jobUUID() pgtype.UUID {
	id, _ := db.ParseUUID(p.JobID)
	return id
}

func (p Payload) runUUID() pgtype.UUID {
	id, _ := db.ParseUUID(p.RunID)
	return id
}

// taskID dedupes one stage of one run.
func taskID(queueName string, p Payload) string {
	return queueName + ":" + p.JobID + ":" + p.RunID
}

// barrierKey scopes the embedding fan-in to one run of one job.
func barrierKey(p Payload) string {
	return p.JobID + ":" + p.RunID + ":embeddings"
}
