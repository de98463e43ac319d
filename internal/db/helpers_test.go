package db

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func TestParseUUID_RoundTrip(t *testing.T) {
	id, err := ParseUUID(" 7f1d3c3e-5d8a-4a57-9a4e-4c4f1b7f0e11 ")
	require.NoError(t, err)
	require.True(t, id.Valid)
	require.Equal(t, "7f1d3c3e-5d8a-4a57-9a4e-4c4f1b7f0e11", UUIDString(id))

	_, err = ParseUUID("not-a-uuid")
	require.Error(t, err)

	require.Equal(t, "", UUIDString(pgtype.UUID{}))
}

func TestErrorClassifiers(t *testing.T) {
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(errors.New("boom")))
	require.True(t, IsUndefinedColumnErr(&pgconn.PgError{Code: "42P01"}))
	require.True(t, IsNotFound(pgx.ErrNoRows))
}

func TestDurationColumn_Whitelist(t *testing.T) {
	require.Equal(t, "transcription_ms", durationColumn(JobStageTranscribing))
	require.Equal(t, "frame_analysis_ms", durationColumn(JobStageFrameAnalysis))
	require.Equal(t, "scene_creation_ms", durationColumn(JobStageCreatingScenes))
	require.Equal(t, "text_embedding_ms", durationColumn(JobStageEmbeddingText))
	require.Equal(t, "audio_embedding_ms", durationColumn(JobStageEmbeddingAudio))
	require.Equal(t, "visual_embedding_ms", durationColumn(JobStageEmbeddingVisual))
	require.Equal(t, "", durationColumn(JobStageDone))
	require.Equal(t, "", durationColumn(JobStage("x; DROP TABLE jobs")))
}

func TestJobStage_Valid(t *testing.T) {
	require.True(t, JobStageEmbeddingAudio.Valid())
	require.False(t, JobStage("embedding").Valid())
}

func TestJSONMap_ScanAndValue(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"query":" beach sunset ","limit":25}`)))
	require.Equal(t, "beach sunset", m.String("query"))
	require.Equal(t, 25.0, m.Float("limit", 10))
	require.Equal(t, 0.5, m.Float("threshold", 0.5))

	var empty JSONMap
	require.NoError(t, empty.Scan(nil))
	require.NotNil(t, empty)

	v, err := JSONMap(nil).Value()
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), v)

	txt, err := m.TextValue()
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal([]byte(txt.String), &back))
	require.Equal(t, " beach sunset ", back["query"])

	require.Error(t, m.Scan(42))
}

func TestAdvisoryLockID_StableAndScoped(t *testing.T) {
	a := advisoryLockID("faces", "/videos/a.mp4")
	require.Equal(t, a, advisoryLockID("faces", "/videos/a.mp4"))
	require.NotEqual(t, a, advisoryLockID("faces", "/videos/b.mp4"))
	require.NotEqual(t, a, advisoryLockID("other", "/videos/a.mp4"))
}
