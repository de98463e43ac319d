package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/sceneindex/cmd/web/auth"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/health"
	"thirdcoast.systems/sceneindex/internal/consistency"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/pipeline"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/suggestions"
)

type users map[pgtype.UUID]*db.User

func (u users) GetUserByID(ctx context.Context, id pgtype.UUID) (*db.User, error) {
	if x, ok := u[id]; ok {
		return x, nil
	}
	return nil, pgx.ErrNoRows
}

type fakeSubmitter struct {
	reqs    []pipeline.Request
	scanned []string
	err     error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req pipeline.Request) (*pipeline.Submission, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if req.VideoPath == "" && req.JobID == "" {
		return nil, pipeline.ErrMissingVideoPath
	}
	return &pipeline.Submission{JobID: "job-1", RunID: "run-1", VideoPath: req.VideoPath}, nil
}

func (f *fakeSubmitter) ScanFolder(ctx context.Context, folderPath string) (*pipeline.ScanResult, error) {
	f.scanned = append(f.scanned, folderPath)
	if folderPath == "/unknown" {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrFolderNotFound, folderPath)
	}
	return &pipeline.ScanResult{Folder: folderPath, Found: 2, Submitted: []pipeline.Submission{{JobID: "j", VideoPath: folderPath + "/a.mp4"}}}, nil
}

type enqueued struct {
	queue   string
	payload any
	opts    queue.EnqueueOptions
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (q *recordingQueue) Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, enqueued{name, payload, opts})
	return nil
}

type tasks map[string][]queue.TaskSummary

func (t tasks) ListInFlight(base string) ([]queue.TaskSummary, error) { return t[base], nil }

type jobs map[pgtype.UUID]*db.Job

func (j jobs) GetJobByID(ctx context.Context, id pgtype.UUID) (*db.Job, error) {
	if x, ok := j[id]; ok {
		return x, nil
	}
	return nil, pgx.ErrNoRows
}

type fakeProgress struct{ events []pipeline.Progress }

func (f fakeProgress) Subscribe(ctx context.Context, jobID string) <-chan pipeline.Progress {
	ch := make(chan pipeline.Progress, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeSuggestions struct{}

func (fakeSuggestions) Get(ctx context.Context) (*suggestions.Suggestions, error) {
	return &suggestions.Suggestions{Faces: []string{"alice"}, Objects: []string{"dog"}, Emotions: []string{"happy"}}, nil
}

type harness struct {
	srv       *Webserver
	bearer    string
	submitter *fakeSubmitter
	queue     *recordingQueue
	jobs      jobs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tm := auth.NewTokenManager("0123456789abcdef-web", time.Hour)
	user := db.NewUUID()
	token, err := tm.Issue(user)
	require.NoError(t, err)

	h := &harness{
		bearer:    "Bearer " + token,
		submitter: &fakeSubmitter{},
		queue:     &recordingQueue{},
		jobs:      jobs{},
	}
	labelPayload, _ := json.Marshal(consistency.LabelRequest{Name: "alice", Faces: []string{"f1.json"}})
	srv, err := NewWebserver(Deps{
		Tokens:    tm,
		Users:     users{user: {ID: user, Email: "ops@example.com", Enabled: true}},
		Submitter: h.submitter,
		Queue:     h.queue,
		Tasks: tasks{queue.FaceLabelling: {
			{ID: "t1", Queue: queue.FaceLabelling, State: queue.StateActive, Payload: labelPayload},
		}},
		Jobs: h.jobs,
		Progress: fakeProgress{events: []pipeline.Progress{
			{Stage: db.JobStageEmbeddingText, Status: db.JobStatusProcessing, OverallProgress: 80},
			{Stage: db.JobStageDone, Status: db.JobStatusDone, OverallProgress: 100},
		}},
		Suggestions: fakeSuggestions{},
		Health: map[string]health.Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	require.NoError(t, err)
	h.srv = srv
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", h.bearer)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewWebserver_RequiresDeps(t *testing.T) {
	_, err := NewWebserver(Deps{})
	require.ErrorContains(t, err, "token manager is required")
}

func TestInternalRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/internal/indexer/reindex"},
		{http.MethodPatch, "/internal/faces"},
		{http.MethodDelete, "/internal/faces"},
		{http.MethodPost, "/internal/faces/alice/rename"},
		{http.MethodGet, "/internal/faces/processing"},
		{http.MethodPost, "/internal/folders/trigger"},
		{http.MethodGet, "/internal/search/suggestions"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		rec := httptest.NewRecorder()
		h.srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
		require.Equal(t, auth.ReasonNoToken, decodeBody[map[string]string](t, rec)["reason"], route.path)
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, map[string]any{"postgres": "ok", "redis": "connection refused"}, body["checks"])
}

func TestReindex(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/internal/indexer/reindex", `{"videoPath":"/media/a.mp4","forceReIndexing":true,"priority":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "job-1", decodeBody[pipeline.Submission](t, rec).JobID)
	require.Equal(t, pipeline.Request{VideoPath: "/media/a.mp4", ForceReIndexing: true, Priority: 2}, h.submitter.reqs[0])

	rec = h.do(http.MethodPost, "/internal/indexer/reindex", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	h.submitter.err = fmt.Errorf("%w: /elsewhere/a.mp4", pipeline.ErrFolderNotFound)
	rec = h.do(http.MethodPost, "/internal/indexer/reindex", `{"videoPath":"/elsewhere/a.mp4"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFolderTrigger(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/internal/folders/trigger", `{"folderPath":"/media"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decodeBody[pipeline.ScanResult](t, rec)
	require.Equal(t, 2, res.Found)
	require.Len(t, res.Submitted, 1)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/internal/folders/trigger", `{}`).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/internal/folders/trigger", `{"folderPath":"/unknown"}`).Code)
}

func TestFaceCorrectionsAreEnqueued(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPatch, "/internal/faces", `{"name":"alice","faces":["unknown_1.json","unknown_2.json"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeBody[map[string]string](t, rec)
	require.NotEmpty(t, accepted["jobId"])

	rec = h.do(http.MethodPost, "/internal/faces/alice%20smith/rename", `{"newName":"alice jones"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(http.MethodDelete, "/internal/faces", `{"jsonFile":"unknown_3.json","imageFile":"unknown_3.jpg"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, h.queue.jobs, 3)
	require.Equal(t, queue.FaceLabelling, h.queue.jobs[0].queue)
	require.Equal(t, accepted["jobId"], h.queue.jobs[0].opts.TaskID)
	require.Equal(t, consistency.LabelRequest{Name: "alice", Faces: []string{"unknown_1.json", "unknown_2.json"}}, h.queue.jobs[0].payload)
	require.Equal(t, queue.FaceRename, h.queue.jobs[1].queue)
	require.Equal(t, consistency.RenameRequest{Name: "alice smith", NewName: "alice jones"}, h.queue.jobs[1].payload)
	require.Equal(t, queue.FaceDeletion, h.queue.jobs[2].queue)
	require.Equal(t, consistency.DeleteRequest{JSONFile: "unknown_3.json", ImageFile: "unknown_3.jpg"}, h.queue.jobs[2].payload)
}

func TestFaceCorrectionsRejectBadInput(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPatch, "/internal/faces", `{"name":"alice","faces":[]}`},
		{http.MethodPatch, "/internal/faces", `{"name":"../etc","faces":["a.json"]}`},
		{http.MethodPost, "/internal/faces/alice/rename", `{"newName":"alice"}`},
		{http.MethodPost, "/internal/faces/alice/rename", `{}`},
		{http.MethodDelete, "/internal/faces", `{"imageFile":"x.jpg"}`},
	} {
		rec := h.do(tc.method, tc.path, tc.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.body)
	}
	require.Empty(t, h.queue.jobs)
}

func TestFacesProcessing(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/internal/faces/processing", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[struct {
		Tasks []consistency.ProcessingTask `json:"tasks"`
	}](t, rec)
	require.Len(t, body.Tasks, 1)
	require.Equal(t, "alice", body.Tasks[0].Name)
	require.Equal(t, []string{"f1.json"}, body.Tasks[0].Faces)
}

func TestJobStatusAndProgress(t *testing.T) {
	h := newHarness(t)
	id := db.NewUUID()
	h.jobs[id] = &db.Job{ID: id, VideoPath: "/media/a.mp4", Stage: db.JobStageTranscribing, Status: db.JobStatusProcessing}

	rec := h.do(http.MethodGet, "/internal/jobs/"+db.UUIDString(id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/media/a.mp4", decodeBody[db.Job](t, rec).VideoPath)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/internal/jobs/"+db.UUIDString(db.NewUUID()), "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/internal/jobs/nope", "").Code)

	rec = h.do(http.MethodGet, "/internal/jobs/"+db.UUIDString(id)+"/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	stream := rec.Body.String()
	require.Equal(t, 1, strings.Count(stream, "event: job\n"))
	require.Equal(t, 2, strings.Count(stream, "event: progress\n"))
	require.Contains(t, stream, `"status":"done"`)
}

func TestSuggestionsAndRegenerate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/internal/search/suggestions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"alice"}, decodeBody[suggestions.Suggestions](t, rec).Faces)

	rec = h.do(http.MethodPost, "/internal/collections/regenerate", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.queue.jobs, 1)
	require.Equal(t, queue.SmartCollections, h.queue.jobs[0].queue)
	require.True(t, strings.HasPrefix(h.queue.jobs[0].opts.TaskID, "smart-collections:"))
}
