package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*db.Job
	folders []*db.Folder
	stages  []db.JobStage
	errors  []string
	updates int
}

func newFakeStore(folders ...string) *fakeStore {
	s := &fakeStore{jobs: map[string]*db.Job{}}
	for _, f := range folders {
		s.folders = append(s.folders, &db.Folder{ID: db.NewUUID(), Path: f, Watch: true})
	}
	return s
}

func (s *fakeStore) job(id pgtype.UUID) *db.Job {
	return s.jobs[db.UUIDString(id)]
}

func (s *fakeStore) onlyJob(t *testing.T) *db.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.jobs, 1)
	for _, j := range s.jobs {
		cp := *j
		return &cp
	}
	return nil
}

func (s *fakeStore) UpdateJobStage(_ context.Context, p db.UpdateJobStageParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(p.ID)
	if j == nil || j.RunID != p.RunID {
		return pgx.ErrNoRows
	}
	j.Stage, j.Status, j.Progress = p.Stage, p.Status, p.Progress
	s.updates++
	if p.OverallProgress > j.OverallProgress {
		j.OverallProgress = p.OverallProgress
	}
	if n := len(s.stages); n == 0 || s.stages[n-1] != p.Stage {
		s.stages = append(s.stages, p.Stage)
	}
	return nil
}

func (s *fakeStore) MarkJobError(_ context.Context, p db.MarkJobErrorParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, p.Message)
	if j := s.job(p.ID); j != nil && j.RunID == p.RunID {
		j.Stage, j.Status = db.JobStageError, db.JobStatusError
		msg := p.Message
		j.LastError = &msg
	}
	return nil
}

func (s *fakeStore) MarkJobDone(_ context.Context, p db.MarkJobDoneParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.job(p.ID); j != nil && j.RunID == p.RunID {
		j.Stage, j.Status = db.JobStageDone, db.JobStatusDone
		j.Progress, j.OverallProgress = 100, 100
		j.Degraded, j.FailedStages = p.Degraded, p.FailedStages
		s.stages = append(s.stages, db.JobStageDone)
	}
	return nil
}

func (s *fakeStore) GetJobByID(_ context.Context, id pgtype.UUID) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.job(id); j != nil {
		cp := *j
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) GetFolderByPath(_ context.Context, path string) (*db.Folder, error) {
	for _, f := range s.folders {
		if f.Path == filepath.Clean(path) {
			return f, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *fakeStore) FindFolderForVideo(_ context.Context, videoPath string) (*db.Folder, error) {
	var best *db.Folder
	for _, f := range s.folders {
		if strings.HasPrefix(videoPath, strings.TrimSuffix(f.Path, "/")+"/") && (best == nil || len(f.Path) > len(best.Path)) {
			best = f
		}
	}
	if best == nil {
		return nil, pgx.ErrNoRows
	}
	return best, nil
}

func (s *fakeStore) SubmitJob(_ context.Context, p db.SubmitJobParams) (*db.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.VideoPath == p.VideoPath {
			j.RunID = db.NewUUID()
			j.Stage, j.Status, j.Progress, j.OverallProgress = db.JobStageStarting, db.JobStatusPending, 0, 0
			j.Priority = p.Priority
			cp := *j
			return &cp, nil
		}
	}
	j := &db.Job{
		ID: db.NewUUID(), RunID: db.NewUUID(), VideoPath: p.VideoPath, FolderID: p.FolderID,
		Stage: db.JobStageStarting, Status: db.JobStatusPending, Priority: p.Priority,
		ForceReindexing: p.ForceReindexing,
	}
	s.jobs[db.UUIDString(j.ID)] = j
	cp := *j
	return &cp, nil
}

func (s *fakeStore) ListJobVideoPathsByFolder(_ context.Context, folderID pgtype.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, j := range s.jobs {
		if j.FolderID == folderID {
			out = append(out, j.VideoPath)
		}
	}
	return out, nil
}

func (s *fakeStore) TouchFolderScanned(context.Context, pgtype.UUID) error { return nil }

type enqueued struct {
	Queue   string
	Payload Payload
	Opts    queue.EnqueueOptions
}

// fakeQueue keeps tasks FIFO and honours task id dedupe while a task is queued.
// failOnce makes the next enqueue onto a queue fail with the given error.
type fakeQueue struct {
	mu       sync.Mutex
	tasks    []enqueued
	all      []enqueued
	failOnce map[string]error
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, payload any, opts queue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := payload.(Payload)
	if !ok {
		return errors.New("unexpected payload type")
	}
	if err, fail := q.failOnce[name]; fail {
		delete(q.failOnce, name)
		return err
	}
	for _, t := range q.tasks {
		if opts.TaskID != "" && t.Opts.TaskID == opts.TaskID {
			return nil
		}
	}
	e := enqueued{Queue: name, Payload: p, Opts: opts}
	q.tasks = append(q.tasks, e)
	q.all = append(q.all, e)
	return nil
}

func (q *fakeQueue) pop() (enqueued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return enqueued{}, false
	}
	e := q.tasks[0]
	q.tasks = q.tasks[1:]
	return e, true
}

func (q *fakeQueue) queued(name string) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, t := range q.tasks {
		if t.Queue == name {
			out = append(out, t)
		}
	}
	return out
}

type fakeML struct {
	mu             sync.Mutex
	transcribes    int
	analyses       int
	frames         []scenes.AnalyzedFrame
	progressJobIDs []string
}

func (m *fakeML) Transcribe(_ context.Context, _, out, jobID string, onProgress func(float64)) error {
	m.mu.Lock()
	m.transcribes++
	m.progressJobIDs = append(m.progressJobIDs, jobID)
	m.mu.Unlock()
	onProgress(0.5)
	return writeJSON(out, scenes.Transcription{Text: "hello", Segments: []scenes.Segment{{Start: 0, End: 5, Text: "hello"}}})
}

func (m *fakeML) AnalyzeFrames(_ context.Context, _, out, _ string, onProgress func(float64)) error {
	m.mu.Lock()
	m.analyses++
	frames := m.frames
	m.mu.Unlock()
	onProgress(0.25)
	if frames == nil {
		frames = []scenes.AnalyzedFrame{
			{StartTime: 0, EndTime: 5, Objects: []string{"dog"}, Faces: []scenes.FaceData{{Name: "unknown_0001", Confidence: 0.6}}},
			{StartTime: 5, EndTime: 9, Objects: []string{"car"}, ShotType: "wide"},
		}
	}
	return writeJSON(out, scenes.FrameAnalysis{Duration: 120, Frames: frames})
}

func writeJSON(path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

type fakeEmbedder struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (e *fakeEmbedder) call(kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = map[string]int{}
	}
	e.calls[kind]++
	return e.fail[kind]
}

func (e *fakeEmbedder) EmbedScenes(context.Context, string, []scenes.Scene) error {
	return e.call(queue.TextEmbedding)
}

func (e *fakeEmbedder) EmbedAudioScenes(context.Context, string, []scenes.Scene) error {
	return e.call(queue.AudioEmbedding)
}

func (e *fakeEmbedder) EmbedVisualScenes(context.Context, string, []scenes.Scene) error {
	return e.call(queue.VisualEmbedding)
}

type fakeIndex struct {
	mu      sync.Mutex
	scenes  map[string][]scenes.Scene
	deleted []string
}

func (f *fakeIndex) GetByVideoSource(_ context.Context, _ vectorstore.Collection, source string) ([]scenes.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scenes[source], nil
}

func (f *fakeIndex) DeleteByVideoSource(_ context.Context, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.scenes[source]))
	delete(f.scenes, source)
	f.deleted = append(f.deleted, source)
	return n, nil
}

type fakeImporter struct {
	mu      sync.Mutex
	sources []string
}

func (i *fakeImporter) Reimport(_ context.Context, videoPath string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sources = append(i.sources, videoPath)
	return nil
}

type fakeSuggestions struct{ refreshed int }

func (f *fakeSuggestions) Refresh(context.Context) error {
	f.refreshed++
	return nil
}

type fixedEstimator time.Duration

func (d fixedEstimator) Duration(context.Context, string) (time.Duration, error) {
	return time.Duration(d), nil
}

type harness struct {
	store     *fakeStore
	queue     *fakeQueue
	ml        *fakeML
	embedder  *fakeEmbedder
	index     *fakeIndex
	importer  *fakeImporter
	suggest   *fakeSuggestions
	barrier   *MemoryBarrier
	worker    *Worker
	submitter *Submitter
	root      string
	media     string
}

func newHarness(t *testing.T, duration time.Duration) *harness {
	t.Helper()
	media := t.TempDir()
	h := &harness{
		store:    newFakeStore(media),
		queue:    &fakeQueue{},
		ml:       &fakeML{},
		embedder: &fakeEmbedder{fail: map[string]error{}},
		index:    &fakeIndex{scenes: map[string][]scenes.Scene{}},
		importer: &fakeImporter{},
		suggest:  &fakeSuggestions{},
		barrier:  NewMemoryBarrier(),
		root:     t.TempDir(),
		media:    media,
	}
	h.worker = NewWorker(Deps{
		Jobs:          h.store,
		Queue:         h.queue,
		ML:            h.ml,
		Embedder:      h.embedder,
		Scenes:        h.index,
		Importer:      h.importer,
		Suggestions:   h.suggest,
		Barrier:       h.barrier,
		ArtifactsRoot: h.root,
	})
	h.submitter = NewSubmitter(h.store, h.queue, Prioritizer{Estimator: fixedEstimator(duration)}, h.root,
		map[string]struct{}{".mp4": {}, ".mov": {}})
	return h
}

// run executes one queued task through the real queue handler.
func (h *harness) run(t *testing.T, e enqueued) error {
	t.Helper()
	handler, err := h.worker.Handler(e.Queue)
	require.NoError(t, err)
	body, err := json.Marshal(e.Payload)
	require.NoError(t, err)
	return handler.ProcessTask(context.Background(), asynq.NewTask(e.Queue, body))
}

// drain runs tasks until the queue is empty, returning the errors seen per queue.
func (h *harness) drain(t *testing.T) map[string]error {
	t.Helper()
	errs := map[string]error{}
	for i := 0; i < 100; i++ {
		e, ok := h.queue.pop()
		if !ok {
			return errs
		}
		if err := h.run(t, e); err != nil {
			errs[e.Queue] = err
		}
	}
	t.Fatal("pipeline did not settle")
	return nil
}
