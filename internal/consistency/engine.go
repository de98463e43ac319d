// Package consistency applies face corrections across every store that
// carries face labels: the scene collections, the catalog, the face archive
// on disk, the face-recognition cache and the suggestion cache.
//
// Each operation locates the affected scenes, mutates them in place,
// re-embeds and writes them back to the primary collection, reimports every
// affected video once, then touches the filesystem and finally refreshes the
// derived caches. Every step converges when repeated, so a failed operation
// is returned to the queue and retried as a whole.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/faces"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

var (
	ErrUnresolvedVideo = errors.New("cannot resolve the video of a face descriptor")
	ErrNoScenesForIDs  = errors.New("no scenes found for requested ids")
)

// SceneStore is the slice of *vectorstore.Store the engine reads and patches.
type SceneStore interface {
	GetByVideoSource(ctx context.Context, c vectorstore.Collection, source string) ([]scenes.Scene, error)
	GetByFace(ctx context.Context, c vectorstore.Collection, label string) ([]scenes.Scene, error)
	GetVideoWithScenesBySceneIDs(ctx context.Context, ids []string) ([]vectorstore.VideoScenes, error)
	UpdateMetadata(ctx context.Context, c vectorstore.Collection, list []scenes.Scene) error
}

// Reembedder regenerates text embeddings and writes scenes back to the
// primary collection. *vectorstore.Indexer satisfies it.
type Reembedder interface {
	ReembedText(ctx context.Context, list []scenes.Scene) error
}

type Importer interface {
	Reimport(ctx context.Context, videoPath string) error
}

type SuggestionRefresher interface {
	Refresh(ctx context.Context) error
}

type JobLookup interface {
	GetJobByID(ctx context.Context, id pgtype.UUID) (*db.Job, error)
}

// VideoLocker serialises corrections on one video. *db.VideoLocker
// satisfies it.
type VideoLocker interface {
	Lock(ctx context.Context, videoPath string) (func(), error)
}

type Deps struct {
	Scenes      SceneStore
	Embedder    Reembedder
	Importer    Importer
	Archive     *faces.Archive
	Suggestions SuggestionRefresher
	Jobs        JobLookup
	Locker      VideoLocker
}

type Engine struct {
	scenes      SceneStore
	embedder    Reembedder
	importer    Importer
	archive     *faces.Archive
	suggestions SuggestionRefresher
	jobs        JobLookup
	locker      VideoLocker
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		scenes:      d.Scenes,
		embedder:    d.Embedder,
		importer:    d.Importer,
		archive:     d.Archive,
		suggestions: d.Suggestions,
		jobs:        d.Jobs,
		locker:      d.Locker,
	}
}

// Result reports what an operation touched.
type Result struct {
	UpdatedSceneIDs []string `json:"updatedSceneIds"`
	Videos          []string `json:"videos"`
	DirectoryMoved  bool     `json:"directoryMoved,omitempty"`
}

func newResult() *Result {
	return &Result{UpdatedSceneIDs: []string{}, Videos: []string{}}
}

type LabelRequest struct {
	Name  string   `json:"name" validate:"required"`
	Faces []string `json:"faces" validate:"required,min=1,dive,required"`
}

type DeleteRequest struct {
	JSONFile  string `json:"jsonFile" validate:"required"`
	ImageFile string `json:"imageFile"`
}

type RenameRequest struct {
	Name    string `json:"name" validate:"required"`
	NewName string `json:"newName" validate:"required,nefield=Name"`
}

// Label names unknown faces. Descriptors that no longer exist were labelled
// by an earlier run and are skipped.
func (e *Engine) Label(ctx context.Context, req LabelRequest) (*Result, error) {
	if err := faces.ValidName(req.Name); err != nil {
		return nil, err
	}

	var (
		order   []string
		byVideo = map[string][]*faces.Descriptor{}
		all     []*faces.Descriptor
	)
	for _, ref := range req.Faces {
		d, err := e.archive.ReadDescriptor(ref)
		if errors.Is(err, faces.ErrDescriptorNotFound) {
			slog.Info("face descriptor already processed", "json_file", ref, "name", req.Name)
			continue
		}
		if err != nil {
			return nil, err
		}
		video, err := e.resolveVideo(ctx, d)
		if err != nil {
			return nil, err
		}
		if _, seen := byVideo[video]; !seen {
			order = append(order, video)
		}
		byVideo[video] = append(byVideo[video], d)
		all = append(all, d)
	}

	res := newResult()
	for _, video := range order {
		descs := byVideo[video]
		ids, err := e.relabelVideo(ctx, video, func(s *scenes.Scene) bool {
			changed := false
			for _, d := range descs {
				if s.RenameFace(d.Placeholder(), req.Name) {
					changed = true
				}
			}
			return changed
		})
		if err != nil {
			return nil, e.fail("label", video, err)
		}
		res.UpdatedSceneIDs = append(res.UpdatedSceneIDs, ids...)
		res.Videos = append(res.Videos, video)
	}

	for _, d := range all {
		if err := e.archive.AcceptCrop(d, req.Name); err != nil {
			return nil, e.fail("label", d.VideoPath, err)
		}
		if err := e.archive.RemoveDescriptor(d); err != nil {
			return nil, e.fail("label", d.VideoPath, err)
		}
	}

	if len(all) > 0 {
		if err := e.refreshCaches(ctx, true); err != nil {
			return nil, err
		}
	}
	slog.Info("faces labelled", "name", req.Name, "faces", len(all), "videos", len(res.Videos), "scenes", len(res.UpdatedSceneIDs))
	return res, nil
}

// Delete removes one unknown face everywhere. A missing descriptor counts as
// an earlier, completed deletion: the leftover crop is removed and an empty
// result returned.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (*Result, error) {
	imageFile := req.ImageFile
	if imageFile == "" {
		imageFile = strings.TrimSuffix(filepath.Base(req.JSONFile), filepath.Ext(req.JSONFile)) + ".jpg"
	}

	d, err := e.archive.ReadDescriptor(req.JSONFile)
	if errors.Is(err, faces.ErrDescriptorNotFound) {
		slog.Info("face descriptor already deleted, removing orphaned crop", "json_file", req.JSONFile, "image_file", imageFile)
		if err := e.archive.RemovePair("", imageFile); err != nil {
			return nil, err
		}
		return newResult(), nil
	}
	if err != nil {
		return nil, err
	}

	video, err := e.resolveVideo(ctx, d)
	if err != nil {
		return nil, err
	}
	label := d.Placeholder()
	ids, err := e.relabelVideo(ctx, video, func(s *scenes.Scene) bool {
		return s.RemoveFace(label)
	})
	if err != nil {
		return nil, e.fail("delete", video, err)
	}

	if d.ImageFile != "" {
		imageFile = d.ImageFile
	}
	if err := e.archive.RemovePair(req.JSONFile, imageFile); err != nil {
		return nil, e.fail("delete", video, err)
	}
	if err := e.refreshCaches(ctx, false); err != nil {
		return nil, err
	}

	res := newResult()
	res.UpdatedSceneIDs = ids
	res.Videos = []string{video}
	slog.Info("face deleted", "label", label, "video_path", video, "scenes", len(ids))
	return res, nil
}

// Rename moves every scene label and the archive directory of one person to
// a new name. When the destination directory already exists the move is
// skipped and the relabel still completes.
func (e *Engine) Rename(ctx context.Context, req RenameRequest) (*Result, error) {
	if err := faces.ValidName(req.Name); err != nil {
		return nil, err
	}
	if err := faces.ValidName(req.NewName); err != nil {
		return nil, err
	}

	videos, err := e.videosWithFace(ctx, req.Name, req.NewName)
	if err != nil {
		return nil, err
	}

	res := newResult()
	for _, video := range videos {
		ids, err := e.relabelVideo(ctx, video, func(s *scenes.Scene) bool {
			return s.RenameFace(req.Name, req.NewName)
		})
		if err != nil {
			return nil, e.fail("rename", video, err)
		}
		res.UpdatedSceneIDs = append(res.UpdatedSceneIDs, ids...)
		res.Videos = append(res.Videos, video)
	}

	moved, err := e.archive.RenamePerson(req.Name, req.NewName)
	if err != nil {
		return nil, e.fail("rename", "", err)
	}
	res.DirectoryMoved = moved

	if err := e.refreshCaches(ctx, true); err != nil {
		return nil, err
	}
	slog.Info("face renamed", "from", req.Name, "to", req.NewName, "videos", len(res.Videos), "scenes", len(res.UpdatedSceneIDs), "directory_moved", moved)
	return res, nil
}

// videosWithFace finds the videos to touch through the label index. Videos
// already carrying the new name are included so a retry after a partial
// failure still reimports them.
func (e *Engine) videosWithFace(ctx context.Context, labels ...string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, label := range labels {
		list, err := e.scenes.GetByFace(ctx, vectorstore.Primary, label)
		if err != nil {
			return nil, fmt.Errorf("find scenes with face %s: %w", label, err)
		}
		for _, s := range list {
			if !seen[s.Source] {
				seen[s.Source] = true
				out = append(out, s.Source)
			}
		}
	}
	return out, nil
}

// relabelVideo applies mutate to every scene of video under the video lock,
// writes back the changed ones and reimports the video. The reimport runs
// even when nothing changed so an interrupted earlier attempt converges.
func (e *Engine) relabelVideo(ctx context.Context, video string, mutate func(*scenes.Scene) bool) ([]string, error) {
	if e.locker != nil {
		unlock, err := e.locker.Lock(ctx, video)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	list, err := e.scenes.GetByVideoSource(ctx, vectorstore.Primary, video)
	if err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	var changed []scenes.Scene
	ids := []string{}
	for i := range list {
		if mutate(&list[i]) {
			changed = append(changed, list[i])
			ids = append(ids, list[i].ID)
		}
	}
	if len(changed) > 0 {
		if err := e.embedder.ReembedText(ctx, changed); err != nil {
			return nil, fmt.Errorf("re-embed %d scenes: %w", len(changed), err)
		}
		// visual and audio vectors do not depend on labels; only their
		// metadata is patched
		for _, c := range vectorstore.Collections() {
			if c == vectorstore.Primary {
				continue
			}
			if err := e.scenes.UpdateMetadata(ctx, c, changed); err != nil {
				return nil, fmt.Errorf("update %s metadata: %w", c, err)
			}
		}
	}
	if err := e.importer.Reimport(ctx, video); err != nil {
		return nil, err
	}
	return ids, nil
}

// resolveVideo finds the video a descriptor was cut from: its own path, then
// the scene it was detected in, then its job.
func (e *Engine) resolveVideo(ctx context.Context, d *faces.Descriptor) (string, error) {
	if d.VideoPath != "" {
		return d.VideoPath, nil
	}
	if d.SceneID != "" {
		found, err := e.scenes.GetVideoWithScenesBySceneIDs(ctx, []string{d.SceneID})
		if err != nil {
			return "", fmt.Errorf("resolve scene %s: %w", d.SceneID, err)
		}
		if len(found) > 0 {
			return found[0].Source, nil
		}
		if d.JobID == "" {
			return "", fmt.Errorf("%w: scene %s of %s", ErrNoScenesForIDs, d.SceneID, d.File)
		}
	}
	if e.jobs == nil || d.JobID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedVideo, d.File)
	}
	id, err := db.ParseUUID(d.JobID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnresolvedVideo, d.File, err)
	}
	job, err := e.jobs.GetJobByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: job %s: %v", ErrUnresolvedVideo, d.JobID, err)
	}
	return job.VideoPath, nil
}

func (e *Engine) refreshCaches(ctx context.Context, faceCache bool) error {
	if faceCache {
		if err := e.archive.RebuildCache(ctx); err != nil {
			return err
		}
	}
	if e.suggestions != nil {
		if err := e.suggestions.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh suggestions: %w", err)
		}
	}
	return nil
}

func (e *Engine) fail(op, video string, err error) error {
	slog.Error("face correction failed", "operation", op, "video_path", video, "error", err)
	return fmt.Errorf("%s %s: %w", op, video, err)
}
