package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"thirdcoast.systems/sceneindex/pkg/utils/filename"
)

var artifactNamespace = uuid.MustParse("a8f3c1d2-6b4e-5f70-9c2d-1e8b7a6f5d40")

// Artifacts are the deterministic stage outputs of one video.
type Artifacts struct {
	Dir           string
	Analysis      string
	Transcription string
	Scenes        string
}

// ArtifactPaths derives stable artifact locations from the source path:
// <root>/<uuidv5(path)>/<base>.{analysis,transcription,scenes}.json.
func ArtifactPaths(root, videoPath string) Artifacts {
	clean := filepath.Clean(videoPath)
	key := uuid.NewSHA1(artifactNamespace, []byte(clean)).String()

	base := filename.Stem(clean, 80, "video")
	dir := filepath.Join(root, key)
	return Artifacts{
		Dir:           dir,
		Analysis:      filepath.Join(dir, base+".analysis.json"),
		Transcription: filepath.Join(dir, base+".transcription.json"),
		Scenes:        filepath.Join(dir, base+".scenes.json"),
	}
}

// Gate reports whether a stage may skip recomputation. Existence only; no
// content hashing.
func Gate(path string, force bool) bool {
	if force || path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// produceFile runs write against a temp sibling of path and renames it into
// place on success, so a crash never leaves a half-written artifact behind.
func produceFile(path string, write func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString()[:8])
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if _, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("artifact %s not produced: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v to path via write-then-rename.
func WriteJSONAtomic(path string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return produceFile(path, func(tmp string) error {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(body); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	})
}

// ReadJSON decodes the artifact at path into v.
func ReadJSON(path string, v any) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
