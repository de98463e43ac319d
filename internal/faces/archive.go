// Package faces manages the on-disk face artifacts: unknown-face descriptor
// and crop pairs in a staging directory, one directory per known person, and
// the JSON face-recognition cache derived from the known tree.
package faces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

var (
	ErrDescriptorNotFound = errors.New("face descriptor not found")
	ErrInvalidName        = errors.New("invalid person name")
	ErrOutsideArchive     = errors.New("path escapes the face archive")
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// Descriptor is the JSON file face detection writes next to each unknown crop.
type Descriptor struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	SceneID   string    `json:"sceneId,omitempty"`
	VideoPath string    `json:"videoPath"`
	Label     string    `json:"label"`
	ImageFile string    `json:"imageFile"`
	Timestamp float64   `json:"timestamp"`
	Frame     int       `json:"frame"`
	BBox      []float64 `json:"bbox,omitempty"`

	// File is the descriptor's own path; not serialised.
	File string `json:"-"`
}

// Placeholder is the label scenes carry for this face until it is named.
func (d Descriptor) Placeholder() string {
	if d.Label != "" {
		return d.Label
	}
	return "unknown_" + d.ID
}

type Archive struct {
	KnownDir   string
	UnknownDir string
	CacheFile  string
}

func NewArchive(knownDir, unknownDir, cacheFile string) *Archive {
	return &Archive{KnownDir: knownDir, UnknownDir: unknownDir, CacheFile: cacheFile}
}

// ValidName rejects names that cannot be a single directory component.
func ValidName(name string) error {
	n := strings.TrimSpace(name)
	if n == "" || n == "." || n == ".." || n != name || strings.ContainsAny(n, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// unknownPath resolves a descriptor or crop reference inside UnknownDir.
// Bare names are joined to the directory; absolute paths must lie within it.
func (a *Archive) unknownPath(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrOutsideArchive)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.UnknownDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(filepath.Clean(a.UnknownDir), p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrOutsideArchive, ref)
	}
	return p, nil
}

// ReadDescriptor loads jsonFile. A missing file yields ErrDescriptorNotFound.
func (a *Archive) ReadDescriptor(jsonFile string) (*Descriptor, error) {
	p, err := a.unknownPath(jsonFile)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, jsonFile)
	}
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", jsonFile, err)
	}
	d.File = p
	if d.ImageFile == "" {
		d.ImageFile = strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)) + ".jpg"
	}
	return &d, nil
}

// AcceptCrop moves the descriptor's crop into person's directory. A crop that
// is already gone counts as moved.
func (a *Archive) AcceptCrop(d *Descriptor, person string) error {
	if err := ValidName(person); err != nil {
		return err
	}
	src, err := a.unknownPath(d.ImageFile)
	if err != nil {
		return err
	}
	dir := filepath.Join(a.KnownDir, person)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create person dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := moveOrCopyFile(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("crop already moved", "src", src, "person", person)
			return nil
		}
		return fmt.Errorf("move crop %s: %w", src, err)
	}
	return nil
}

// RemoveDescriptor deletes the descriptor file. Already deleted is fine.
func (a *Archive) RemoveDescriptor(d *Descriptor) error {
	return removeIfExists(d.File)
}

// RemovePair deletes a descriptor and its crop; either may already be gone.
func (a *Archive) RemovePair(jsonFile, imageFile string) error {
	var errs []error
	for _, ref := range []string{jsonFile, imageFile} {
		if ref == "" {
			continue
		}
		p, err := a.unknownPath(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, removeIfExists(p))
	}
	return errors.Join(errs...)
}

// RenamePerson moves the whole directory of old to name. It does nothing and
// reports false when the destination exists or the source is missing.
func (a *Archive) RenamePerson(old, name string) (bool, error) {
	if err := ValidName(old); err != nil {
		return false, err
	}
	if err := ValidName(name); err != nil {
		return false, err
	}
	src := filepath.Join(a.KnownDir, old)
	dst := filepath.Join(a.KnownDir, name)
	if _, err := os.Stat(dst); err == nil {
		slog.Info("person directory already exists, skipping move", "from", old, "to", name)
		return false, nil
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Rename(src, dst); err != nil {
		return false, fmt.Errorf("rename person dir %s -> %s: %w", old, name, err)
	}
	return true, nil
}

// RebuildCache walks the known tree and rewrites the cache file as
// {"<person>": ["<abs crop path>", ...]}. The write replaces the previous
// cache in one rename, so readers never see a partial file.
func (a *Archive) RebuildCache(ctx context.Context) error {
	cache := map[string][]string{}
	entries, err := os.ReadDir(a.KnownDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read known faces: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(a.KnownDir, e.Name())
		crops, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		paths := []string{}
		for _, c := range crops {
			if c.IsDir() || !imageExts[strings.ToLower(filepath.Ext(c.Name()))] {
				continue
			}
			abs, err := filepath.Abs(filepath.Join(dir, c.Name()))
			if err != nil {
				return err
			}
			paths = append(paths, abs)
		}
		sort.Strings(paths)
		cache[e.Name()] = paths
	}

	body, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(a.CacheFile, body); err != nil {
		return fmt.Errorf("write face cache: %w", err)
	}
	slog.Info("face cache rebuilt", "people", len(cache), "size", humanize.Bytes(uint64(len(body))))
	return nil
}

func writeFileAtomic(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// moveOrCopyFile renames, falling back to copy and delete across devices.
func moveOrCopyFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	_ = os.Remove(src)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}
