package faces

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	root := t.TempDir()
	a := NewArchive(filepath.Join(root, "faces"), filepath.Join(root, "unknown"), filepath.Join(root, "faces.json"))
	require.NoError(t, os.MkdirAll(a.UnknownDir, 0o755))
	return a
}

func writeUnknown(t *testing.T, a *Archive, id string) string {
	t.Helper()
	d := Descriptor{ID: id, JobID: "job", VideoPath: "/m/a.mp4", Label: "unknown_" + id, ImageFile: id + ".jpg"}
	body, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(a.UnknownDir, id+".json"), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(a.UnknownDir, id+".jpg"), []byte("jpeg"), 0o644))
	return id + ".json"
}

func TestValidName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, " alice"} {
		require.ErrorIs(t, ValidName(bad), ErrInvalidName, bad)
	}
	require.NoError(t, ValidName("Alice Smith"))
}

func TestReadDescriptor(t *testing.T) {
	a := newArchive(t)
	ref := writeUnknown(t, a, "0042")

	d, err := a.ReadDescriptor(ref)
	require.NoError(t, err)
	require.Equal(t, "unknown_0042", d.Placeholder())
	require.Equal(t, filepath.Join(a.UnknownDir, ref), d.File)

	_, err = a.ReadDescriptor("missing.json")
	require.ErrorIs(t, err, ErrDescriptorNotFound)

	_, err = a.ReadDescriptor("../../etc/passwd")
	require.ErrorIs(t, err, ErrOutsideArchive)
}

func TestAcceptCrop_IsIdempotent(t *testing.T) {
	a := newArchive(t)
	d, err := a.ReadDescriptor(writeUnknown(t, a, "0001"))
	require.NoError(t, err)

	require.NoError(t, a.AcceptCrop(d, "alice"))
	require.FileExists(t, filepath.Join(a.KnownDir, "alice", "0001.jpg"))
	require.NoFileExists(t, filepath.Join(a.UnknownDir, "0001.jpg"))

	require.NoError(t, a.AcceptCrop(d, "alice"))
	require.ErrorIs(t, a.AcceptCrop(d, "../x"), ErrInvalidName)
}

func TestRemovePair_ToleratesMissingFiles(t *testing.T) {
	a := newArchive(t)
	require.NoError(t, os.WriteFile(filepath.Join(a.UnknownDir, "0007.jpg"), []byte("x"), 0o644))

	require.NoError(t, a.RemovePair("0007.json", "0007.jpg"))
	require.NoFileExists(t, filepath.Join(a.UnknownDir, "0007.jpg"))
	require.NoError(t, a.RemovePair("0007.json", "0007.jpg"))
}

func TestRenamePerson(t *testing.T) {
	a := newArchive(t)
	require.NoError(t, os.MkdirAll(filepath.Join(a.KnownDir, "bob"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.KnownDir, "bob", "1.jpg"), []byte("x"), 0o644))

	moved, err := a.RenamePerson("bob", "robert")
	require.NoError(t, err)
	require.True(t, moved)
	require.FileExists(t, filepath.Join(a.KnownDir, "robert", "1.jpg"))

	// source gone
	moved, err = a.RenamePerson("bob", "robert")
	require.NoError(t, err)
	require.False(t, moved)

	// destination exists: nothing is overwritten
	require.NoError(t, os.MkdirAll(filepath.Join(a.KnownDir, "carol"), 0o755))
	moved, err = a.RenamePerson("robert", "carol")
	require.NoError(t, err)
	require.False(t, moved)
	require.FileExists(t, filepath.Join(a.KnownDir, "robert", "1.jpg"))
}

func TestRebuildCache(t *testing.T) {
	a := newArchive(t)
	require.NoError(t, os.MkdirAll(filepath.Join(a.KnownDir, "alice"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(a.KnownDir, ".trash"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.KnownDir, "alice", "b.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(a.KnownDir, "alice", "a.png"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(a.KnownDir, "alice", "notes.txt"), []byte("x"), 0o644))

	require.NoError(t, a.RebuildCache(context.Background()))

	raw, err := os.ReadFile(a.CacheFile)
	require.NoError(t, err)
	var cache map[string][]string
	require.NoError(t, json.Unmarshal(raw, &cache))
	require.Len(t, cache, 1)
	require.Equal(t, []string{
		filepath.Join(a.KnownDir, "alice", "a.png"),
		filepath.Join(a.KnownDir, "alice", "b.jpg"),
	}, cache["alice"])

	leftovers, err := filepath.Glob(a.CacheFile + ".*.tmp")
	require.NoError(t, err)
	require.Empty(t, leftovers)
}
