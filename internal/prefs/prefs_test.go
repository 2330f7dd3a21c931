package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := NewStore(t.TempDir())
	require.Equal(t, Preferences{}, s.Load())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := NewStore(t.TempDir())
	p := Preferences{DefaultDeviceID: "a:dev1", DefaultBackend: "a"}

	s.Save(p)

	require.Equal(t, p, s.Load())
}

func TestLoadMalformedFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "user-settings.json"), []byte("{not json"), 0o600))

	require.Equal(t, Preferences{}, s.Load())
}

func TestSaveCreatesDataDirectory(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "nested", "dir")
	s := NewStore(nested)

	s.Save(Preferences{DefaultBackend: "b"})

	require.FileExists(t, filepath.Join(nested, "user-settings.json"))
}
