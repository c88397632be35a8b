package cachefs_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videocache/internal/cachefs"
)

func newManager(t *testing.T) *cachefs.Manager {
	t.Helper()
	return cachefs.NewWithRoot(zerolog.New(io.Discard), t.TempDir())
}

func TestCacheDir_CreatesRootAndHLSSubdir(t *testing.T) {
	m := newManager(t)
	dir, err := m.CacheDir()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	hlsInfo, err := os.Stat(filepath.Join(dir, "hls"))
	require.NoError(t, err)
	assert.True(t, hlsInfo.IsDir())
}

func TestFilePath_IsStableForSameURL(t *testing.T) {
	m := newManager(t)
	url := "https://cdn.example.com/video/1.mp4"

	p1, err := m.FilePath(url)
	require.NoError(t, err)
	p2, err := m.FilePath(url)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, ".mp4", filepath.Ext(p1))
}

func TestEnsureFile_IsIdempotentAndNeverTruncates(t *testing.T) {
	m := newManager(t)
	url := "https://cdn.example.com/video/2.mp4"

	path, err := m.EnsureFile(url)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	path2, err := m.EnsureFile(url)
	require.NoError(t, err)
	assert.Equal(t, path, path2)

	data, err := os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExistsAndDelete(t *testing.T) {
	m := newManager(t)
	url := "https://cdn.example.com/video/3.mp4"

	exists, err := m.Exists(url)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.EnsureFile(url)
	require.NoError(t, err)

	exists, err = m.Exists(url)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.Delete(url))

	exists, err = m.Exists(url)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting an already-absent file is not an error.
	require.NoError(t, m.Delete(url))
}

func TestProbe_ReflectsFileSize(t *testing.T) {
	m := newManager(t)
	url := "https://cdn.example.com/video/4.mp4"

	exists, size := m.Probe(url)
	assert.False(t, exists)
	assert.Zero(t, size)

	path, err := m.EnsureFile(url)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("abcde"), 0o644))

	exists, size = m.Probe(url)
	assert.True(t, exists)
	assert.EqualValues(t, 5, size)
}

func TestEnumerateEntries_FilesAndHLSDirs(t *testing.T) {
	m := newManager(t)
	mp4URL := "https://cdn.example.com/video/5.mp4"
	hlsURL := "https://cdn.example.com/video/5.m3u8"

	path, err := m.EnsureFile(mp4URL)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	hlsDir, err := m.HLSDir(hlsURL)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(hlsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hlsDir, "segment_0.ts"), []byte("01234"), 0o644))

	entries, err := m.EnumerateEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sawFile, sawDir bool
	for _, e := range entries {
		switch e.Kind {
		case cachefs.KindFile:
			sawFile = true
			assert.EqualValues(t, 10, e.Size)
		case cachefs.KindDirectory:
			sawDir = true
			assert.EqualValues(t, 5, e.Size)
		}
	}
	assert.True(t, sawFile)
	assert.True(t, sawDir)
}

func TestDeleteByHashAndDeleteHLSDirByHash(t *testing.T) {
	m := newManager(t)
	mp4URL := "https://cdn.example.com/video/6.mp4"
	hlsURL := "https://cdn.example.com/video/6.m3u8"

	_, err := m.EnsureFile(mp4URL)
	require.NoError(t, err)
	hlsDir, err := m.HLSDir(hlsURL)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(hlsDir, 0o755))

	entries, err := m.EnumerateEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, e := range entries {
		switch e.Kind {
		case cachefs.KindFile:
			require.NoError(t, m.DeleteByHash(e.Hash))
		case cachefs.KindDirectory:
			require.NoError(t, m.DeleteHLSDirByHash(e.Hash))
		}
	}

	entries, err = m.EnumerateEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTotalSize_SumsAcrossFilesAndDirs(t *testing.T) {
	m := newManager(t)
	path, err := m.EnsureFile("https://cdn.example.com/video/7.mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	hlsDir, err := m.HLSDir("https://cdn.example.com/video/7.m3u8")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(hlsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hlsDir, "segment_0.ts"), make([]byte, 50), 0o644))

	total, err := m.TotalSize()
	require.NoError(t, err)
	assert.EqualValues(t, 150, total)
}

func TestClearAll_RecreatesEmptyCacheDir(t *testing.T) {
	m := newManager(t)
	_, err := m.EnsureFile("https://cdn.example.com/video/8.mp4")
	require.NoError(t, err)

	require.NoError(t, m.ClearAll())

	entries, err := m.EnumerateEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
