package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podpub/internal/app/podpub/podcast"
)

func writeInbox(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
}

func TestFilesFindEpisodes(t *testing.T) {
	dir := t.TempDir()
	writeInbox(t, dir, map[string][]byte{
		"b-second.wav": pcmWav(1),
		"a-first.MP3":  mpegFrames(10),
		"notes.txt":    []byte("not audio"),
		".hidden.wav":  pcmWav(1),
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "published"), 0o755))

	f := &Files{}
	files, err := f.FindEpisodes(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a-first.MP3", files[0].Name)
	assert.Equal(t, "audio/mpeg", files[0].MimeType)
	assert.Equal(t, int64(4170), files[0].Size)
	assert.Equal(t, "b-second.wav", files[1].Name)
	assert.Equal(t, "audio/wav", files[1].MimeType)
	assert.Equal(t, filepath.Join(dir, "b-second.wav"), files[1].Path)

	require.NoError(t, f.MarkPublished(files[1]))
	_, err = os.Stat(filepath.Join(dir, "published", "b-second.wav"))
	assert.NoError(t, err)
	_, err = os.Stat(files[1].Path)
	assert.True(t, os.IsNotExist(err))

	_, err = f.FindEpisodes(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestProcessorUpdate(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	dir := t.TempDir()
	writeInbox(t, dir, map[string][]byte{
		"01-intro.wav":  pcmWav(2),
		"02-broken.wav": []byte("no riff header here"),
		"03-outro.wav":  pcmWav(3),
	})

	count, err := p.Update(context.Background(), dir, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	doc := liveDoc(t, store, "p1")
	require.Len(t, doc.Items, 2)
	assert.Equal(t, "03-outro", doc.Items[0].Title)
	assert.Equal(t, "01-intro", doc.Items[1].Title)

	// the rejected file stays in the inbox
	left, err := p.Files.FindEpisodes(dir)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "02-broken.wav", left[0].Name)

	published, err := os.ReadDir(filepath.Join(dir, "published"))
	require.NoError(t, err)
	assert.Len(t, published, 2)
}

func TestProcessorUpdateStopsOnStorageFailure(t *testing.T) {
	p, store, _ := prepProcessor(t, "p1")
	store.fault = func(path string, _ int) (bool, error) {
		if strings.HasPrefix(path, "audio/") {
			return false, &podcast.StorageError{Op: "put", Path: path, Err: errors.New("access denied")}
		}
		return true, nil
	}
	dir := t.TempDir()
	writeInbox(t, dir, map[string][]byte{"01.wav": pcmWav(1), "02.wav": pcmWav(1)})

	count, err := p.Update(context.Background(), dir, "p1")
	require.Error(t, err)
	assert.Equal(t, int64(0), count)
	assert.Equal(t, 1, store.putCount("audio/testUser/p1/20260501-100000.wav"))

	left, err := p.Files.FindEpisodes(dir)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
