package asyncloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallTestConfig() Config {
	return Config{
		QueueDepth:   4,
		NWorkers:     2,
		MaxFileSize:  4096,
		MinDispatchN: 1,
		MaxIdleIters: 8,
	}
}

func TestWorkerRequestWaitGetRoundTrip(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	want := []byte("hello, asyncloader")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	e := requestAndWait(t, w, path)
	defer e.Release()

	gotPath, err := e.GetFilepath()
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)
	assert.Equal(t, StatusOK, e.Status())
	gotData, err := e.GetData()
	require.NoError(t, err)
	assert.Equal(t, want, gotData)
}

func TestWorkerRequestEmptyFile(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	e := requestAndWait(t, w, path)
	defer e.Release()

	assert.Equal(t, StatusOK, e.Status())
	data, err := e.GetData()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWorkerRequestPathTooLong(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	longPath := "/" + string(make([]byte, pathCap+1))
	ok, err := w.Request(longPath)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPathTooLong)
}

func TestEntryReleaseIsReusable(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	for i := 0; i < 10; i++ {
		e := requestAndWait(t, w, path)
		data, err := e.GetData()
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), data)
		require.NoError(t, e.Release())
	}
}

func TestEntryDoubleReleaseFails(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	e := requestAndWait(t, w, path)
	require.NoError(t, e.Release())
	assert.ErrorIs(t, e.Release(), ErrDoubleRelease)
}

func TestEntryUseAfterReleaseIsDetected(t *testing.T) {
	_, w := startTestLoader(t, smallTestConfig())

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	e := requestAndWait(t, w, path)
	require.NoError(t, e.Release())

	_, err := e.GetData()
	assert.ErrorIs(t, err, ErrUseAfterRelease)

	_, err = e.GetFilepath()
	assert.ErrorIs(t, err, ErrUseAfterRelease)
}

func TestMultipleWorkersAreIndependent(t *testing.T) {
	loader, w0 := startTestLoader(t, smallTestConfig())
	w1, err := loader.GetWorkerContext(1)
	require.NoError(t, err)

	dir := t.TempDir()
	p0 := filepath.Join(dir, "a.txt")
	p1 := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(p0, []byte("AAAA"), 0o644))
	require.NoError(t, os.WriteFile(p1, []byte("BBBB"), 0o644))

	e0 := requestAndWait(t, w0, p0)
	e1 := requestAndWait(t, w1, p1)
	defer e0.Release()
	defer e1.Release()

	data0, err := e0.GetData()
	require.NoError(t, err)
	data1, err := e1.GetData()
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), data0)
	assert.Equal(t, []byte("BBBB"), data1)
}

func TestGetWorkerContextRejectsUnknownID(t *testing.T) {
	loader, _ := startTestLoader(t, smallTestConfig())
	_, err := loader.GetWorkerContext(99)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}
