package coordinator

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/daemonerr"
	"mediarchiver/internal/rpcproto"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(tempFolder string) Config {
	return Config{
		ChunkSize:            8,
		VCodec:               "libx265",
		ACodec:               "aac",
		CRF:                  23,
		ABitRate:             "128k",
		TempFolder:           tempFolder,
		FinalExtension:       ".mp4",
		ResultFileSuffix:     "_archived",
		FilenameMatchPattern: regexp.MustCompile(`(?i)\.(mov|mkv|avi|mp4)$`),
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *catalog.Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	require.NoError(t, cat.Init(context.Background(), true))

	c := New(testConfig(dir), cat, testLogger())
	return c, cat, dir
}

func TestAuthenticate_CreatesIdleSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Authenticate(1, "tok-a")

	s, err := c.session(1)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.state)
	assert.Equal(t, "tok-a", s.token)
}

func TestAuthenticate_ReclaimsSessionAcrossConnections(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.Authenticate(1, "tok-a")

	s1, err := c.session(1)
	require.NoError(t, err)
	s1.state = StateDownloading
	s1.reservedSourceID = 42

	c.Authenticate(2, "tok-a")

	_, err = c.session(1)
	assert.Error(t, err, "old connection id must no longer have a session")

	s2, err := c.session(2)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, s2.state)
	assert.EqualValues(t, 42, s2.reservedSourceID)
}

func TestSession_NotAuthenticated(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.GetNextFile(context.Background(), 99, rpcproto.MediaFileRequirements{})
	assert.Error(t, err)
}

// TestFullSession_HappyPath drives getNextFile -> readChunk* -> postFile ->
// writeChunk* end to end and checks the finalizer installs the archive.
func TestFullSession_HappyPath(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	content := []byte("0123456789abcdef") // 16 bytes, chunk size 8 -> two chunks
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: int64(len(content))}, nil, true)
	require.NoError(t, err)

	const connID = uint64(1)
	c.Authenticate(connID, "worker-tok")

	settings, err := c.GetNextFile(ctx, connID, rpcproto.MediaFileRequirements{MaxFileSize: 1 << 20})
	require.NoError(t, err)
	require.EqualValues(t, len(content), settings.FileLength)

	var downloaded []byte
	for {
		hasMore, chunk, err := c.ReadChunk(connID)
		require.NoError(t, err)
		downloaded = append(downloaded, chunk...)
		if !hasMore {
			break
		}
	}
	assert.Equal(t, content, downloaded)

	encoded := []byte("encoded-output")
	err = c.PostFile(ctx, connID, rpcproto.EncodingResultInfo{
		Status:     rpcproto.ResultOK,
		FileLength: int64(len(encoded)),
	})
	require.NoError(t, err)

	for off := 0; off < len(encoded); off += 5 {
		end := off + 5
		if end > len(encoded) {
			end = len(encoded)
		}
		_, err := c.WriteChunk(ctx, connID, encoded[off:end])
		require.NoError(t, err)
	}

	// Drain the finalizer queue synchronously rather than racing a goroutine.
	drainFinalizerOnce(t, c, ctx)

	archivePath := ArchivePath(srcPath, "_archived", ".mp4")
	installed, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Equal(t, encoded, installed)

	s, err := c.session(connID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.state)
	assert.True(t, c.IsIdle())
}

func TestAbort_ReturnsSourceToQueued(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("abcdefgh"), 0o644))

	id, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 8}, nil, true)
	require.NoError(t, err)

	c.Authenticate(1, "tok")
	_, err = c.GetNextFile(ctx, 1, rpcproto.MediaFileRequirements{})
	require.NoError(t, err)

	require.NoError(t, c.Abort(ctx, 1))

	res, err := cat.ReserveNext(ctx, catalog.Filter{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, id, res.SourceID)

	s, err := c.session(1)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.state)
	assert.False(t, s.hasOpenStreams())
}

func TestGetNextFile_WrongState(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()
	srcPath := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("x"), 0o644))
	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 1}, nil, true)
	require.NoError(t, err)

	c.Authenticate(1, "tok")
	_, err = c.GetNextFile(ctx, 1, rpcproto.MediaFileRequirements{})
	require.NoError(t, err)

	_, err = c.GetNextFile(ctx, 1, rpcproto.MediaFileRequirements{})
	assert.Error(t, err, "getNextFile while already Downloading must be rejected")
}

func TestWriteChunk_PastDeclaredLengthIsRejected(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("abcdefgh"), 0o644))
	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 8}, nil, true)
	require.NoError(t, err)

	const connID = uint64(1)
	c.Authenticate(connID, "worker-tok")
	_, err = c.GetNextFile(ctx, connID, rpcproto.MediaFileRequirements{MaxFileSize: 1 << 20})
	require.NoError(t, err)
	for {
		hasMore, _, err := c.ReadChunk(connID)
		require.NoError(t, err)
		if !hasMore {
			break
		}
	}
	require.NoError(t, c.PostFile(ctx, connID, rpcproto.EncodingResultInfo{
		Status:     rpcproto.ResultOK,
		FileLength: 4,
	}))

	// Declared length is 4; writing 5 bytes in one call overruns it.
	_, err = c.WriteChunk(ctx, connID, []byte("12345"))
	require.Error(t, err)
	assert.Equal(t, daemonerr.KindInvalidState, daemonerr.KindOf(err))

	// The rejected write must not have produced a finalizer item nor an
	// archive; the session stays Uploading with its sink still open.
	s, err := c.session(connID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, s.state)
	assert.EqualValues(t, 0, s.bytesWritten)

	archivePath := ArchivePath(srcPath, "_archived", ".mp4")
	_, statErr := os.Stat(archivePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPostFile_PartialReadIsRejected(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("0123456789abcdef"), 0o644)) // 16 bytes, chunk size 8
	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 16}, nil, true)
	require.NoError(t, err)

	const connID = uint64(1)
	c.Authenticate(connID, "worker-tok")
	_, err = c.GetNextFile(ctx, connID, rpcproto.MediaFileRequirements{MaxFileSize: 1 << 20})
	require.NoError(t, err)

	// Read only the first chunk; the source is not fully read yet.
	hasMore, _, err := c.ReadChunk(connID)
	require.NoError(t, err)
	require.True(t, hasMore)

	err = c.PostFile(ctx, connID, rpcproto.EncodingResultInfo{Status: rpcproto.ResultOK, FileLength: 4})
	require.Error(t, err)
	assert.Equal(t, daemonerr.KindInvalidState, daemonerr.KindOf(err))

	// Session stays Downloading; no archive file can have been installed.
	s, err := c.session(connID)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, s.state)

	archivePath := ArchivePath(srcPath, "_archived", ".mp4")
	_, statErr := os.Stat(archivePath)
	assert.True(t, os.IsNotExist(statErr))
}

// TestReset_MidDownloadReplaysFromStart is the S2 retry scenario from spec
// §8: a worker that reset()s mid-download (e.g. after a transport hiccup)
// must see the same first bytes again, and the session must still complete
// normally afterward.
func TestReset_MidDownloadReplaysFromStart(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	content := []byte("0123456789abcdef") // 16 bytes, chunk size 8
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))
	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: int64(len(content))}, nil, true)
	require.NoError(t, err)

	const connID = uint64(1)
	c.Authenticate(connID, "worker-tok")
	_, err = c.GetNextFile(ctx, connID, rpcproto.MediaFileRequirements{MaxFileSize: 1 << 20})
	require.NoError(t, err)

	hasMore, firstChunk, err := c.ReadChunk(connID)
	require.NoError(t, err)
	require.True(t, hasMore)
	assert.Equal(t, content[:8], firstChunk)

	require.NoError(t, c.Reset(connID))

	s, err := c.session(connID)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, s.state)
	assert.EqualValues(t, 0, s.bytesRead)

	var downloaded []byte
	for {
		hasMore, chunk, err := c.ReadChunk(connID)
		require.NoError(t, err)
		downloaded = append(downloaded, chunk...)
		if !hasMore {
			break
		}
	}
	assert.Equal(t, content, downloaded, "reset must replay the exact same bytes")

	require.NoError(t, c.PostFile(ctx, connID, rpcproto.EncodingResultInfo{
		Status:     rpcproto.ResultOK,
		FileLength: 4,
	}))
	_, err = c.WriteChunk(ctx, connID, []byte("done"))
	require.NoError(t, err)
	drainFinalizerOnce(t, c, ctx)

	archivePath := ArchivePath(srcPath, "_archived", ".mp4")
	installed, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), installed)
}

// TestReset_MidUploadTruncatesAndReplays exercises the upload-side half of
// the same retry scenario: a worker that reset()s mid-write must be able to
// rewrite the upload from scratch, and the previously-written bytes must
// not leak into the final archive.
func TestReset_MidUploadTruncatesAndReplays(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()

	srcPath := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("abcdefgh"), 0o644))
	_, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 8}, nil, true)
	require.NoError(t, err)

	const connID = uint64(1)
	c.Authenticate(connID, "worker-tok")
	_, err = c.GetNextFile(ctx, connID, rpcproto.MediaFileRequirements{MaxFileSize: 1 << 20})
	require.NoError(t, err)
	for {
		hasMore, _, err := c.ReadChunk(connID)
		require.NoError(t, err)
		if !hasMore {
			break
		}
	}
	require.NoError(t, c.PostFile(ctx, connID, rpcproto.EncodingResultInfo{
		Status:     rpcproto.ResultOK,
		FileLength: 4,
	}))

	// Worker writes a partial, wrong chunk (declared length is 4) then
	// notices the mistake before finishing and resets mid-upload.
	more, err := c.WriteChunk(ctx, connID, []byte("wr"))
	require.NoError(t, err)
	assert.True(t, more)

	s, err := c.session(connID)
	require.NoError(t, err)
	require.Equal(t, StateUploading, s.state)

	require.NoError(t, c.Reset(connID))

	sAfterReset, err := c.session(connID)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, sAfterReset.state)
	assert.EqualValues(t, 0, sAfterReset.bytesWritten)

	more, err = c.WriteChunk(ctx, connID, []byte("done"))
	require.NoError(t, err)
	assert.False(t, more)

	drainFinalizerOnce(t, c, ctx)

	archivePath := ArchivePath(srcPath, "_archived", ".mp4")
	installed, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), installed, "truncated rewrite after reset must not leave stale bytes")
}

func TestStop_ForcedAbandonsSessionsAndResetsQueue(t *testing.T) {
	c, cat, dir := newTestCoordinator(t)
	ctx := context.Background()
	srcPath := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("x"), 0o644))
	id, err := cat.AddFile(ctx, &catalog.BasicFile{Path: srcPath, Size: 1}, nil, true)
	require.NoError(t, err)

	c.Authenticate(1, "tok")
	_, err = c.GetNextFile(ctx, 1, rpcproto.MediaFileRequirements{})
	require.NoError(t, err)

	c.Stop(true)
	assert.True(t, c.StopRequested())

	res, err := cat.ReserveNext(ctx, catalog.Filter{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, id, res.SourceID)
}

// drainFinalizerOnce runs RunFinalizer's body until the queue is empty,
// without requiring a concurrent goroutine + stop handshake.
func drainFinalizerOnce(t *testing.T, c *Coordinator, ctx context.Context) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.finalize(ctx, item)
	}
	t.Fatal("finalizer queue did not drain")
}
