package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Init(context.Background(), true))
	return c
}

func TestInit_EmptyDatabaseWithoutCreate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(dbPath)
	require.NoError(t, err)
	defer c.Close()

	err = c.Init(context.Background(), false)
	assert.ErrorIs(t, err, ErrEmptyDatabase)
}

func TestAddFile_DiscoveryIsIdempotent(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id1, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	id2, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)

	var count int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT count(*) FROM queue WHERE source_id = ?`, id1).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestReserveNext_PicksQueuedSource(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	res, err := c.ReserveNext(ctx, Filter{MaxFileSize: 100 * 1024 * 1024})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, id, res.SourceID)
	assert.Equal(t, "/m/a.mov", res.Path)
	assert.EqualValues(t, 1000, res.Size)

	var status int8
	var count int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status, count FROM queue WHERE source_id = ?`, id).Scan(&status, &count))
	assert.Equal(t, StatusStarted, status)
	assert.Equal(t, 1, count)
}

func TestReserveNext_NoneAvailable(t *testing.T) {
	c := openTestCatalog(t)
	res, err := c.ReserveNext(context.Background(), Filter{MaxFileSize: 1024})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestReserveNext_HonorsSizeFilter(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()
	_, err := c.AddFile(ctx, &BasicFile{Path: "/m/big.mov", Size: 1_000_000}, nil, true)
	require.NoError(t, err)

	res, err := c.ReserveNext(ctx, Filter{MaxFileSize: 1000})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestReserveNext_RetryCap(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/flaky.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	for i := 0; i < MaxRetries; i++ {
		res, err := c.ReserveNext(ctx, Filter{})
		require.NoError(t, err)
		require.NotNil(t, res, "attempt %d should still be offered", i)
		require.Equal(t, id, res.SourceID)
		require.NoError(t, c.AddEncoded(ctx, EncodedFile{SourceID: id, Status: StatusRetriableError, Error: "flaky"}))
	}

	res, err := c.ReserveNext(ctx, Filter{})
	require.NoError(t, err)
	assert.Nil(t, res, "a source with %d retriable attempts must not be offered again", MaxRetries)
}

func TestAddEncoded_OKInstallsArchive(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	require.NoError(t, c.AddEncoded(ctx, EncodedFile{SourceID: id, Path: "/m/a_archived.mp4", Status: StatusOK, Length: 700}))

	var archivePath string
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT path FROM archives WHERE source_id = ?`, id).Scan(&archivePath))
	assert.Equal(t, "/m/a_archived.mp4", archivePath)

	var status int8
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status FROM queue WHERE source_id = ?`, id).Scan(&status))
	assert.Equal(t, StatusOK, status)
}

func TestAddEncoded_PermanentErrorCreatesNoArchive(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/bad.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	require.NoError(t, c.AddEncoded(ctx, EncodedFile{SourceID: id, Status: StatusPermanentError, Error: "bad codec"}))

	var n int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT count(*) FROM archives WHERE source_id = ?`, id).Scan(&n))
	assert.Equal(t, 0, n)

	var status int8
	var comment string
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status, comment FROM queue WHERE source_id = ?`, id).Scan(&status, &comment))
	assert.Equal(t, StatusPermanentError, status)
	assert.Equal(t, "bad codec", comment)
}

func TestReset_PreservesCount(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	_, err = c.ReserveNext(ctx, Filter{})
	require.NoError(t, err)

	require.NoError(t, c.Reset(ctx, id))

	var status int8
	var count int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status, count FROM queue WHERE source_id = ?`, id).Scan(&status, &count))
	assert.Equal(t, StatusQueued, status)
	assert.Equal(t, 1, count)
}

func TestAddFile_PromotesExistingQueuedRowToOKWhenArchiveFound(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	// Source discovered (e.g. on a prior daemon run) and left Queued; the
	// worker never touched it before this run's watcher sees its archive.
	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, nil, true)
	require.NoError(t, err)

	var status int8
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status FROM queue WHERE source_id = ?`, id).Scan(&status))
	require.Equal(t, StatusQueued, status)

	id2, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, &BasicFile{Path: "/m/a_archived.mp4", Size: 700}, false)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status FROM queue WHERE source_id = ?`, id).Scan(&status))
	assert.Equal(t, StatusOK, status, "queue row must be promoted to OK, not left Queued and re-offered by ReserveNext")

	res, err := c.ReserveNext(ctx, Filter{})
	require.NoError(t, err)
	assert.Nil(t, res, "an archived source must not be offered for re-encoding")
}

func TestAddFile_ArchiveNoOpWhenSameLink(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	id, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, &BasicFile{Path: "/m/a_archived.mp4", Size: 700}, false)
	require.NoError(t, err)

	id2, err := c.AddFile(ctx, &BasicFile{Path: "/m/a.mov", Size: 1000}, &BasicFile{Path: "/m/a_archived.mp4", Size: 700}, false)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	var n int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT count(*) FROM archives WHERE source_id = ?`, id).Scan(&n))
	assert.Equal(t, 1, n)

	var status int8
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT status FROM queue WHERE source_id = ?`, id).Scan(&status))
	assert.Equal(t, StatusOK, status)
}
