package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/daemonerr"
	"mediarchiver/internal/fileutil"
	"mediarchiver/internal/rpcproto"
)

// GetNextFile reserves the next eligible source from the Catalog and opens
// it for streaming read, moving the session to Downloading. A FileLength of
// 0 in the returned settings is the sentinel for "no job available right
// now" (spec §6.1); the caller is expected to retry later.
func (c *Coordinator) GetNextFile(ctx context.Context, connID uint64, filter rpcproto.MediaFileRequirements) (rpcproto.MediaEncoderSettings, error) {
	s, err := c.session(connID)
	if err != nil {
		return rpcproto.MediaEncoderSettings{}, err
	}

	c.mu.Lock()
	if s.state != StateIdle {
		c.mu.Unlock()
		return rpcproto.MediaEncoderSettings{}, daemonerr.InvalidState(
			fmt.Sprintf("getNextFile called in state %s", s.state))
	}
	c.mu.Unlock()

	reservation, err := c.cat.ReserveNext(ctx, catalog.Filter{
		EncoderType: filter.EncoderType,
		MaxFileSize: filter.MaxFileSize,
	})
	if err != nil {
		return rpcproto.MediaEncoderSettings{}, daemonerr.CatalogError("reserve next", err)
	}
	if reservation == nil {
		return rpcproto.MediaEncoderSettings{FileLength: 0, EncoderType: filter.EncoderType}, nil
	}

	f, err := os.Open(reservation.Path)
	if err != nil {
		return rpcproto.MediaEncoderSettings{}, daemonerr.IO("open source "+reservation.Path, err)
	}
	times, err := fileutil.GetTimes(reservation.Path)
	if err != nil {
		f.Close()
		return rpcproto.MediaEncoderSettings{}, daemonerr.IO("stat source "+reservation.Path, err)
	}

	settings := rpcproto.MediaEncoderSettings{
		FileLength:            reservation.Size,
		EncoderType:           filter.EncoderType,
		FileExtension:         FileExtension(reservation.Path),
		FinalExtension:        c.cfg.FinalExtension,
		CommandLineParameters: CommandLine(c.cfg.VCodec, c.cfg.ACodec, c.cfg.CRF, c.cfg.ABitRate),
	}

	c.mu.Lock()
	s.reservedSourceID = reservation.SourceID
	s.srcPath = reservation.Path
	s.srcTimes = times
	s.dlFile = f
	s.bytesRead = 0
	s.encSettings = settings
	s.state = StateDownloading
	c.mu.Unlock()

	return settings, nil
}

// ReadChunk reads up to the configured chunk size from the session's open
// download stream. has_more is false exactly when this call reaches EOF
// (spec §4.5.1); the session moves to AwaitingResult at that point so a
// repeated read_chunk after EOF is rejected rather than silently returning
// an empty chunk.
func (c *Coordinator) ReadChunk(connID uint64) (bool, []byte, error) {
	s, err := c.session(connID)
	if err != nil {
		return false, nil, err
	}

	c.mu.Lock()
	if s.state != StateDownloading {
		c.mu.Unlock()
		return false, nil, daemonerr.InvalidState(
			fmt.Sprintf("readChunk called in state %s", s.state))
	}
	f := s.dlFile
	c.mu.Unlock()

	buf := make([]byte, c.cfg.ChunkSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, nil, daemonerr.IO("read source "+s.srcPath, err)
	}
	buf = buf[:n]

	c.mu.Lock()
	s.bytesRead += int64(n)
	hasMore := err != io.EOF && s.bytesRead < s.encSettings.FileLength
	if !hasMore {
		s.state = StateAwaitingResult
	}
	c.mu.Unlock()

	return hasMore, buf, nil
}

// Reset seeks the session's currently open stream (download or upload) back
// to the start, for a worker retrying after a transport interruption.
func (c *Coordinator) Reset(connID uint64) error {
	s, err := c.session(connID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case s.dlFile != nil:
		if _, err := s.dlFile.Seek(0, io.SeekStart); err != nil {
			return daemonerr.IO("seek source "+s.srcPath, err)
		}
		s.bytesRead = 0
		s.state = StateDownloading
	case s.ulFile != nil:
		if _, err := s.ulFile.Seek(0, io.SeekStart); err != nil {
			return daemonerr.IO("seek temp "+s.tmpPath, err)
		}
		if err := s.ulFile.Truncate(0); err != nil {
			return daemonerr.IO("truncate temp "+s.tmpPath, err)
		}
		s.bytesWritten = 0
	default:
		return daemonerr.InvalidState("reset called with no open stream")
	}
	return nil
}

// Abort closes any open streams, puts the reserved source back to Queued,
// and returns the session to Idle. Per invariant 3 (§8), the queue row's
// count is left untouched — only the prior Started transition counted.
func (c *Coordinator) Abort(ctx context.Context, connID uint64) error {
	s, err := c.session(connID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sourceID := c.abandonLocked(s)
	c.mu.Unlock()
	// Closing the streams may have made the coordinator idle; wake the
	// finalizer so a pending stop can complete.
	c.cond.Broadcast()

	if sourceID == 0 {
		return nil
	}
	if err := c.cat.Reset(ctx, sourceID); err != nil {
		return daemonerr.CatalogError("reset source "+fmt.Sprint(sourceID), err)
	}
	return nil
}

// PostFile closes the (fully-read) download stream and, if the worker
// reports success with a non-zero output length, opens the temporary
// upload sink and moves the session to Uploading. A failed or empty result
// finalizes the job immediately as a failure, without ever touching the
// finalizer's move step.
func (c *Coordinator) PostFile(ctx context.Context, connID uint64, result rpcproto.EncodingResultInfo) error {
	s, err := c.session(connID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if s.state != StateDownloading && s.state != StateAwaitingResult {
		c.mu.Unlock()
		return daemonerr.InvalidState(fmt.Sprintf("postFile called in state %s", s.state))
	}
	if s.bytesRead != s.encSettings.FileLength {
		c.mu.Unlock()
		return daemonerr.InvalidState("postFile: source was not fully read")
	}

	if s.dlFile != nil {
		s.dlFile.Close()
		s.dlFile = nil
	}
	s.encResult = result
	archivePath := ArchivePath(s.srcPath, c.cfg.ResultFileSuffix, c.cfg.FinalExtension)

	if result.Status != rpcproto.ResultOK || result.FileLength <= 0 {
		sourceID := s.reservedSourceID
		s.reservedSourceID = 0
		s.state = StateIdle
		c.mu.Unlock()

		status := int8(result.Status)
		if result.Status == rpcproto.ResultOK {
			// An OK report with no output is recorded as a failure: only a
			// completed upload (WriteChunk) yields an OK finalizer item.
			status = catalog.StatusUnknownError
		}
		c.enqueueFinalizer(FileToMove{
			Result: catalog.EncodedFile{
				SourceID: sourceID,
				Path:     archivePath,
				Status:   status,
				Length:   0,
				Error:    result.Error,
			},
		})
		return nil
	}

	tmpPath := TempPath(c.cfg.TempFolder, s.reservedSourceID, s.srcPath)
	f, err := os.Create(tmpPath)
	if err != nil {
		c.mu.Unlock()
		return daemonerr.IO("create temp "+tmpPath, err)
	}

	s.ulFile = f
	s.tmpPath = tmpPath
	s.bytesWritten = 0
	s.state = StateUploading
	c.mu.Unlock()
	return nil
}

// WriteChunk appends data to the session's upload sink. It returns false
// (no more expected) exactly when the accumulated written length reaches
// the declared result length, at which point the sink is closed and a
// finalizer item is enqueued — the only path that produces an OK result
// (invariant 2, spec §8).
func (c *Coordinator) WriteChunk(ctx context.Context, connID uint64, data []byte) (bool, error) {
	s, err := c.session(connID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if s.state != StateUploading {
		c.mu.Unlock()
		return false, daemonerr.InvalidState(fmt.Sprintf("writeChunk called in state %s", s.state))
	}
	if s.bytesWritten+int64(len(data)) > s.encResult.FileLength {
		c.mu.Unlock()
		return false, daemonerr.InvalidState("writeChunk: write past declared length")
	}
	f := s.ulFile
	c.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		return false, daemonerr.IO("write temp "+s.tmpPath, err)
	}

	c.mu.Lock()
	s.bytesWritten += int64(len(data))
	done := s.bytesWritten >= s.encResult.FileLength
	if !done {
		c.mu.Unlock()
		return true, nil
	}

	s.ulFile.Close()
	s.ulFile = nil
	archivePath := ArchivePath(s.srcPath, c.cfg.ResultFileSuffix, c.cfg.FinalExtension)
	item := FileToMove{
		Result: catalog.EncodedFile{
			SourceID: s.reservedSourceID,
			Path:     archivePath,
			Status:   int8(s.encResult.Status),
			Length:   s.encResult.FileLength,
		},
		TmpPath: s.tmpPath,
		Times:   s.srcTimes,
	}
	s.reservedSourceID = 0
	s.tmpPath = ""
	s.bytesWritten = 0
	s.state = StateIdle
	c.mu.Unlock()

	c.enqueueFinalizer(item)
	return false, nil
}
