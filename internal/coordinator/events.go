package coordinator

import (
	"context"

	"mediarchiver/internal/catalog"
	"mediarchiver/internal/fileutil"
	"mediarchiver/internal/fswatch"
)

// OnFileSystemChange implements fswatch.Listener. It classifies the event's
// effective target path as an archive or an interesting source, locates the
// counterpart on disk if one exists, and upserts the pair into the Catalog —
// translating MediaArchiverDaemon::onFileSystemChange (spec §4.5.2).
func (c *Coordinator) OnFileSystemChange(e fswatch.EventType, src, dst string) {
	if e == fswatch.FileDeleted || e == fswatch.Unmounted {
		return
	}

	target := targetPath(e, src, dst)
	if target == "" {
		return
	}

	size, err := fileutil.Size(target)
	if err != nil {
		c.logger.Printf("coordinator: fs event size %s: %v", target, err)
		return
	}

	isArchive := IsArchive(target, c.cfg.ResultFileSuffix, c.cfg.FinalExtension)
	isSource := IsInteresting(target, c.cfg.FilenameMatchPattern)
	if !isArchive && !isSource {
		return
	}

	var counterpart string
	if isArchive {
		counterpart = SourceCounterpart(target, c.cfg.ResultFileSuffix, c.cfg.FinalExtension, c.cfg.FilenameMatchPattern)
	} else {
		counterpart = ArchivePath(target, c.cfg.ResultFileSuffix, c.cfg.FinalExtension)
	}

	var counterpartSize int64
	if counterpart != "" {
		if sz, err := fileutil.Size(counterpart); err == nil {
			counterpartSize = sz
		} else {
			counterpart = ""
		}
	}

	var srcFile, dstFile *catalog.BasicFile
	if isArchive {
		if counterpart != "" {
			srcFile = &catalog.BasicFile{Path: counterpart, Size: counterpartSize}
		}
		dstFile = &catalog.BasicFile{Path: target, Size: size}
	} else {
		srcFile = &catalog.BasicFile{Path: target, Size: size}
		if counterpart != "" {
			dstFile = &catalog.BasicFile{Path: counterpart, Size: counterpartSize}
		}
	}

	// enqueue mirrors the original's "!dstIsArchive || aSize" condition: a
	// discovered source is always enqueued; a discovered archive only
	// implies enqueuing (as already-OK) when its source counterpart exists.
	enqueue := !isArchive || counterpartSize > 0

	if _, err := c.cat.AddFile(context.Background(), srcFile, dstFile, enqueue); err != nil {
		c.logger.Printf("coordinator: addFile %s: %v", target, err)
	}
}

// targetPath picks the single path an FS event is "about": for a moved
// pair it's the new location; for an orphan move half it's whichever side
// was observed; for discovery/creation it's the path itself.
func targetPath(e fswatch.EventType, src, dst string) string {
	switch e {
	case fswatch.FileMoved:
		if dst != "" {
			return dst
		}
		return src
	case fswatch.FileDiscovered, fswatch.FileCreated:
		return src
	default:
		return ""
	}
}
