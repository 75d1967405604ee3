package coordinator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ArchivePath derives the installed archive path for a source, per the
// daemon's naming rule: strip the source extension, append the configured
// result suffix and final extension.
func ArchivePath(srcPath, resultSuffix, finalExt string) string {
	return stripExt(srcPath) + resultSuffix + finalExt
}

// IsArchive reports whether p looks like an installed archive: it carries
// the result suffix and ends with the final extension.
func IsArchive(p, resultSuffix, finalExt string) bool {
	return strings.Contains(p, resultSuffix) && strings.HasSuffix(p, finalExt)
}

// IsInteresting reports whether p is a source file worth tracking.
func IsInteresting(p string, pattern *regexp.Regexp) bool {
	return pattern.MatchString(p)
}

// SourceCounterpart tries to find the source file an archive was produced
// from by globbing for siblings sharing the archive's base name. Unlike the
// source-to-archive direction, this isn't a pure string rewrite: the
// archive's own extension was substituted at encode time, so the original
// extension has to be rediscovered on disk.
func SourceCounterpart(archivePath, resultSuffix, finalExt string, pattern *regexp.Regexp) string {
	base := strings.TrimSuffix(archivePath, resultSuffix+finalExt)
	if base == archivePath {
		return ""
	}
	matches, err := filepath.Glob(base + ".*")
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if m == archivePath {
			continue
		}
		if IsInteresting(m, pattern) && !IsArchive(m, resultSuffix, finalExt) {
			return m
		}
	}
	return ""
}

// FileExtension returns path's extension without the leading dot.
func FileExtension(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

func stripExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// CommandLine synthesizes the ffmpeg-style argument string for one encode.
// This is the single canonical template (the single-pass form); see
// DESIGN.md for why the alternative two-pass phrasing was not kept.
func CommandLine(vCodec, aCodec string, crf int, aBitRate string) string {
	return fmt.Sprintf(
		"-y -hide_banner -nostats -loglevel warning -copyts -map_metadata 0 -movflags use_metadata_tags -preset veryfast -c:v %s -c:a %s -crf %d -b:a %s",
		vCodec, aCodec, crf, aBitRate,
	)
}

// TempPath computes where a session's upload sink lives while the worker is
// still streaming it, per the observed temp_folder branching.
func TempPath(tempFolder string, sourceID int64, srcPath string) string {
	switch tempFolder {
	case ".":
		return fmt.Sprintf("%s.%d", srcPath, sourceID)
	case "":
		return fmt.Sprintf("./%d", sourceID)
	default:
		return filepath.Join(tempFolder, fmt.Sprintf("%d", sourceID))
	}
}
