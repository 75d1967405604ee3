// Package fileutil copies and moves files while preserving access and
// modification times, mirroring the original daemon's FileCopierLinux.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const copyChunkSize = 8192

// Times is a (atime, mtime) pair with nanosecond precision.
type Times struct {
	Atime time.Time
	Mtime time.Time
}

// Size returns the size in bytes of the file at path.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("fileutil: size %s: %w", path, err)
	}
	return fi.Size(), nil
}

// GetTimes returns the atime/mtime of path.
func GetTimes(path string) (Times, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Times{}, fmt.Errorf("fileutil: stat %s: %w", path, err)
	}
	return Times{
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
	}, nil
}

// SetTimes sets the atime/mtime of path.
func SetTimes(path string, t Times) error {
	if err := os.Chtimes(path, t.Atime, t.Mtime); err != nil {
		return fmt.Errorf("fileutil: chtimes %s: %w", path, err)
	}
	return nil
}

// Copy streams src to dst in fixed-size chunks. If mtime is non-nil it is
// used for both the destination's atime and mtime; otherwise the source's
// own times are copied across.
func Copy(src, dst string, mtime *Times) error {
	var times Times
	if mtime != nil {
		times = Times{Atime: mtime.Mtime, Mtime: mtime.Mtime}
	} else {
		t, err := GetTimes(src)
		if err != nil {
			return err
		}
		times = t
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fileutil: open src %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("fileutil: create dst %s: %w", dst, err)
	}

	buf := make([]byte, copyChunkSize)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				return fmt.Errorf("fileutil: write %s: %w", dst, writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("fileutil: read %s: %w", src, readErr)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("fileutil: close %s: %w", dst, err)
	}
	return SetTimes(dst, times)
}

// Move renames src to dst when possible, falling back to copy+unlink across
// filesystem boundaries (EXDEV). Time preservation follows the same rule as
// Copy.
func Move(src, dst string, mtime *Times) error {
	var times Times
	if mtime != nil {
		times = Times{Atime: mtime.Mtime, Mtime: mtime.Mtime}
	} else {
		t, err := GetTimes(src)
		if err != nil {
			return err
		}
		times = t
	}

	if err := os.Rename(src, dst); err == nil {
		return SetTimes(dst, times)
	} else if !isCrossDevice(err) {
		return fmt.Errorf("fileutil: rename %s -> %s: %w", src, dst, err)
	}

	if err := Copy(src, dst, &times); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("fileutil: unlink %s: %w", src, err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return false
	}
	return linkErr.Err == unix.EXDEV
}
