package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOccupied reports that a placeholder path is taken by a non-empty file.
// Such a file is never overwritten; the caller decides how to surface it.
var ErrOccupied = errors.New("placeholder path occupied by non-empty file")

// RemoveFile deletes path and reports the bytes freed. A missing file is not
// an error: the caller may be resuming a run that already deleted it.
func RemoveFile(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, false, fmt.Errorf("refusing to remove directory %s", path)
	}
	size := info.Size()
	if err := os.Remove(path); err != nil {
		return 0, false, fmt.Errorf("remove %s: %w", path, err)
	}
	return size, true, nil
}

// WritePlaceholder creates a zero-byte file at path. An existing empty file
// counts as success so an interrupted run can resume; an existing non-empty
// file is left untouched and reported as ErrOccupied.
func WritePlaceholder(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		return file.Close()
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create placeholder %s: %w", path, err)
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return fmt.Errorf("stat existing placeholder %s: %w", path, statErr)
	}
	if info.IsDir() || info.Size() > 0 {
		return fmt.Errorf("%w: %s", ErrOccupied, path)
	}
	return nil
}

// ReplaceExt swaps the file extension of path, appending ext when path has
// none.
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// PathWithinAny reports whether path sits at or below one of the given
// roots, matching whole path segments so /tv never claims /tv-archive.
func PathWithinAny(path string, roots []string) bool {
	cleaned := filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(strings.TrimSpace(root))
		if root == "" || root == "." {
			continue
		}
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if cleaned == root || strings.HasPrefix(cleaned, prefix) {
			return true
		}
	}
	return false
}

// FileSize reports the size of path, or 0 when it does not exist or is not a
// regular file.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
