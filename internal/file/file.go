package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	appDirPerm  os.FileMode = 0o750
	appFilePerm os.FileMode = 0o640

	preallocBlock = 64 * 1024
)

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned data dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// Exists reports whether a file or directory exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteJSONAtomic marshals the value and atomically writes it to filename.
// The write is performed via a temporary file in the same directory
// followed by a rename to ensure atomicity on most filesystems.
func WriteJSONAtomic(filename string, v any) error {
	if filename == "" {
		return errors.New("empty filename")
	}

	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()

	jsonEncoder := json.NewEncoder(tempFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(v); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("encode json: %w", err)
	}

	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// Preallocate creates (or truncates) path and fills it with size zero bytes,
// so later writes only seek into space that is already reserved.
func Preallocate(ctx context.Context, path string, size int64) error {
	if size < 0 {
		return fmt.Errorf("preallocate: negative size %d", size)
	}
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, appFilePerm) //nolint:gosec // path is constructed by the application
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	zeros := make([]byte, preallocBlock)
	var written int64
	for written < size {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return err
		}
		n := int64(len(zeros))
		if size-written < n {
			n = size - written
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			_ = f.Close()
			return fmt.Errorf("reserve space: %w", err)
		}
		written += n
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// OpenForWrite opens an existing file for positioned writes.
// It never creates the file: a missing temp file is an error.
func OpenForWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, appFilePerm) //nolint:gosec // path is constructed by the application
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// RemoveIfExists deletes path. A file that is already gone is not an error.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Promote replaces finalPath with tempPath: any existing file at finalPath
// is deleted first, then tempPath is renamed onto it.
func Promote(tempPath, finalPath string) error {
	if err := RemoveIfExists(finalPath); err != nil {
		return err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// RemoveWithSuffix deletes every regular file directly inside dir whose name
// ends with suffix and returns how many were removed.
func RemoveWithSuffix(dir, suffix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !hasSuffix(e.Name(), suffix) {
			continue
		}
		if err := RemoveIfExists(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func hasSuffix(name, suffix string) bool {
	return suffix != "" && len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}
