package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".fit":  {},
	".fits": {},
	".dng":  {},
}

var rawExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".dng":  {},
}

// ListImages returns all image-like files under root, sorted by path.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsRawFile reports whether path is an undebayered sensor format (FITS or DNG).
func IsRawFile(path string) bool {
	_, ok := rawExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// SeparateRawAndProcessed splits sensor files from rendered images.
func SeparateRawAndProcessed(files []string) (rawFiles, processedFiles []string) {
	for _, file := range files {
		if IsRawFile(file) {
			rawFiles = append(rawFiles, file)
		} else if IsImageFile(file) {
			processedFiles = append(processedFiles, file)
		}
	}
	return rawFiles, processedFiles
}

// AtomicWrite writes data to a temp file in the destination directory and renames it
// into place so readers never observe a partial file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	return AtomicWriteFunc(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AtomicWriteFunc is AtomicWrite with a streaming writer.
func AtomicWriteFunc(path string, perm os.FileMode, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := write(tmp); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
