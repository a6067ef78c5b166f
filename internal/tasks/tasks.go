// Package tasks builds the per-session artifacts that run off the capture loop:
// the session keogram, the timelapse video and data expiry.
package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"allsky/internal/fsutil"
)

var (
	// ErrKeogramMismatch means a frame's slice does not match the columns before it.
	ErrKeogramMismatch = errors.New("keogram frame shape mismatch")
	// ErrTimelapse marks an encoder failure; no output file is left behind.
	ErrTimelapse = errors.New("timelapse failed")
	// ErrNoFrames means a session directory held nothing to assemble.
	ErrNoFrames = errors.New("no frames found")
)

type sessionFile struct {
	path string
	mod  time.Time
}

// CollectSessionFiles lists the images named <prefix>-* below dir, drops empty files and
// returns them oldest first. The first skipFirst files are left out.
func CollectSessionFiles(dir, prefix string, skipFirst int) ([]string, error) {
	paths, err := fsutil.ListImages(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var found []sessionFile
	for _, path := range paths {
		if prefix != "" && !strings.HasPrefix(filepath.Base(path), prefix+"-") {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() == 0 {
			continue
		}
		found = append(found, sessionFile{path: path, mod: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].path < found[j].path
		}
		return found[i].mod.Before(found[j].mod)
	})
	if skipFirst > 0 {
		if skipFirst >= len(found) {
			return nil, nil
		}
		found = found[skipFirst:]
	}

	files := make([]string, len(found))
	for i, f := range found {
		files[i] = f.path
	}
	return files, nil
}
