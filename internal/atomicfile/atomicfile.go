// Copyright 2025 The Vesta authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atomicfile implements the stable-state rewrite convention: write
// to "<name>;<hex-suffix>" in the same directory, fsync, then rename over
// "<name>". Readers holding an open handle on the old file keep reading the
// old content; new opens see the new content. The ';' never appears in any
// stable file name, so leftover temporaries from a crash are recognizable.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	// Suffix separates a stable name from its temporary rewrite.
	Suffix = ';'

	DirPerm  = 0o755
	FilePerm = 0o644
)

var tmpSeq atomic.Uint64

// TempName returns a fresh temporary name for rewriting path.
func TempName(path string) string {
	return fmt.Sprintf("%s%c%08x", path, Suffix, tmpSeq.Add(1))
}

// IsTemp reports whether name is a leftover rewrite temporary.
func IsTemp(name string) bool {
	return strings.ContainsRune(filepath.Base(name), Suffix)
}

// Write atomically replaces path with data. The containing directory is
// created if needed.
func Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", path, err)
	}
	tmp := TempName(path)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FilePerm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move temp file over %q: %w", path, err)
	}
	return nil
}

// Rename atomically installs src (typically a completed temporary) as path.
func Rename(src, path string) error {
	if err := os.Rename(src, path); err != nil {
		return fmt.Errorf("failed to rename %q over %q: %w", src, path, err)
	}
	return nil
}

// RemoveTemps deletes leftover rewrite temporaries under dir. Called during
// recovery; a crash mid-rewrite leaves the original untouched and the
// temporary is garbage.
func RemoveTemps(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := RemoveTemps(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
			continue
		}
		if IsTemp(e.Name()) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
