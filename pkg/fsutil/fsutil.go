// Copyright 2025 DeliveryOps LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsutil provides atomic, lock-guarded file operations for the
// snapshot and history stores. Writers hold exclusive advisory locks where
// the platform supports them; atomic tmp+rename is the safety net
// everywhere else.
package fsutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockFor returns the advisory lock guarding path. The lock lives in a
// sidecar file so that renames of the target never drop the lock.
func lockFor(path string) *flock.Flock {
	return flock.New(path + ".lock")
}

// WriteJSONAtomic marshals v with indentation and atomically replaces
// path: write tmp, fsync, rename. A reader never observes a partial file.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %q: %w", path, err)
	}
	return WriteFileAtomic(path, append(b, '\n'))
}

// WriteFileAtomic atomically replaces path with data under an exclusive
// lock.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %q: %w", path, err)
	}
	lock := lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %q: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	return replaceWith(path, data)
}

func replaceWith(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %q: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %q: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		// Some filesystems refuse to replace an existing file; the
		// delete-then-rename fallback is best effort.
		if rmErr := os.Remove(path); rmErr == nil {
			if err2 := os.Rename(tmp, path); err2 == nil {
				return nil
			}
		}
		os.Remove(tmp)
		return fmt.Errorf("replacing %q: %w", path, err)
	}
	return nil
}

// ReadJSON reads path into v under a shared lock. A missing file returns
// os.ErrNotExist.
func ReadJSON(path string, v any) error {
	lock := lockFor(path)
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("locking %q: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}
	return nil
}

// AppendJSONL appends one JSON object per line to path under an exclusive
// lock via copy-append-rename, so a crash mid-append never truncates the
// log. Lines that fail to marshal are skipped.
func AppendJSONL(path string, records []any) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dir for %q: %w", path, err)
	}
	lock := lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %q: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %q: %w", path, err)
	}
	buf := existing
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return replaceWith(path, buf)
}

// ScanJSONL calls fn for each line of the log under a shared lock.
// Unparsable lines are skipped. A missing file is not an error.
func ScanJSONL(path string, fn func(line []byte) error) error {
	lock := lockFor(path)
	if err := lock.RLock(); err != nil {
		return fmt.Errorf("locking %q: %w", path, err)
	}
	defer lock.Unlock() //nolint:errcheck

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// UpdateJSONWithRetry performs a read-modify-write on a JSON document with
// mtime-based conflict detection: if the file's mtime moved between read
// and write, the update retries, up to 5 attempts with growing sleeps.
func UpdateJSONWithRetry(path string, update func(raw []byte) ([]byte, error)) error {
	const attempts = 5
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		var before time.Time
		if fi, err := os.Stat(path); err == nil {
			before = fi.ModTime()
		}
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading %q: %w", path, err)
		}
		next, err := update(raw)
		if err != nil {
			return err
		}
		if fi, err := os.Stat(path); err == nil && !before.IsZero() && !fi.ModTime().Equal(before) {
			lastErr = fmt.Errorf("concurrent update of %q", path)
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		if err := WriteFileAtomic(path, next); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		return nil
	}
	return fmt.Errorf("updating %q: %w", path, lastErr)
}
