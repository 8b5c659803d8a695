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

package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deliveryops/estatesnap/pkg/fsutil"
)

const (
	// LatestFile is the canonical snapshot name under the data dir.
	LatestFile = "latest.json"

	// historyDir holds one archived copy per run.
	historyDir = "history"

	// historyKeep bounds the archive; oldest copies are pruned first.
	historyKeep = 100
)

// archiveName turns a generatedAt timestamp into a filesystem-safe name.
func archiveName(generatedAt string) string {
	s := strings.ReplaceAll(generatedAt, ":", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s + ".json"
}

// Write persists the document atomically as latest.json and archives a copy
// under history/, pruning the archive to historyKeep files. Readers never
// observe a partially written document.
func Write(dataDir string, doc *Document) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dataDir, LatestFile), doc); err != nil {
		return err
	}
	dir := filepath.Join(dataDir, historyDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, archiveName(doc.GeneratedAt)), doc); err != nil {
		return err
	}
	return pruneArchive(dir, historyKeep)
}

// pruneArchive deletes the oldest archived snapshots beyond keep. Names sort
// chronologically because they are derived from RFC 3339 timestamps.
func pruneArchive(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) <= keep {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// LoadLatest reads the previous snapshot. A missing file returns (nil, nil):
// first runs have no predecessor.
func LoadLatest(dataDir string) (*Document, error) {
	doc := &Document{}
	err := fsutil.ReadJSON(filepath.Join(dataDir, LatestFile), doc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}
