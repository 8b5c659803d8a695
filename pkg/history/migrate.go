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

package history

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-kit/log/level"
)

// legacyDocument is the old single-file release history shape.
type legacyDocument struct {
	Projects []struct {
		Key    string  `json:"key"`
		Events []Event `json:"events"`
	} `json:"projects"`
}

// MigrateLegacy converts an old single-document release history at
// legacyPath into the append-only log: events are streamed to the log, the
// index is derived from them, and the legacy file is renamed with a
// .backup suffix. A missing legacy file is a no-op.
func (s *Store) MigrateLegacy(legacyPath string) (int, error) {
	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading legacy history: %w", err)
	}
	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parsing legacy history: %w", err)
	}

	var events []Event
	for _, p := range doc.Projects {
		for _, e := range p.Events {
			if e.ProjectKey == "" {
				e.ProjectKey = p.Key
			}
			if e.ID == "" {
				e.ID = EventID("", e.ProjectKey, e.EnvKey, e.Component, e.ToTag, e.At)
			}
			events = append(events, e)
		}
	}
	n, err := s.Append(events)
	if err != nil {
		return n, fmt.Errorf("migrating legacy events: %w", err)
	}
	if err := os.Rename(legacyPath, legacyPath+".backup"); err != nil {
		return n, fmt.Errorf("renaming legacy history: %w", err)
	}
	//nolint:errcheck
	level.Info(s.logger).Log("msg", "migrated legacy release history", "events", n, "from", legacyPath)
	return n, nil
}
