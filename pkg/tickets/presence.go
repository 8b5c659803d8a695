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

package tickets

import (
	"sort"
	"time"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/history"
)

const inferredWarning = "Deployment inferred from timing (provenance not verified)."

// ApplyHistoryPresence derives environment presence from the deployment
// history when time-aware data is absent: a stage is marked present iff a
// deployment event exists for the ticket's repo and stage with
// at >= pr.mergedAt. Confidence is "high" when the currently deployed
// branch equals the PR's base branch, "heuristic" otherwise; heuristic
// hits carry a provenance warning. A deployment within three days of merge
// but with no branch evidence is deliberately left false.
func ApplyHistoryPresence(index map[string]*Ticket, events []history.Event, deployedBranch map[string]string) {
	// Group events by (repo, stage), newest-first, so the scan can stop
	// once events predate the merge.
	byRepoStage := map[string][]history.Event{}
	for _, e := range events {
		if e.Repo == "" {
			continue
		}
		key := e.Repo + "|" + config.StageFor(e.EnvKey)
		byRepoStage[key] = append(byRepoStage[key], e)
	}
	for k := range byRepoStage {
		sort.SliceStable(byRepoStage[k], func(i, j int) bool {
			return byRepoStage[k][i].At > byRepoStage[k][j].At
		})
	}

	for _, t := range index {
		for _, pr := range t.PRs {
			if pr.MergedAt.IsZero() {
				continue
			}
			mergedAt := rfc3339(pr.MergedAt)
			for _, stage := range config.Stages {
				if t.EnvPresence[stage] {
					continue
				}
				for _, e := range byRepoStage[pr.Repo+"|"+stage] {
					if e.At < mergedAt {
						break
					}
					branch := deployedBranch[pr.Repo+"|"+stage]
					confidence := "heuristic"
					warning := inferredWarning
					if branch != "" && branch == pr.BaseRef {
						confidence = "high"
						warning = ""
					}
					setPresence(t, stage, &PresenceMeta{
						When:       e.At,
						Tag:        e.ToTag,
						Branch:     branch,
						Build:      e.ToBuild,
						Confidence: confidence,
						Source:     "deployment_history_time",
						Inferred:   true,
						Warning:    warning,
					})
					t.Timeline = append(t.Timeline, TimelineEntry{
						TS:          e.At,
						Label:       "Deployed to " + stage,
						Kind:        "deployment",
						FromHistory: true,
					})
					break
				}
			}
		}
	}
}

// PrevPresence is the envPresence view of the previous snapshot's ticket
// index, keyed by ticket key.
type PrevPresence map[string]map[string]bool

// ApplyPersistenceFloor carries forward every stage previously observed
// true: once a ticket reached a stage, later snapshots never silently drop
// it. When the current snapshot also set the stage, the current meta wins;
// carried entries default their provenance fields.
func ApplyPersistenceFloor(index map[string]*Ticket, prev PrevPresence) {
	for key, stages := range prev {
		t, ok := index[key]
		if !ok {
			continue
		}
		for stage, was := range stages {
			if !was {
				continue
			}
			if t.EnvPresence[stage] {
				// Current run re-established it; only backstop missing
				// provenance fields.
				if m := t.EnvPresenceMeta[stage]; m != nil {
					if m.Source == "" {
						m.Source = "persisted_prev_snapshot"
					}
					if m.Confidence == "" {
						m.Confidence = "persisted"
					}
				}
				continue
			}
			t.EnvPresence[stage] = true
			m := t.EnvPresenceMeta[stage]
			if m == nil {
				m = &PresenceMeta{}
				t.EnvPresenceMeta[stage] = m
			}
			if m.Source == "" {
				m.Source = "persisted_prev_snapshot"
			}
			if m.Confidence == "" {
				m.Confidence = "persisted"
			}
		}
	}
}

// WithinDays reports whether ts is within n days after ref. Used by tests
// documenting the conservative three-day rule.
func WithinDays(ref, ts time.Time, n int) bool {
	if ts.Before(ref) {
		return false
	}
	return ts.Sub(ref) <= time.Duration(n)*24*time.Hour
}
