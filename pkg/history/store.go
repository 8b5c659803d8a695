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
	"path/filepath"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/deliveryops/estatesnap/pkg/fsutil"
)

const (
	indexVersion = "2.0"

	// MaxEventsPerProject bounds what a single query returns.
	MaxEventsPerProject = 2000

	cleanupMinInterval = 24 * time.Hour
)

// IndexProject summarizes one project's slice of the log.
type IndexProject struct {
	EventCount   int      `json:"eventCount"`
	FirstEventAt string   `json:"firstEventAt,omitempty"`
	LastEventAt  string   `json:"lastEventAt,omitempty"`
	Environments []string `json:"environments"`
}

// Index is the metadata document beside the events log.
type Index struct {
	Version     string `json:"version"`
	GeneratedAt string `json:"generatedAt"`
	Retention   struct {
		Days        int    `json:"days"`
		LastCleanup string `json:"lastCleanup,omitempty"`
	} `json:"retention"`
	Stats struct {
		TotalEvents int    `json:"totalEvents"`
		OldestEvent string `json:"oldestEvent,omitempty"`
		NewestEvent string `json:"newestEvent,omitempty"`
	} `json:"stats"`
	Projects map[string]IndexProject `json:"projects"`

	// BackfillRun records that the one-time window backfill already
	// happened for this store.
	BackfillRun bool `json:"backfill60DaysRun,omitempty"`
}

// Store is one append-only event store rooted at a directory:
// events.jsonl, index.json and archive/.
type Store struct {
	dir           string
	kind          string
	retentionDays int
	logger        log.Logger
	now           func() time.Time
}

// NewStore returns a Store for dir writing events of the given kind.
func NewStore(dir, kind string, retentionDays int, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Store{dir: dir, kind: kind, retentionDays: retentionDays, logger: logger, now: time.Now}
}

func (s *Store) eventsPath() string { return filepath.Join(s.dir, "events.jsonl") }
func (s *Store) indexPath() string  { return filepath.Join(s.dir, "index.json") }
func (s *Store) archiveDir() string { return filepath.Join(s.dir, "archive") }
func (s *Store) Kind() string       { return s.kind }
func (s *Store) Dir() string        { return s.dir }
func (s *Store) RetentionDays() int { return s.retentionDays }

// LoadIndex reads the index document; a missing file yields an empty index.
func (s *Store) LoadIndex() (*Index, error) {
	idx := &Index{Version: indexVersion, Projects: map[string]IndexProject{}}
	idx.Retention.Days = s.retentionDays
	err := fsutil.ReadJSON(s.indexPath(), idx)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	if idx.Projects == nil {
		idx.Projects = map[string]IndexProject{}
	}
	return idx, nil
}

// Empty reports whether the store has no events yet (drives bootstrap).
func (s *Store) Empty() (bool, error) {
	idx, err := s.LoadIndex()
	if err != nil {
		return false, err
	}
	if idx.Stats.TotalEvents > 0 {
		return false, nil
	}
	if _, err := os.Stat(s.eventsPath()); err == nil {
		// Log exists but index says zero: trust the log.
		n := 0
		err := fsutil.ScanJSONL(s.eventsPath(), func([]byte) error { n++; return nil })
		return n == 0, err
	}
	return true, nil
}

// LoadEvents reads the whole active log, skipping unparsable lines.
func (s *Store) LoadEvents() ([]Event, error) {
	var out []Event
	err := fsutil.ScanJSONL(s.eventsPath(), func(line []byte) error {
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		if e.ID == "" {
			return nil
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// EventsForProject returns a project's events newest-first, capped at
// MaxEventsPerProject.
func (s *Store) EventsForProject(projectKey string) ([]Event, error) {
	all, err := s.LoadEvents()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.ProjectKey == projectKey {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At > out[j].At })
	if len(out) > MaxEventsPerProject {
		out = out[:MaxEventsPerProject]
	}
	return out, nil
}

// Append adds events to the log, deduplicating first by id and then by the
// (project, env, component, fromTag, toTag, at-to-seconds) tuple. Returns
// the number actually written.
func (s *Store) Append(events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	existing, err := s.LoadEvents()
	if err != nil {
		return 0, err
	}
	ids := make(map[string]struct{}, len(existing))
	keys := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		ids[e.ID] = struct{}{}
		keys[e.DedupKey()] = struct{}{}
	}

	var fresh []any
	var freshEvents []Event
	for _, e := range events {
		if e.ID == "" {
			continue
		}
		if e.Kind == "" {
			e.Kind = s.kind
		}
		if _, ok := ids[e.ID]; ok {
			continue
		}
		if _, ok := keys[e.DedupKey()]; ok {
			continue
		}
		ids[e.ID] = struct{}{}
		keys[e.DedupKey()] = struct{}{}
		fresh = append(fresh, e)
		freshEvents = append(freshEvents, e)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := fsutil.AppendJSONL(s.eventsPath(), fresh); err != nil {
		return 0, err
	}
	if err := s.updateIndex(append(existing, freshEvents...)); err != nil {
		return len(fresh), err
	}
	return len(fresh), nil
}

// updateIndex rewrites the index from the full event set, preserving
// retention bookkeeping and the backfill flag, with conflict-detecting
// retries.
func (s *Store) updateIndex(all []Event) error {
	return fsutil.UpdateJSONWithRetry(s.indexPath(), func(raw []byte) ([]byte, error) {
		idx := &Index{Projects: map[string]IndexProject{}}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, idx)
		}
		prevCleanup := idx.Retention.LastCleanup
		backfill := idx.BackfillRun

		next := s.buildIndex(all)
		next.Retention.LastCleanup = prevCleanup
		next.BackfillRun = backfill
		b, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	})
}

func (s *Store) buildIndex(all []Event) *Index {
	idx := &Index{
		Version:     indexVersion,
		GeneratedAt: s.now().UTC().Format(time.RFC3339),
		Projects:    map[string]IndexProject{},
	}
	idx.Retention.Days = s.retentionDays
	idx.Stats.TotalEvents = len(all)
	envSets := map[string]map[string]struct{}{}
	for _, e := range all {
		if idx.Stats.OldestEvent == "" || e.At < idx.Stats.OldestEvent {
			idx.Stats.OldestEvent = e.At
		}
		if e.At > idx.Stats.NewestEvent {
			idx.Stats.NewestEvent = e.At
		}
		p := idx.Projects[e.ProjectKey]
		p.EventCount++
		if p.FirstEventAt == "" || e.At < p.FirstEventAt {
			p.FirstEventAt = e.At
		}
		if e.At > p.LastEventAt {
			p.LastEventAt = e.At
		}
		if envSets[e.ProjectKey] == nil {
			envSets[e.ProjectKey] = map[string]struct{}{}
		}
		envSets[e.ProjectKey][e.EnvKey] = struct{}{}
		idx.Projects[e.ProjectKey] = p
	}
	for key, set := range envSets {
		p := idx.Projects[key]
		for env := range set {
			p.Environments = append(p.Environments, env)
		}
		sort.Strings(p.Environments)
		idx.Projects[key] = p
	}
	return idx
}

// MarkBackfillRun persists the one-time backfill flag.
func (s *Store) MarkBackfillRun() error {
	return fsutil.UpdateJSONWithRetry(s.indexPath(), func(raw []byte) ([]byte, error) {
		idx := &Index{Projects: map[string]IndexProject{}}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, idx)
		}
		idx.BackfillRun = true
		b, err := json.MarshalIndent(idx, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	})
}

// RunRetention moves events older than the retention window from the
// active log into a monthly archive file. It runs at most once per 24h.
func (s *Store) RunRetention() error {
	idx, err := s.LoadIndex()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if idx.Retention.LastCleanup != "" {
		if last, err := time.Parse(time.RFC3339, idx.Retention.LastCleanup); err == nil {
			if now.Sub(last) < cleanupMinInterval {
				return nil
			}
		}
	}
	cutoff := now.AddDate(0, 0, -s.retentionDays)
	cutoffStr := cutoff.Format(time.RFC3339)

	all, err := s.LoadEvents()
	if err != nil {
		return err
	}
	var keep, expire []Event
	for _, e := range all {
		if e.At != "" && e.At < cutoffStr {
			expire = append(expire, e)
		} else {
			keep = append(keep, e)
		}
	}
	if len(expire) > 0 {
		archive := filepath.Join(s.archiveDir(), fmt.Sprintf("events-%s.jsonl", cutoff.Format("2006-01")))
		recs := make([]any, len(expire))
		for i, e := range expire {
			recs[i] = e
		}
		if err := fsutil.AppendJSONL(archive, recs); err != nil {
			return fmt.Errorf("archiving expired events: %w", err)
		}
		var buf []byte
		for _, e := range keep {
			line, err := json.Marshal(e)
			if err != nil {
				continue
			}
			buf = append(buf, line...)
			buf = append(buf, '\n')
		}
		if err := fsutil.WriteFileAtomic(s.eventsPath(), buf); err != nil {
			return fmt.Errorf("rewriting active log: %w", err)
		}
		//nolint:errcheck
		level.Info(s.logger).Log("msg", "history retention archived events", "dir", s.dir, "archived", len(expire), "kept", len(keep))
	}

	return fsutil.UpdateJSONWithRetry(s.indexPath(), func(raw []byte) ([]byte, error) {
		cur := &Index{Projects: map[string]IndexProject{}}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, cur)
		}
		next := s.buildIndex(keep)
		next.Retention.LastCleanup = now.Format(time.RFC3339)
		next.BackfillRun = cur.BackfillRun
		b, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	})
}

// ComponentState is the minimal per-component view the store needs to
// derive events from two consecutive snapshots.
type ComponentState struct {
	ProjectKey       string
	EnvKey           string
	EnvName          string
	Component        string
	Repo             string
	Tag              string
	Build            string
	DeployedAt       string
	By               string
	CommitSHA        string
	CommitURL        string
	KustomizationURL string
}

func (c ComponentState) key() string {
	return c.ProjectKey + "|" + c.EnvKey + "|" + c.Component
}

// DeriveEvents compares the previous and current component states and emits
// one event per tag transition (both tags non-empty and different). Events
// missing a deployment timestamp fall back to generatedAt and report a
// warning string.
func DeriveEvents(kind string, prev, cur []ComponentState, generatedAt string) ([]Event, []string) {
	prevByKey := make(map[string]ComponentState, len(prev))
	for _, p := range prev {
		prevByKey[p.key()] = p
	}
	var events []Event
	var warns []string
	for _, c := range cur {
		p, ok := prevByKey[c.key()]
		if !ok {
			continue
		}
		if p.Tag == "" || c.Tag == "" || p.Tag == c.Tag {
			continue
		}
		at := c.DeployedAt
		if at == "" {
			at = generatedAt
			warns = append(warns, fmt.Sprintf("%s/%s/%s: tag change without deployedAt, using run timestamp", c.ProjectKey, c.EnvKey, c.Component))
		}
		events = append(events, Event{
			ID:               EventID(c.CommitSHA, c.ProjectKey, c.EnvKey, c.Component, c.Tag, at),
			Kind:             kind,
			ProjectKey:       c.ProjectKey,
			EnvKey:           c.EnvKey,
			EnvName:          c.EnvName,
			Component:        c.Component,
			Repo:             c.Repo,
			FromTag:          p.Tag,
			ToTag:            c.Tag,
			FromBuild:        p.Build,
			ToBuild:          c.Build,
			At:               at,
			By:               c.By,
			CommitURL:        c.CommitURL,
			KustomizationURL: c.KustomizationURL,
		})
	}
	return events, warns
}
