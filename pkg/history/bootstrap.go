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
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/deliveryops/estatesnap/pkg/kustomize"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// InfraSource is the slice of the VCS adapter bootstrap needs.
type InfraSource interface {
	ListCommits(ctx context.Context, owner, repo, path, ref string, perPage, page int) ([]vcs.Commit, error)
	FetchFile(ctx context.Context, owner, repo, path, ref string) (string, error)
}

// BootstrapTarget names one kustomization path to reconstruct history for.
type BootstrapTarget struct {
	ProjectKey        string
	EnvKey            string
	EnvName           string
	Owner             string
	InfraRepo         string
	InfraRef          string
	KustomizationPath string
}

// BootstrapOptions bounds the reconstruction window.
type BootstrapOptions struct {
	Days     int // default 60
	MaxPages int // default 20
	PerPage  int // default min(100, 60)
}

func (o *BootstrapOptions) defaults() {
	if o.Days <= 0 {
		o.Days = 60
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 20
	}
	if o.PerPage <= 0 || o.PerPage > 100 {
		o.PerPage = 60
	}
}

// Bootstrap reconstructs up to opts.Days of history for each target by
// walking commits on the kustomization path and diffing adjacent tag
// signatures. Running it twice produces the same ids; Append dedups them.
func (s *Store) Bootstrap(ctx context.Context, src InfraSource, targets []BootstrapTarget, opts BootstrapOptions, logger log.Logger) (int, error) {
	opts.defaults()
	if logger == nil {
		logger = s.logger
	}
	cutoff := s.now().UTC().AddDate(0, 0, -opts.Days)

	var all []Event
	for _, t := range targets {
		events, err := s.reconstructTarget(ctx, src, t, opts, cutoff)
		if err != nil {
			//nolint:errcheck
			level.Warn(logger).Log("msg", "bootstrap target failed", "project", t.ProjectKey, "env", t.EnvKey, "repo", t.InfraRepo, "err", err)
			continue
		}
		all = append(all, events...)
	}
	return s.Append(all)
}

// reconstructTarget walks the commit history of one kustomization path,
// newest first, and emits one bootstrap event for every adjacent pair whose
// signatures differ.
func (s *Store) reconstructTarget(ctx context.Context, src InfraSource, t BootstrapTarget, opts BootstrapOptions, cutoff time.Time) ([]Event, error) {
	type snap struct {
		commit vcs.Commit
		images []kustomize.Image
		sig    string
	}
	var snaps []snap

	for page := 1; page <= opts.MaxPages; page++ {
		commits, err := src.ListCommits(ctx, t.Owner, t.InfraRepo, t.KustomizationPath, t.InfraRef, opts.PerPage, page)
		if err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			break
		}
		stop := false
		for _, c := range commits {
			text, err := src.FetchFile(ctx, t.Owner, t.InfraRepo, t.KustomizationPath, c.SHA)
			if err != nil {
				if errors.Is(err, vcs.ErrNotFound) {
					continue
				}
				return nil, err
			}
			images, err := kustomize.Parse(text)
			if err != nil {
				continue
			}
			snaps = append(snaps, snap{commit: c, images: images, sig: kustomize.Signature(images)})
			if !c.Date.IsZero() && c.Date.Before(cutoff) {
				// One commit past the cutoff gives the pre-window
				// baseline for the oldest in-window transition.
				stop = true
				break
			}
		}
		if stop || len(commits) < opts.PerPage {
			break
		}
	}

	var events []Event
	// snaps are newest-first; pair i (newer) with i+1 (older).
	for i := 0; i+1 < len(snaps); i++ {
		newer, older := snaps[i], snaps[i+1]
		if newer.sig == older.sig {
			continue
		}
		if !newer.commit.Date.IsZero() && newer.commit.Date.Before(cutoff) {
			continue
		}
		olderTags := map[string]kustomize.Image{}
		for _, img := range older.images {
			olderTags[img.ServiceKey] = img
		}
		at := newer.commit.Date.UTC().Format(time.RFC3339)
		for _, img := range newer.images {
			prev, ok := olderTags[img.ServiceKey]
			if !ok || prev.Tag == "" || img.Tag == "" || prev.Tag == img.Tag {
				continue
			}
			events = append(events, Event{
				ID:               BootstrapEventID(newer.commit.SHA, t.ProjectKey, t.EnvKey, img.ServiceKey, img.Tag, at),
				Kind:             s.kind,
				Bootstrap:        true,
				ProjectKey:       t.ProjectKey,
				EnvKey:           t.EnvKey,
				EnvName:          t.EnvName,
				Component:        img.ServiceKey,
				Repo:             t.InfraRepo,
				FromTag:          prev.Tag,
				ToTag:            img.Tag,
				FromBuild:        prev.BuildNumber,
				ToBuild:          img.BuildNumber,
				At:               at,
				By:               newer.commit.Author,
				CommitURL:        newer.commit.HTMLURL,
				KustomizationURL: t.KustomizationPath,
			})
		}
	}
	return events, nil
}

// Backfill extends an existing store whose oldest event is younger than the
// bootstrap window: it reconstructs the window and appends only events
// strictly older than the current oldest. Runs once per store.
func (s *Store) Backfill(ctx context.Context, src InfraSource, targets []BootstrapTarget, opts BootstrapOptions, logger log.Logger) (int, error) {
	opts.defaults()
	idx, err := s.LoadIndex()
	if err != nil {
		return 0, err
	}
	if idx.BackfillRun || idx.Stats.TotalEvents == 0 || idx.Stats.OldestEvent == "" {
		return 0, nil
	}
	oldest, err := time.Parse(time.RFC3339, idx.Stats.OldestEvent)
	if err != nil {
		return 0, nil
	}
	windowStart := s.now().UTC().AddDate(0, 0, -opts.Days)
	if !oldest.After(windowStart) {
		// History already reaches the window; nothing to backfill.
		return 0, s.MarkBackfillRun()
	}

	cutoff := windowStart
	var all []Event
	for _, t := range targets {
		events, err := s.reconstructTarget(ctx, src, t, opts, cutoff)
		if err != nil {
			if logger != nil {
				//nolint:errcheck
				level.Warn(logger).Log("msg", "backfill target failed", "project", t.ProjectKey, "env", t.EnvKey, "err", err)
			}
			continue
		}
		for _, e := range events {
			if e.At < idx.Stats.OldestEvent {
				all = append(all, e)
			}
		}
	}
	n, err := s.Append(all)
	if err != nil {
		return n, err
	}
	return n, s.MarkBackfillRun()
}
