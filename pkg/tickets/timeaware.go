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
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// BranchInfo is one branch candidate for correlation.
type BranchInfo struct {
	Repo      string
	Name      string
	CreatedAt time.Time
	TipSHA    string
}

// BuildInfo is one CI build candidate.
type BuildInfo struct {
	Repo       string
	Number     string
	StartedAt  time.Time
	FinishedAt time.Time
	URL        string
}

// DeploymentInfo is one observed deployment.
type DeploymentInfo struct {
	Repo      string
	Component string
	EnvKey    string
	Stage     string
	Tag       string
	Build     string
	At        time.Time
}

// Reachability reports whether sha is reachable from a branch. Used only
// for the important branches; errors count as unreachable (fail closed).
type Reachability func(ctx context.Context, repo, sha, branch string) (bool, error)

// Correlator applies the three fail-closed time rules.
type Correlator struct {
	reach  Reachability
	logger log.Logger
}

// NewCorrelator returns a Correlator. reach may be nil, in which case only
// tip-SHA equality proves reachability.
func NewCorrelator(reach Reachability, logger log.Logger) *Correlator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Correlator{reach: reach, logger: logger}
}

// importantBranch reports whether a branch warrants a compare call rather
// than tip equality only.
func importantBranch(name string) bool {
	if name == "main" || name == "master" {
		return true
	}
	return strings.HasPrefix(name, "release/")
}

// Correlate attaches time-validated branches, builds and deployments to one
// ticket and sets build-driven environment presence. Every rule fails
// closed: a missing timestamp excludes the candidate.
func (c *Correlator) Correlate(ctx context.Context, t *Ticket, branches []BranchInfo, builds []BuildInfo, deployments []DeploymentInfo) {
	for _, pr := range t.PRs {
		if pr.MergedAt.IsZero() {
			continue
		}

		// Rule 1: PR -> Branch. branch.createdAt >= pr.mergedAt and the
		// merge SHA is reachable from the branch.
		for _, br := range branches {
			if br.Repo != pr.Repo || br.CreatedAt.IsZero() || br.CreatedAt.Before(pr.MergedAt) {
				continue
			}
			if pr.MergeSHA == "" {
				continue
			}
			reachable := br.TipSHA != "" && br.TipSHA == pr.MergeSHA
			if !reachable && importantBranch(br.Name) && c.reach != nil {
				ok, err := c.reach(ctx, br.Repo, pr.MergeSHA, br.Name)
				if err != nil {
					//nolint:errcheck
					level.Debug(c.logger).Log("msg", "reachability check failed", "repo", br.Repo, "branch", br.Name, "err", err)
					continue
				}
				reachable = ok
			}
			if !reachable {
				continue
			}
			if !hasBranchRef(t.TimeAwareBranches, br.Repo, br.Name) {
				t.TimeAwareBranches = append(t.TimeAwareBranches, BranchRef{
					Repo:      br.Repo,
					Name:      br.Name,
					CreatedAt: rfc3339(br.CreatedAt),
				})
				t.Timeline = append(t.Timeline, TimelineEntry{
					TS:        rfc3339(br.CreatedAt),
					Label:     "Included in " + br.Name,
					Kind:      "branch",
					TimeAware: true,
				})
			}
		}

		// Rule 2: PR -> Build. build.startedAt >= pr.mergedAt in the
		// PR's repo.
		for _, b := range builds {
			if b.Repo != pr.Repo || b.StartedAt.IsZero() || b.StartedAt.Before(pr.MergedAt) {
				continue
			}
			if !hasBuildRef(t.TimeAwareBuilds, b.Repo, b.Number) {
				ref := BuildRef{
					Repo:      b.Repo,
					Number:    b.Number,
					StartedAt: rfc3339(b.StartedAt),
					URL:       b.URL,
				}
				if !b.FinishedAt.IsZero() {
					ref.FinishedAt = rfc3339(b.FinishedAt)
				}
				t.TimeAwareBuilds = append(t.TimeAwareBuilds, ref)
				t.Timeline = append(t.Timeline, TimelineEntry{
					TS:        rfc3339(b.StartedAt),
					Label:     "Build " + b.Number,
					Kind:      "build",
					TimeAware: true,
				})
			}
		}
	}

	// Rule 3: Build -> Deployment. deployment.at >= build.finishedAt with
	// matching repo and build number. Presence is build-driven: only a
	// validated deployment claims a stage.
	for _, b := range t.TimeAwareBuilds {
		finished, err := time.Parse(time.RFC3339, b.FinishedAt)
		if err != nil {
			continue
		}
		for _, d := range deployments {
			if d.Repo != b.Repo || d.At.IsZero() || d.At.Before(finished) {
				continue
			}
			if d.Build != "" && b.Number != "" && d.Build != b.Number {
				continue
			}
			if hasDeploymentRef(t.TimeAwareDeployments, d.Repo, d.Component, d.Stage, rfc3339(d.At)) {
				continue
			}
			t.TimeAwareDeployments = append(t.TimeAwareDeployments, DeploymentRef{
				Repo:      d.Repo,
				Component: d.Component,
				Stage:     d.Stage,
				Tag:       d.Tag,
				Build:     d.Build,
				At:        rfc3339(d.At),
			})
			t.Timeline = append(t.Timeline, TimelineEntry{
				TS:        rfc3339(d.At),
				Label:     "Deployed to " + d.Stage,
				Kind:      "deployment",
				TimeAware: true,
			})
			setPresence(t, d.Stage, &PresenceMeta{
				When:       rfc3339(d.At),
				Tag:        d.Tag,
				Build:      d.Build,
				Confidence: "high",
				Source:     "time_aware",
			})
		}
	}
}

func hasBranchRef(refs []BranchRef, repo, name string) bool {
	for _, r := range refs {
		if r.Repo == repo && r.Name == name {
			return true
		}
	}
	return false
}

func hasBuildRef(refs []BuildRef, repo, number string) bool {
	for _, r := range refs {
		if r.Repo == repo && r.Number == number {
			return true
		}
	}
	return false
}

func hasDeploymentRef(refs []DeploymentRef, repo, component, stage, at string) bool {
	for _, r := range refs {
		if r.Repo == repo && r.Component == component && r.Stage == stage && r.At == at {
			return true
		}
	}
	return false
}
