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
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/tracker"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

const (
	// PerRepoPRLimit caps how many merged PRs one repo contributes.
	PerRepoPRLimit = 120

	// EnrichmentCap bounds tracker lookups per run.
	EnrichmentCap = 250

	// scanConcurrency bounds outstanding PR-scan calls.
	scanConcurrency = 8
)

// PRSource is the VCS slice the index builder needs.
type PRSource interface {
	ListRecentMergedPRs(ctx context.Context, owner, repo string, sinceDays, perRepoLimit int) ([]vcs.PullRequest, error)
}

// IssueSource is the tracker slice used for enrichment.
type IssueSource interface {
	GetIssue(ctx context.Context, key string) (*tracker.Issue, error)
}

// ComponentRef is the component view the builder needs: which repo is
// deployed where, on which branch, with which metadata strings.
type ComponentRef struct {
	ProjectKey string
	EnvKey     string
	ServiceKey string
	Repo       string
	Branch     string
	Tag        string
	Build      string
	BuildURL   string
	DeployedAt string

	// Build timestamps, RFC 3339, used by the time-aware correlation.
	BuildStartedAt  string
	BuildFinishedAt string
}

// Builder constructs the ticket index.
type Builder struct {
	prs    PRSource
	issues IssueSource
	owner  string
	logger log.Logger
}

// NewBuilder returns a Builder. issues may be nil (enrichment disabled).
func NewBuilder(prs PRSource, issues IssueSource, owner string, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{prs: prs, issues: issues, owner: owner, logger: logger}
}

// regexFor resolves the ticket pattern for a repo from the project that
// deploys it.
func regexFor(projects []*config.Project, repo string) string {
	for _, p := range projects {
		for _, s := range p.Services {
			if s.CodeRepo == repo && p.GitHub.TicketRegex != "" {
				return p.GitHub.TicketRegex
			}
		}
	}
	return ""
}

// Build scans merged PRs in every unique code repo and assembles the
// index. Components drive the PR-based presence heuristic and, when the
// scan finds nothing, the metadata fallback.
func (b *Builder) Build(ctx context.Context, projects []*config.Project, components []ComponentRef, sinceDays int) (map[string]*Ticket, int, error) {
	repos := uniqueRepos(projects)

	// Deployed branch per (repo, stage) for the PR-based heuristic.
	deployedBranch := map[string]string{}
	for _, c := range components {
		if c.Repo == "" || c.Branch == "" {
			continue
		}
		deployedBranch[c.Repo+"|"+config.StageFor(c.EnvKey)] = c.Branch
	}

	prsByRepo, err := b.scanRepos(ctx, repos, sinceDays)
	if err != nil {
		return nil, 0, err
	}

	index := map[string]*Ticket{}
	// Deterministic assembly order: repos sorted, PRs as returned.
	sort.Strings(repos)
	for _, repo := range repos {
		re := CompileTicketRegex(regexFor(projects, repo))
		for _, pr := range prsByRepo[repo] {
			for _, key := range ExtractKeys(re, pr.Title+"\n"+pr.Body) {
				t, ok := index[key]
				if !ok {
					t = newTicket(key)
					index[key] = t
				}
				t.PRs = append(t.PRs, pr)
				t.addRepo(repo)
				t.Timeline = append(t.Timeline, TimelineEntry{
					TS:    rfc3339(pr.MergedAt),
					Label: "PR merged",
					Kind:  "pr_merged",
					URL:   pr.URL,
				})
				// PR-based presence: the PR's base branch is what an
				// environment currently runs.
				for _, stage := range config.Stages {
					branch := deployedBranch[repo+"|"+stage]
					if branch != "" && branch == pr.BaseRef {
						setPresence(t, stage, &PresenceMeta{
							When:       rfc3339(pr.MergedAt),
							Branch:     branch,
							Confidence: "high",
							Source:     "pr_base_branch",
						})
					}
				}
			}
		}
	}

	if len(index) == 0 {
		b.fallbackFromComponents(index, projects, components)
	}

	enriched := 0
	if b.issues != nil {
		enriched = b.enrich(ctx, index)
	}

	for _, t := range index {
		t.finalize()
	}
	return index, enriched, nil
}

// scanRepos fetches merged PRs for every repo with bounded concurrency.
// Unauthorized or failing repos are skipped with a warning.
func (b *Builder) scanRepos(ctx context.Context, repos []string, sinceDays int) (map[string][]vcs.PullRequest, error) {
	var mu sync.Mutex
	prsByRepo := map[string][]vcs.PullRequest{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, repo := range repos {
		g.Go(func() error {
			prs, err := b.prs.ListRecentMergedPRs(gctx, b.owner, repo, sinceDays, PerRepoPRLimit)
			if err != nil {
				if errors.Is(err, vcs.ErrUnauthorized) {
					//nolint:errcheck
					level.Warn(b.logger).Log("msg", "pr scan unauthorized, skipping repo", "repo", repo)
					return nil
				}
				//nolint:errcheck
				level.Warn(b.logger).Log("msg", "pr scan failed", "repo", repo, "err", err)
				return nil
			}
			mu.Lock()
			prsByRepo[repo] = prs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prsByRepo, nil
}

// BuildOne rebuilds a single ticket entry live: it scans merged PRs in
// every unique code repo within sinceDays and keeps only matches for key.
// Returns nil when no PR references the key.
func (b *Builder) BuildOne(ctx context.Context, projects []*config.Project, key string, sinceDays int) (*Ticket, error) {
	repos := uniqueRepos(projects)
	prsByRepo, err := b.scanRepos(ctx, repos, sinceDays)
	if err != nil {
		return nil, err
	}

	var t *Ticket
	sort.Strings(repos)
	for _, repo := range repos {
		re := CompileTicketRegex(regexFor(projects, repo))
		for _, pr := range prsByRepo[repo] {
			for _, k := range ExtractKeys(re, pr.Title+"\n"+pr.Body) {
				if k != key {
					continue
				}
				if t == nil {
					t = newTicket(key)
				}
				t.PRs = append(t.PRs, pr)
				t.addRepo(repo)
				t.Timeline = append(t.Timeline, TimelineEntry{
					TS:    rfc3339(pr.MergedAt),
					Label: "PR merged",
					Kind:  "pr_merged",
					URL:   pr.URL,
				})
			}
		}
	}
	if t == nil {
		return nil, nil
	}
	if b.issues != nil {
		if issue, err := b.issues.GetIssue(ctx, key); err == nil {
			t.Tracker = issue
			t.Summary = issue.Summary
			t.Status = issue.Status
			t.URL = issue.URL
		}
	}
	t.finalize()
	return t, nil
}

// fallbackFromComponents extracts keys from tag, branch, component and
// build strings when the PR scan produced no tickets at all.
func (b *Builder) fallbackFromComponents(index map[string]*Ticket, projects []*config.Project, components []ComponentRef) {
	for _, c := range components {
		re := CompileTicketRegex(regexFor(projects, c.Repo))
		blob := strings.Join([]string{c.Tag, c.Branch, c.ServiceKey, c.Build}, " ")
		for _, key := range ExtractKeys(re, blob) {
			t, ok := index[key]
			if !ok {
				t = newTicket(key)
				index[key] = t
			}
			if c.Repo != "" {
				t.addRepo(c.Repo)
			}
			t.Evidence = append(t.Evidence, Evidence{
				Repo:       c.Repo,
				Component:  c.ServiceKey,
				Tag:        c.Tag,
				Branch:     c.Branch,
				Build:      c.Build,
				DeployedAt: c.DeployedAt,
				BuildURL:   c.BuildURL,
				Source:     "component_metadata",
			})
		}
	}
}

// enrich populates tracker details for up to EnrichmentCap tickets.
// 401/403/404 skip silently; 429 stops the loop for this run.
func (b *Builder) enrich(ctx context.Context, index map[string]*Ticket) int {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > EnrichmentCap {
		keys = keys[:EnrichmentCap]
	}
	n := 0
	for _, key := range keys {
		issue, err := b.issues.GetIssue(ctx, key)
		if err != nil {
			if errors.Is(err, tracker.ErrRateLimited) {
				//nolint:errcheck
				level.Warn(b.logger).Log("msg", "tracker rate limited, stopping enrichment", "after", n)
				break
			}
			continue
		}
		t := index[key]
		t.Tracker = issue
		t.Summary = issue.Summary
		t.Status = issue.Status
		t.URL = issue.URL
		n++
	}
	return n
}

// setPresence marks a stage true; an existing meta is kept unless the new
// one is current (callers pass fresher data through this in order).
func setPresence(t *Ticket, stage string, meta *PresenceMeta) {
	t.EnvPresence[stage] = true
	if meta != nil {
		t.EnvPresenceMeta[stage] = meta
	}
}

func uniqueRepos(projects []*config.Project) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, p := range projects {
		for _, s := range p.Services {
			if s.CodeRepo == "" {
				continue
			}
			if _, ok := seen[s.CodeRepo]; ok {
				continue
			}
			seen[s.CodeRepo] = struct{}{}
			out = append(out, s.CodeRepo)
		}
	}
	return out
}
