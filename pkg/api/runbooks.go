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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// runbookTicketRe is the default runbook key matcher; it tolerates a space
// between project code and number and normalizes to the dashed form.
var runbookTicketRe = regexp.MustCompile(`(?i)\b([A-Z][A-Z0-9]+)[-\s](\d+)\b`)

// prRefRe finds pull-request references in commit messages.
var prRefRe = regexp.MustCompile(`#(\d+)`)

// versionAutoRes are tried in order when no extraction regex is configured.
var versionAutoRes = []*regexp.Regexp{
	regexp.MustCompile(`(?:BE|FE)\.(\d+)\.(\d+)`),
	regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`),
	regexp.MustCompile(`(\d+)\.(\d+)`),
}

var branchKindRe = regexp.MustCompile(`(?i)\b(FE|BE)\.`)

// runbookRequest is the shared request body across runbook endpoints.
type runbookRequest struct {
	Project        string   `json:"project"`
	Repos          []string `json:"repos"`
	BaselineRef    string   `json:"baselineRef"`
	BaselinePrefix string   `json:"baselinePrefix"`
	HeadRef        string   `json:"headRef"`
	OlderRef       string   `json:"olderRef"`
	NewerRef       string   `json:"newerRef"`
	TicketRegex    string   `json:"ticketRegex"`
}

func (s *Server) projectByKey(key string) *config.Project {
	if key == "" && len(s.projects) == 1 {
		return s.projects[0]
	}
	for _, p := range s.projects {
		if p.Project.Key == key {
			return p
		}
	}
	return nil
}

func (s *Server) projectOwner(pc *config.Project) string {
	if pc.Project.Owner != "" {
		return pc.Project.Owner
	}
	return s.owner
}

// decodeRunbook parses the body and resolves the project and repo set.
func (s *Server) decodeRunbook(w http.ResponseWriter, r *http.Request) (*runbookRequest, *config.Project, []string, bool) {
	req := &runbookRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, nil, nil, false
	}
	pc := s.projectByKey(req.Project)
	if pc == nil {
		s.writeError(w, http.StatusBadRequest, "unknown project")
		return nil, nil, nil, false
	}
	repos := req.Repos
	if len(repos) == 0 {
		seen := map[string]struct{}{}
		for _, svc := range pc.Services {
			if svc.CodeRepo == "" {
				continue
			}
			if _, ok := seen[svc.CodeRepo]; ok {
				continue
			}
			seen[svc.CodeRepo] = struct{}{}
			repos = append(repos, svc.CodeRepo)
		}
	}
	if len(repos) == 0 {
		s.writeError(w, http.StatusBadRequest, "no repositories configured or requested")
		return nil, nil, nil, false
	}
	return req, pc, repos, true
}

// compileRunbookRegex compiles the caller's pattern, falling back to the
// tolerant default.
func compileRunbookRegex(pattern string) *regexp.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return runbookTicketRe
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return runbookTicketRe
	}
	return re
}

// extractRunbookTickets pulls normalized ticket keys out of text.
func extractRunbookTickets(re *regexp.Regexp, text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		var key string
		switch {
		case len(m) >= 3 && m[2] != "":
			key = m[1] + "-" + m[2]
		case len(m) >= 2 && m[1] != "":
			key = m[1]
		default:
			key = m[0]
		}
		key = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), " ", "-"))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// prRefsFromCommits collects PR numbers referenced in commit messages,
// sorted numerically.
func prRefsFromCommits(commits []vcs.Commit) []int {
	seen := map[int]struct{}{}
	var out []int
	for _, c := range commits {
		for _, m := range prRefRe.FindAllStringSubmatch(c.Message, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

func ticketsFromCommits(re *regexp.Regexp, commits []vcs.Commit) []string {
	var sb strings.Builder
	for _, c := range commits {
		sb.WriteString(c.Message)
		sb.WriteByte('\n')
	}
	return extractRunbookTickets(re, sb.String())
}

// matchesPattern treats the pattern as an anchored regex when it compiles,
// falling back to glob matching.
func matchesPattern(name, pattern string) bool {
	if re, err := regexp.Compile("^(?:" + pattern + ")$"); err == nil {
		return re.MatchString(name)
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// branchVersion extracts a comparable version from a branch name using the
// configured regex first, then the auto-detected forms.
func branchVersion(name string, b config.Branching) (semver.Version, string, bool) {
	if b.VersionExtractionRegex != "" {
		if re, err := regexp.Compile(b.VersionExtractionRegex); err == nil {
			if m := re.FindStringSubmatch(name); m != nil {
				var parts []string
				for _, g := range m[1:] {
					if g != "" {
						parts = append(parts, g)
					}
				}
				if len(parts) > 0 {
					vstr := strings.Join(parts, ".")
					if v, err := semver.ParseTolerant(vstr); err == nil {
						return v, vstr, true
					}
				}
			}
		}
	}
	for _, re := range versionAutoRes {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		vstr := strings.Join(m[1:], ".")
		if v, err := semver.ParseTolerant(vstr); err == nil {
			return v, vstr, true
		}
	}
	return semver.Version{}, "", false
}

// repoIsFrontend is the naming heuristic separating FE from BE release
// lines when branches carry FE./BE. prefixes.
func repoIsFrontend(repo string) bool {
	l := strings.ToLower(repo)
	return strings.Contains(l, "frontend") ||
		strings.Contains(l, "-fe") ||
		strings.HasPrefix(l, "fe-") ||
		strings.HasSuffix(l, "-ui")
}

func branchKind(name string) string {
	if m := branchKindRe.FindStringSubmatch(name); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// branchPick is one selected release branch.
type branchPick struct {
	Name    string `json:"branch"`
	Version string `json:"version,omitempty"`
}

// latestReleaseBranch picks the current release branch for a repo according
// to the project's branching strategy.
func (s *Server) latestReleaseBranch(ctx context.Context, owner, repo string, b config.Branching) (*branchPick, error) {
	brs, err := s.gh.ListBranches(ctx, owner, repo, 200)
	if err != nil {
		return nil, err
	}
	isFE := repoIsFrontend(repo)
	var candidates []vcs.Branch
	for _, br := range brs {
		matched := false
		for _, p := range b.ReleaseBranchPatterns {
			if matchesPattern(br.Name, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if kind := branchKind(br.Name); kind != "" {
			if (kind == "FE") != isFE {
				continue
			}
		}
		candidates = append(candidates, br)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if b.PickStrategy == "recent" {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Name > best.Name {
				best = c
			}
		}
		return &branchPick{Name: best.Name}, nil
	}

	// semver strategy: highest extracted version wins; branches without a
	// recognizable version lose to any versioned branch.
	var best *branchPick
	var bestVer semver.Version
	for _, c := range candidates {
		v, vstr, ok := branchVersion(c.Name, b)
		if !ok {
			if best == nil {
				best = &branchPick{Name: c.Name}
			}
			continue
		}
		if best == nil || best.Version == "" || v.GT(bestVer) {
			best = &branchPick{Name: c.Name, Version: vstr}
			bestVer = v
		}
	}
	return best, nil
}

// resolveBaseline picks the comparison baseline: an explicit ref, the
// newest branch under a prefix, or the branching strategy's latest release
// branch.
func (s *Server) resolveBaseline(ctx context.Context, owner, repo string, req *runbookRequest, b config.Branching) (string, string, error) {
	if req.BaselineRef != "" {
		ok, err := s.gh.RefExists(ctx, owner, repo, req.BaselineRef)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", fmt.Errorf("baseline ref %q not found", req.BaselineRef)
		}
		return req.BaselineRef, "explicit", nil
	}
	if req.BaselinePrefix != "" {
		brs, err := s.gh.ListBranches(ctx, owner, repo, 200)
		if err != nil {
			return "", "", err
		}
		var best string
		var bestVer semver.Version
		haveVer := false
		for _, br := range brs {
			if !strings.HasPrefix(br.Name, req.BaselinePrefix) {
				continue
			}
			if v, _, ok := branchVersion(br.Name, b); ok {
				if !haveVer || v.GT(bestVer) {
					best, bestVer, haveVer = br.Name, v, true
				}
			} else if best == "" {
				best = br.Name
			}
		}
		if best == "" {
			return "", "", fmt.Errorf("no branch matches prefix %q", req.BaselinePrefix)
		}
		return best, "prefix", nil
	}
	pick, err := s.latestReleaseBranch(ctx, owner, repo, b)
	if err != nil {
		return "", "", err
	}
	if pick == nil {
		return "", "", fmt.Errorf("no release branch matches the configured patterns")
	}
	return pick.Name, "strategy", nil
}

func (s *Server) handleLatestBranches(w http.ResponseWriter, r *http.Request) {
	_, pc, repos, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	owner := s.projectOwner(pc)

	type result struct {
		Repo    string `json:"repo"`
		Branch  string `json:"branch,omitempty"`
		Version string `json:"version,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	var results []result
	for _, repo := range repos {
		pick, err := s.latestReleaseBranch(r.Context(), owner, repo, pc.BranchingFor(repo))
		switch {
		case err != nil:
			results = append(results, result{Repo: repo, Error: err.Error()})
		case pick == nil:
			results = append(results, result{Repo: repo, Error: "no release branch matches the configured patterns"})
		default:
			results = append(results, result{Repo: repo, Branch: pick.Name, Version: pick.Version})
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project": pc.Project.Key, "results": results})
}

func (s *Server) handleScope(w http.ResponseWriter, r *http.Request) {
	req, pc, repos, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	owner := s.projectOwner(pc)
	re := compileRunbookRegex(req.TicketRegex)

	type result struct {
		Repo        string   `json:"repo"`
		Baseline    string   `json:"baseline,omitempty"`
		BaselineVia string   `json:"baselineVia,omitempty"`
		Head        string   `json:"head,omitempty"`
		CommitCount int      `json:"commitCount"`
		Tickets     []string `json:"tickets"`
		PRs         []int    `json:"prs"`
		CompareURL  string   `json:"compareUrl,omitempty"`
		Error       string   `json:"error,omitempty"`
	}
	var results []result
	allTickets := map[string]struct{}{}
	for _, repo := range repos {
		b := pc.BranchingFor(repo)
		head := req.HeadRef
		if head == "" {
			head = b.DefaultBranch
		}
		baseline, via, err := s.resolveBaseline(r.Context(), owner, repo, req, b)
		if err != nil {
			results = append(results, result{Repo: repo, Head: head, Tickets: []string{}, PRs: []int{}, Error: err.Error()})
			continue
		}
		cmp, err := s.gh.CompareRefs(r.Context(), owner, repo, baseline, head)
		if err != nil {
			results = append(results, result{Repo: repo, Baseline: baseline, BaselineVia: via, Head: head, Tickets: []string{}, PRs: []int{}, Error: err.Error()})
			continue
		}
		keys := ticketsFromCommits(re, cmp.Commits)
		for _, k := range keys {
			allTickets[k] = struct{}{}
		}
		results = append(results, result{
			Repo:        repo,
			Baseline:    baseline,
			BaselineVia: via,
			Head:        head,
			CommitCount: len(cmp.Commits),
			Tickets:     keys,
			PRs:         prRefsFromCommits(cmp.Commits),
			CompareURL:  cmp.HTMLURL,
		})
	}
	merged := make([]string, 0, len(allTickets))
	for k := range allTickets {
		merged = append(merged, k)
	}
	sort.Strings(merged)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project": pc.Project.Key,
		"results": results,
		"tickets": merged,
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	_, pc, repos, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	owner := s.projectOwner(pc)

	type result struct {
		Repo          string `json:"repo"`
		DefaultBranch string `json:"defaultBranch"`
		ReleaseBranch string `json:"releaseBranch,omitempty"`
		AheadBy       int    `json:"aheadBy"`
		HasDrift      bool   `json:"hasDrift"`
		CompareURL    string `json:"compareUrl,omitempty"`
		Error         string `json:"error,omitempty"`
	}
	var results []result
	anyDrift := false
	for _, repo := range repos {
		b := pc.BranchingFor(repo)
		res := result{Repo: repo, DefaultBranch: b.DefaultBranch}
		pick, err := s.latestReleaseBranch(r.Context(), owner, repo, b)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if pick == nil {
			res.Error = "no release branch matches the configured patterns"
			results = append(results, res)
			continue
		}
		res.ReleaseBranch = pick.Name
		cmp, err := s.gh.CompareRefs(r.Context(), owner, repo, b.DefaultBranch, pick.Name)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.AheadBy = cmp.AheadBy
		res.HasDrift = cmp.AheadBy > 0
		res.CompareURL = cmp.HTMLURL
		if res.HasDrift {
			anyDrift = true
		}
		results = append(results, res)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project":  pc.Project.Key,
		"hasDrift": anyDrift,
		"results":  results,
	})
}

func (s *Server) handleReleaseDiff(w http.ResponseWriter, r *http.Request) {
	req, pc, repos, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	if req.OlderRef == "" || req.NewerRef == "" {
		s.writeError(w, http.StatusBadRequest, "olderRef and newerRef are required")
		return
	}
	owner := s.projectOwner(pc)
	re := compileRunbookRegex(req.TicketRegex)

	type added struct {
		CommitCount int      `json:"commitCount"`
		Tickets     []string `json:"tickets"`
		PRs         []int    `json:"prs"`
		CompareURL  string   `json:"compareUrl,omitempty"`
	}
	type result struct {
		Repo  string `json:"repo"`
		Older string `json:"older"`
		Newer string `json:"newer"`
		Added *added `json:"added,omitempty"`
		Error string `json:"error,omitempty"`
	}
	var results []result
	for _, repo := range repos {
		res := result{Repo: repo, Older: req.OlderRef, Newer: req.NewerRef}
		cmp, err := s.gh.CompareRefs(r.Context(), owner, repo, req.OlderRef, req.NewerRef)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.Added = &added{
			CommitCount: len(cmp.Commits),
			Tickets:     ticketsFromCommits(re, cmp.Commits),
			PRs:         prRefsFromCommits(cmp.Commits),
			CompareURL:  cmp.HTMLURL,
		}
		results = append(results, res)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project": pc.Project.Key, "results": results})
}

// handleReadiness validates that the refs a release runbook would compare
// exist in every repo: the baseline (explicit override, prefix, or the
// branching strategy's pick) and the head (override or default branch).
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	req, pc, repos, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	owner := s.projectOwner(pc)

	type result struct {
		Repo     string   `json:"repo"`
		Status   string   `json:"status"`
		Baseline string   `json:"baseline,omitempty"`
		Head     string   `json:"head,omitempty"`
		Messages []string `json:"messages"`
	}
	var results []result
	allOK := true
	for _, repo := range repos {
		b := pc.BranchingFor(repo)
		res := result{Repo: repo, Status: "ok", Messages: []string{}}

		baseline, _, err := s.resolveBaseline(r.Context(), owner, repo, req, b)
		if err != nil {
			res.Messages = append(res.Messages, err.Error())
		} else {
			res.Baseline = baseline
			if exists, err := s.gh.RefExists(r.Context(), owner, repo, baseline); err != nil {
				res.Messages = append(res.Messages, fmt.Sprintf("checking baseline ref %q failed: %v", baseline, err))
			} else if !exists {
				res.Messages = append(res.Messages, fmt.Sprintf("baseline ref %q not found", baseline))
			}
			if repoIsFrontend(repo) && branchKind(baseline) == "BE" {
				res.Messages = append(res.Messages, "frontend repository matched a backend-style release branch")
			}
		}

		head := req.HeadRef
		if head == "" {
			head = b.DefaultBranch
		}
		res.Head = head
		if exists, err := s.gh.RefExists(r.Context(), owner, repo, head); err != nil {
			res.Messages = append(res.Messages, fmt.Sprintf("checking head ref %q failed: %v", head, err))
		} else if !exists {
			res.Messages = append(res.Messages, fmt.Sprintf("head ref %q not found", head))
		}

		if len(res.Messages) > 0 {
			res.Status = "warn"
			allOK = false
		}
		results = append(results, res)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"project": pc.Project.Key,
		"ready":   allOK,
		"results": results,
	})
}
