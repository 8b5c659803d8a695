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

// Package tickets builds the ticket index from merged pull requests and
// correlates tickets to releases and deployments under strict time-ordered
// rules.
package tickets

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/deliveryops/estatesnap/pkg/tracker"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// DefaultTicketRegex extracts keys like "ABC-123" from PR titles and
// bodies.
const DefaultTicketRegex = `\b([A-Z][A-Z0-9]+-\d+)\b`

var defaultTicketRe = regexp.MustCompile(DefaultTicketRegex)

// CompileTicketRegex compiles a project-specific pattern, falling back to
// the default on empty or invalid input.
func CompileTicketRegex(pattern string) *regexp.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return defaultTicketRe
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return defaultTicketRe
	}
	return re
}

// ExtractKeys returns the unique upper-cased ticket keys found in text.
func ExtractKeys(re *regexp.Regexp, text string) []string {
	if re == nil {
		re = defaultTicketRe
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		key := m[0]
		if len(m) > 1 && m[1] != "" {
			key = m[1]
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// Evidence is a component-metadata trace used when no PR linked a ticket.
type Evidence struct {
	Repo       string `json:"repo"`
	Component  string `json:"component"`
	Tag        string `json:"tag,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Build      string `json:"build,omitempty"`
	DeployedAt string `json:"deployedAt,omitempty"`
	BuildURL   string `json:"buildUrl,omitempty"`
	Source     string `json:"source"`
}

// TimelineEntry is one time-ordered event on a ticket's journey.
type TimelineEntry struct {
	TS          string `json:"ts"`
	Label       string `json:"label"`
	Kind        string `json:"kind"`
	TimeAware   bool   `json:"timeAware,omitempty"`
	FromHistory bool   `json:"fromHistory,omitempty"`
	URL         string `json:"url,omitempty"`
}

// PresenceMeta explains how a stage presence was established.
type PresenceMeta struct {
	When       string `json:"when,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Build      string `json:"build,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Source     string `json:"source,omitempty"`
	Inferred   bool   `json:"inferred,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// BranchRef is one time-validated branch attachment.
type BranchRef struct {
	Repo      string `json:"repo"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

// BuildRef is one time-validated build attachment.
type BuildRef struct {
	Repo       string `json:"repo"`
	Number     string `json:"number"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt,omitempty"`
	URL        string `json:"url,omitempty"`
}

// DeploymentRef is one time-validated deployment attachment.
type DeploymentRef struct {
	Repo      string `json:"repo"`
	Component string `json:"component"`
	Stage     string `json:"stage"`
	Tag       string `json:"tag,omitempty"`
	Build     string `json:"build,omitempty"`
	At        string `json:"at"`
}

// Ticket is one correlated ticket.
type Ticket struct {
	Key                  string                   `json:"key"`
	Repos                []string                 `json:"repos"`
	PRs                  []vcs.PullRequest        `json:"prs"`
	Evidence             []Evidence               `json:"evidence,omitempty"`
	Timeline             []TimelineEntry          `json:"timeline,omitempty"`
	EnvPresence          map[string]bool          `json:"envPresence"`
	EnvPresenceMeta      map[string]*PresenceMeta `json:"envPresenceMeta,omitempty"`
	TimeAwareBranches    []BranchRef              `json:"timeAwareBranches,omitempty"`
	TimeAwareBuilds      []BuildRef               `json:"timeAwareBuilds,omitempty"`
	TimeAwareDeployments []DeploymentRef          `json:"timeAwareDeployments,omitempty"`
	Tracker              *tracker.Issue           `json:"jira,omitempty"`

	// Flattened tracker fields for UI convenience.
	Summary string `json:"summary,omitempty"`
	Status  string `json:"status,omitempty"`
	URL     string `json:"jiraUrl,omitempty"`
}

// newTicket initializes the presence map over the canonical stages.
func newTicket(key string) *Ticket {
	return &Ticket{
		Key:             key,
		EnvPresence:     map[string]bool{"DEV": false, "QA": false, "UAT": false, "PROD": false},
		EnvPresenceMeta: map[string]*PresenceMeta{},
	}
}

func (t *Ticket) addRepo(repo string) {
	for _, r := range t.Repos {
		if r == repo {
			return
		}
	}
	t.Repos = append(t.Repos, repo)
}

// finalize sorts PRs newest-first and repos alphabetically, and orders the
// timeline chronologically.
func (t *Ticket) finalize() {
	sort.SliceStable(t.PRs, func(i, j int) bool {
		return t.PRs[i].MergedAt.After(t.PRs[j].MergedAt)
	})
	sort.Strings(t.Repos)
	sort.SliceStable(t.Timeline, func(i, j int) bool {
		return t.Timeline[i].TS < t.Timeline[j].TS
	})
}

func rfc3339(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
