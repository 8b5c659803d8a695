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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/tracker"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

func TestExtractKeys(t *testing.T) {
	keys := ExtractKeys(nil, "ABC-12 fixes abc-12 and DEF-3, not lowercase-9 or X-1")
	require.Equal(t, []string{"ABC-12", "DEF-3"}, keys)
}

func TestCompileTicketRegexFallsBack(t *testing.T) {
	require.Equal(t, defaultTicketRe, CompileTicketRegex(""))
	require.Equal(t, defaultTicketRe, CompileTicketRegex("([unclosed"))
	re := CompileTicketRegex(`\b(ORD-\d+)\b`)
	require.Equal(t, []string{"ORD-7"}, ExtractKeys(re, "ORD-7 and ABC-12"))
}

type fakePRSource struct {
	byRepo map[string][]vcs.PullRequest
	err    error
}

func (f *fakePRSource) ListRecentMergedPRs(_ context.Context, _, repo string, _, _ int) ([]vcs.PullRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byRepo[repo], nil
}

type fakeIssueSource struct {
	issues map[string]*tracker.Issue
	calls  []string
	limit  int // after this many calls, return ErrRateLimited
}

func (f *fakeIssueSource) GetIssue(_ context.Context, key string) (*tracker.Issue, error) {
	f.calls = append(f.calls, key)
	if f.limit > 0 && len(f.calls) > f.limit {
		return nil, tracker.ErrRateLimited
	}
	issue, ok := f.issues[key]
	if !ok {
		return nil, tracker.ErrNotFound
	}
	return issue, nil
}

func buildProjects() []*config.Project {
	return []*config.Project{{
		Project:  config.ProjectIdentity{Key: "orders"},
		Services: []config.Service{{Key: "orders-api", CodeRepo: "orders-api", InfraRepo: "orders-infra"}},
	}}
}

func TestBuild(t *testing.T) {
	mergedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	prs := &fakePRSource{byRepo: map[string][]vcs.PullRequest{
		"orders-api": {
			{Repo: "orders-api", Number: 7, Title: "ABC-12 fix checkout", URL: "u7",
				MergedAt: mergedAt, BaseRef: "release/2.4", MergeSHA: "sha7"},
			{Repo: "orders-api", Number: 8, Title: "chore: bump deps", MergedAt: mergedAt},
		},
	}}
	issues := &fakeIssueSource{issues: map[string]*tracker.Issue{
		"ABC-12": {Key: "ABC-12", Summary: "Fix checkout", Status: "Done", URL: "https://jira/browse/ABC-12"},
	}}
	b := NewBuilder(prs, issues, "acme", nil)

	components := []ComponentRef{{
		ProjectKey: "orders", EnvKey: "uat", Repo: "orders-api", Branch: "release/2.4",
	}}
	index, enriched, err := b.Build(context.Background(), buildProjects(), components, 120)
	require.NoError(t, err)
	require.Equal(t, 1, enriched)
	require.Len(t, index, 1)

	ticket := index["ABC-12"]
	require.NotNil(t, ticket)
	require.Equal(t, []string{"orders-api"}, ticket.Repos)
	require.Len(t, ticket.PRs, 1)

	// The PR's base branch is deployed to UAT, so presence is established
	// there and only there.
	require.True(t, ticket.EnvPresence["UAT"])
	require.False(t, ticket.EnvPresence["PROD"])
	meta := ticket.EnvPresenceMeta["UAT"]
	require.NotNil(t, meta)
	require.Equal(t, "high", meta.Confidence)
	require.Equal(t, "pr_base_branch", meta.Source)

	require.Equal(t, "Fix checkout", ticket.Summary)
	require.Equal(t, "Done", ticket.Status)
}

func TestBuildFallbackFromComponents(t *testing.T) {
	b := NewBuilder(&fakePRSource{}, nil, "acme", nil)

	components := []ComponentRef{{
		ProjectKey: "orders", EnvKey: "prod", ServiceKey: "orders-api",
		Repo: "orders-api", Branch: "feature/ABC-99-hotfix", Tag: "orders-api-v0.0.42",
	}}
	index, enriched, err := b.Build(context.Background(), buildProjects(), components, 120)
	require.NoError(t, err)
	require.Zero(t, enriched)
	require.Len(t, index, 1)

	ticket := index["ABC-99"]
	require.NotNil(t, ticket)
	require.Len(t, ticket.Evidence, 1)
	require.Equal(t, "component_metadata", ticket.Evidence[0].Source)
	// Metadata evidence never claims presence on its own.
	require.False(t, ticket.EnvPresence["PROD"])
}

func TestBuildOne(t *testing.T) {
	mergedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	prs := &fakePRSource{byRepo: map[string][]vcs.PullRequest{
		"orders-api": {
			{Repo: "orders-api", Number: 7, Title: "ABC-12 fix checkout", URL: "u7", MergedAt: mergedAt},
			{Repo: "orders-api", Number: 8, Title: "DEF-3 other work", MergedAt: mergedAt},
		},
	}}
	issues := &fakeIssueSource{issues: map[string]*tracker.Issue{
		"ABC-12": {Key: "ABC-12", Summary: "Fix checkout", Status: "Done"},
	}}
	b := NewBuilder(prs, issues, "acme", nil)

	ticket, err := b.BuildOne(context.Background(), buildProjects(), "ABC-12", 120)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	require.Len(t, ticket.PRs, 1)
	require.Equal(t, 7, ticket.PRs[0].Number)
	require.Equal(t, []string{"orders-api"}, ticket.Repos)
	require.Len(t, ticket.Timeline, 1)
	require.Equal(t, "Fix checkout", ticket.Summary)
	// Only the requested key is enriched.
	require.Equal(t, []string{"ABC-12"}, issues.calls)

	ticket, err = b.BuildOne(context.Background(), buildProjects(), "ZZZ-99", 120)
	require.NoError(t, err)
	require.Nil(t, ticket)
}

func TestBuildSkipsUnauthorizedRepo(t *testing.T) {
	b := NewBuilder(&fakePRSource{err: vcs.ErrUnauthorized}, nil, "acme", nil)
	index, _, err := b.Build(context.Background(), buildProjects(), nil, 120)
	require.NoError(t, err)
	require.Empty(t, index)
}

func TestEnrichStopsOnRateLimit(t *testing.T) {
	index := map[string]*Ticket{
		"A-1": newTicket("A-1"),
		"A-2": newTicket("A-2"),
		"A-3": newTicket("A-3"),
	}
	issues := &fakeIssueSource{
		issues: map[string]*tracker.Issue{
			"A-1": {Key: "A-1", Summary: "one"},
		},
		limit: 1,
	}
	b := NewBuilder(&fakePRSource{}, issues, "acme", nil)

	n := b.enrich(context.Background(), index)
	require.Equal(t, 1, n)
	// Keys are visited in sorted order; the 429 on A-2 stops the loop
	// before A-3.
	require.Equal(t, []string{"A-1", "A-2"}, issues.calls)
	require.Equal(t, "one", index["A-1"].Summary)
	require.Empty(t, index["A-3"].Summary)
}

func TestFinalizeOrders(t *testing.T) {
	ticket := newTicket("ABC-1")
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(48 * time.Hour)
	ticket.PRs = []vcs.PullRequest{{Number: 1, MergedAt: older}, {Number: 2, MergedAt: newer}}
	ticket.Repos = []string{"zeta", "alpha"}
	ticket.Timeline = []TimelineEntry{{TS: "2026-01-03T00:00:00Z"}, {TS: "2026-01-01T00:00:00Z"}}

	ticket.finalize()
	require.Equal(t, 2, ticket.PRs[0].Number)
	require.Equal(t, []string{"alpha", "zeta"}, ticket.Repos)
	require.Equal(t, "2026-01-01T00:00:00Z", ticket.Timeline[0].TS)
}
