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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/history"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

func TestApplyHistoryPresence(t *testing.T) {
	mergedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ticket := newTicket("ABC-12")
	ticket.PRs = []vcs.PullRequest{{
		Repo: "orders-api", MergedAt: mergedAt, BaseRef: "release/2.4",
	}}
	index := map[string]*Ticket{"ABC-12": ticket}

	events := []history.Event{
		// Deployed to UAT after the merge: counts.
		{Repo: "orders-api", EnvKey: "uat", ToTag: "v2", ToBuild: "42",
			At: mergedAt.Add(2 * time.Hour).UTC().Format("2006-01-02T15:04:05Z")},
		// PROD deployment predates the merge: never counts.
		{Repo: "orders-api", EnvKey: "prod", ToTag: "v1",
			At: mergedAt.Add(-time.Hour).UTC().Format("2006-01-02T15:04:05Z")},
	}
	deployedBranch := map[string]string{"orders-api|UAT": "release/2.4"}

	ApplyHistoryPresence(index, events, deployedBranch)

	require.True(t, ticket.EnvPresence["UAT"])
	require.False(t, ticket.EnvPresence["PROD"])

	meta := ticket.EnvPresenceMeta["UAT"]
	require.NotNil(t, meta)
	require.True(t, meta.Inferred)
	require.Equal(t, "high", meta.Confidence) // deployed branch == PR base
	require.Empty(t, meta.Warning)
	require.Equal(t, "deployment_history_time", meta.Source)
	require.Equal(t, "v2", meta.Tag)
}

func TestApplyHistoryPresenceHeuristicConfidence(t *testing.T) {
	mergedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ticket := newTicket("ABC-12")
	ticket.PRs = []vcs.PullRequest{{Repo: "orders-api", MergedAt: mergedAt, BaseRef: "main"}}
	index := map[string]*Ticket{"ABC-12": ticket}

	events := []history.Event{{
		Repo: "orders-api", EnvKey: "qa2", ToTag: "v2",
		At: mergedAt.Add(time.Hour).UTC().Format("2006-01-02T15:04:05Z"),
	}}
	// QA runs a different branch than the PR's base.
	ApplyHistoryPresence(index, events, map[string]string{"orders-api|QA": "release/2.4"})

	require.True(t, ticket.EnvPresence["QA"])
	meta := ticket.EnvPresenceMeta["QA"]
	require.Equal(t, "heuristic", meta.Confidence)
	require.NotEmpty(t, meta.Warning)
}

func TestApplyHistoryPresenceKeepsExistingTrue(t *testing.T) {
	mergedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	ticket := newTicket("ABC-12")
	ticket.PRs = []vcs.PullRequest{{Repo: "orders-api", MergedAt: mergedAt, BaseRef: "main"}}
	setPresence(ticket, "UAT", &PresenceMeta{Source: "time_aware", Confidence: "high"})
	index := map[string]*Ticket{"ABC-12": ticket}

	events := []history.Event{{
		Repo: "orders-api", EnvKey: "uat", ToTag: "v9",
		At: mergedAt.Add(time.Hour).UTC().Format("2006-01-02T15:04:05Z"),
	}}
	ApplyHistoryPresence(index, events, nil)

	// Already-established presence is never overwritten by the heuristic.
	require.Equal(t, "time_aware", ticket.EnvPresenceMeta["UAT"].Source)
}

func TestApplyPersistenceFloor(t *testing.T) {
	ticket := newTicket("ABC-12")
	setPresence(ticket, "QA", &PresenceMeta{Source: "pr_base_branch", Confidence: "high"})
	index := map[string]*Ticket{"ABC-12": ticket}

	prev := PrevPresence{
		"ABC-12":  {"QA": true, "PROD": true, "DEV": false},
		"GONE-99": {"PROD": true}, // no longer in the index
	}
	ApplyPersistenceFloor(index, prev)

	// PROD was observed before and is carried forward.
	require.True(t, ticket.EnvPresence["PROD"])
	require.Equal(t, "persisted_prev_snapshot", ticket.EnvPresenceMeta["PROD"].Source)
	require.Equal(t, "persisted", ticket.EnvPresenceMeta["PROD"].Confidence)

	// DEV was false before and stays false.
	require.False(t, ticket.EnvPresence["DEV"])

	// The current run's meta wins when it re-established the stage.
	require.Equal(t, "pr_base_branch", ticket.EnvPresenceMeta["QA"].Source)
}

func TestWithinDays(t *testing.T) {
	ref := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, WithinDays(ref, ref.Add(24*time.Hour), 3))
	require.True(t, WithinDays(ref, ref.Add(72*time.Hour), 3))
	require.False(t, WithinDays(ref, ref.Add(73*time.Hour), 3))
	require.False(t, WithinDays(ref, ref.Add(-time.Hour), 3))
}
