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

package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/assemble"
	"github.com/deliveryops/estatesnap/pkg/tickets"
)

func flatteningDoc() *Document {
	return &Document{
		GeneratedAt: "2026-02-01T10:00:00Z",
		Projects: []*assemble.Project{{
			Key: "orders", DisplayName: "Orders",
			Environments: []assemble.Environment{{
				EnvKey: "prod", DisplayName: "Production",
				Components: []assemble.Component{{
					ServiceKey:      "orders-api",
					Repo:            "orders-api",
					Branch:          "release/2.4",
					Tag:             "orders-api-v0.0.42",
					BuildNumber:     "42",
					BuildURL:        "https://tc/build/9001",
					BuildStartedAt:  "2026-02-01T09:00:00Z",
					BuildFinishedAt: "2026-02-01T09:10:00Z",
					Deployer:        "amy",
					DeployedAt:      "2026-02-01T09:30:00Z",
					DeployCommitSHA: "c2",
				}},
			}},
		}},
	}
}

func TestComponentStates(t *testing.T) {
	states := componentStates(flatteningDoc())
	require.Len(t, states, 1)
	s := states[0]
	require.Equal(t, "orders", s.ProjectKey)
	require.Equal(t, "prod", s.EnvKey)
	require.Equal(t, "Production", s.EnvName)
	require.Equal(t, "orders-api", s.Component)
	require.Equal(t, "orders-api-v0.0.42", s.Tag)
	require.Equal(t, "42", s.Build)
	require.Equal(t, "amy", s.By)
	require.Equal(t, "c2", s.CommitSHA)
}

func TestTicketRefs(t *testing.T) {
	refs := ticketRefs(flatteningDoc())
	require.Len(t, refs, 1)
	r := refs[0]
	require.Equal(t, "orders", r.ProjectKey)
	require.Equal(t, "release/2.4", r.Branch)
	require.Equal(t, "2026-02-01T09:00:00Z", r.BuildStartedAt)
	require.Equal(t, "2026-02-01T09:10:00Z", r.BuildFinishedAt)
}

func TestDeployedBranches(t *testing.T) {
	refs := []tickets.ComponentRef{
		{Repo: "orders-api", EnvKey: "prod", Branch: "release/2.4"},
		{Repo: "orders-api", EnvKey: "qa2", Branch: "develop"},
		{Repo: "no-branch", EnvKey: "prod"},
	}
	got := deployedBranches(refs)
	require.Equal(t, map[string]string{
		"orders-api|PROD": "release/2.4",
		"orders-api|QA":   "develop",
	}, got)
}

func TestBuildTimes(t *testing.T) {
	refs := []tickets.ComponentRef{{
		Repo: "orders-api", Build: "42",
		BuildStartedAt:  "2026-02-01T09:00:00Z",
		BuildFinishedAt: "2026-02-01T09:10:00Z",
	}}
	builds := []tickets.BuildInfo{
		{Repo: "orders-api", Number: "42"},
		{Repo: "orders-api", Number: "41"},
	}
	buildTimes(refs, builds)

	require.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), builds[0].StartedAt)
	require.Equal(t, time.Date(2026, 2, 1, 9, 10, 0, 0, time.UTC), builds[0].FinishedAt)
	// Unmatched builds keep zero times.
	require.True(t, builds[1].StartedAt.IsZero())
	require.True(t, builds[1].FinishedAt.IsZero())
}
