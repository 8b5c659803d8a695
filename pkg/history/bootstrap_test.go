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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// fakeInfra serves a fixed commit history for one kustomization path.
type fakeInfra struct {
	commits []vcs.Commit      // newest first
	files   map[string]string // sha -> kustomization text
}

func (f *fakeInfra) ListCommits(_ context.Context, _, _, _, _ string, perPage, page int) ([]vcs.Commit, error) {
	start := (page - 1) * perPage
	if start >= len(f.commits) {
		return nil, nil
	}
	end := start + perPage
	if end > len(f.commits) {
		end = len(f.commits)
	}
	return f.commits[start:end], nil
}

func (f *fakeInfra) FetchFile(_ context.Context, _, _, _, ref string) (string, error) {
	text, ok := f.files[ref]
	if !ok {
		return "", vcs.ErrNotFound
	}
	return text, nil
}

func kustomization(tag string) string {
	return "images:\n  - name: repo/api\n    newTag: " + tag + "\n"
}

func TestBootstrap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	infra := &fakeInfra{
		commits: []vcs.Commit{
			{SHA: "c3", Author: "amy", Date: now.AddDate(0, 0, -1), HTMLURL: "u3"},
			{SHA: "c2", Author: "bob", Date: now.AddDate(0, 0, -10)},
			{SHA: "c1", Author: "cyd", Date: now.AddDate(0, 0, -30)},
		},
		files: map[string]string{
			"c3": kustomization("api-v0.0.3"),
			"c2": kustomization("api-v0.0.2"),
			"c1": kustomization("api-v0.0.1"),
		},
	}
	targets := []BootstrapTarget{{
		ProjectKey: "orders", EnvKey: "prod", Owner: "acme",
		InfraRepo: "orders-infra", InfraRef: "main",
		KustomizationPath: "envs/prod/kustomization.yaml",
	}}

	n, err := s.Bootstrap(context.Background(), infra, targets, BootstrapOptions{Days: 60}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	events, err := s.EventsForProject("orders")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "api-v0.0.3", events[0].ToTag)
	require.Equal(t, "api-v0.0.2", events[0].FromTag)
	require.Equal(t, "amy", events[0].By)
	require.True(t, events[0].Bootstrap)
	require.Equal(t, "api-v0.0.2", events[1].ToTag)

	// Re-running reconstructs the same ids; the append dedups them all.
	n, err = s.Bootstrap(context.Background(), infra, targets, BootstrapOptions{Days: 60}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBootstrapRespectsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	// The transition at now-90d is outside a 60 day window; the commit one
	// past the cutoff only serves as the baseline.
	infra := &fakeInfra{
		commits: []vcs.Commit{
			{SHA: "c2", Date: now.AddDate(0, 0, -90)},
			{SHA: "c1", Date: now.AddDate(0, 0, -120)},
		},
		files: map[string]string{
			"c2": kustomization("api-v0.0.2"),
			"c1": kustomization("api-v0.0.1"),
		},
	}
	targets := []BootstrapTarget{{
		ProjectKey: "orders", EnvKey: "prod", Owner: "acme",
		InfraRepo: "orders-infra", InfraRef: "main",
		KustomizationPath: "envs/prod/kustomization.yaml",
	}}

	n, err := s.Bootstrap(context.Background(), infra, targets, BootstrapOptions{Days: 60}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBackfill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)

	// Existing history starts 5 days ago: younger than the 60 day window.
	existingAt := now.AddDate(0, 0, -5).Format(time.RFC3339)
	_, err := s.Append([]Event{ev("seed", "orders", "prod", "api", "api-v0.0.2", "api-v0.0.3", existingAt)})
	require.NoError(t, err)

	infra := &fakeInfra{
		commits: []vcs.Commit{
			{SHA: "c2", Date: now.AddDate(0, 0, -20)},
			{SHA: "c1", Date: now.AddDate(0, 0, -40)},
		},
		files: map[string]string{
			"c2": kustomization("api-v0.0.2"),
			"c1": kustomization("api-v0.0.1"),
		},
	}
	targets := []BootstrapTarget{{
		ProjectKey: "orders", EnvKey: "prod", Owner: "acme",
		InfraRepo: "orders-infra", InfraRef: "main",
		KustomizationPath: "envs/prod/kustomization.yaml",
	}}

	n, err := s.Backfill(context.Background(), infra, targets, BootstrapOptions{Days: 60}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err := s.EventsForProject("orders")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "api-v0.0.2", events[1].ToTag)

	idx, err := s.LoadIndex()
	require.NoError(t, err)
	require.True(t, idx.BackfillRun)

	// The flag makes a second backfill a no-op.
	n, err = s.Backfill(context.Background(), infra, targets, BootstrapOptions{Days: 60}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBackfillEmptyStoreIsNoop(t *testing.T) {
	s := newTestStore(t, time.Now())
	n, err := s.Backfill(context.Background(), &fakeInfra{}, nil, BootstrapOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
