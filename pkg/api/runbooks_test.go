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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/httpx"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

type stubCommit struct {
	sha, message string
}

type stubCompare struct {
	status  string
	aheadBy int
	commits []stubCommit
	htmlURL string
}

// newGitHubStub serves the branch listing and compare endpoints for the
// acme/orders-api repository.
func newGitHubStub(t *testing.T, compares map[string]stubCompare) *httptest.Server {
	t.Helper()
	branches := []map[string]any{
		{"name": "main", "commit": map[string]string{"sha": "m1"}},
		{"name": "release/2.3", "commit": map[string]string{"sha": "r23"}},
		{"name": "release/2.4.1", "commit": map[string]string{"sha": "r241"}},
		{"name": "feature/x", "commit": map[string]string{"sha": "f1"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case p == "/repos/acme/orders-api/branches":
			if r.URL.Query().Get("page") != "1" {
				//nolint:errcheck
				json.NewEncoder(w).Encode([]any{})
				return
			}
			//nolint:errcheck
			json.NewEncoder(w).Encode(branches)
		case strings.HasPrefix(p, "/repos/acme/orders-api/branches/"):
			name := strings.TrimPrefix(p, "/repos/acme/orders-api/branches/")
			for _, b := range branches {
				if b["name"] == name {
					//nolint:errcheck
					json.NewEncoder(w).Encode(b)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(p, "/repos/acme/orders-api/compare/"):
			spec := strings.TrimPrefix(p, "/repos/acme/orders-api/compare/")
			cmp, ok := compares[spec]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			commits := make([]map[string]any, 0, len(cmp.commits))
			for _, c := range cmp.commits {
				commits = append(commits, map[string]any{
					"sha": c.sha,
					"commit": map[string]any{
						"message": c.message,
						"author":  map[string]any{"name": "amy", "date": "2026-02-01T10:00:00Z"},
					},
					"html_url": "https://gh.example.com/commit/" + c.sha,
				})
			}
			//nolint:errcheck
			json.NewEncoder(w).Encode(map[string]any{
				"status":   cmp.status,
				"ahead_by": cmp.aheadBy,
				"commits":  commits,
				"html_url": cmp.htmlURL,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRunbookServer(t *testing.T, compares map[string]stubCompare) *Server {
	t.Helper()
	gh := vcs.New(httpx.New(nil), newGitHubStub(t, compares).URL, "token-1")
	return New(Options{
		DataDir: t.TempDir(),
		VCS:     gh,
		Projects: []*config.Project{
			{
				Project: config.ProjectIdentity{Key: "orders", Owner: "acme"},
				Services: []config.Service{
					{Key: "orders-api", CodeRepo: "orders-api"},
					{Key: "orders-worker", CodeRepo: "orders-api"},
				},
			},
			{Project: config.ProjectIdentity{Key: "empty", Owner: "acme"}},
		},
	})
}

func postRunbook(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunbookInvalidBody(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()
	rec := postRunbook(t, h, "/api/runbooks/latest-branches", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid request body")
}

func TestRunbookUnknownProject(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()
	rec := postRunbook(t, h, "/api/runbooks/latest-branches", `{"project":"nope"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown project")
}

func TestRunbookNoRepos(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()
	rec := postRunbook(t, h, "/api/runbooks/latest-branches", `{"project":"empty"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "no repositories configured or requested")
}

func TestLatestBranchesPicksHighestVersion(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()
	rec := postRunbook(t, h, "/api/runbooks/latest-branches", `{"project":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Project string `json:"project"`
		Results []struct {
			Repo    string `json:"repo"`
			Branch  string `json:"branch"`
			Version string `json:"version"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "orders", resp.Project)
	// The two services share one code repo: deduplicated to a single result.
	require.Len(t, resp.Results, 1)
	require.Equal(t, "release/2.4.1", resp.Results[0].Branch)
	require.Equal(t, "2.4.1", resp.Results[0].Version)
	require.Empty(t, resp.Results[0].Error)
}

func TestLatestBranchesRecentStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/orders-api/branches" || r.URL.Query().Get("page") != "1" {
			//nolint:errcheck
			json.NewEncoder(w).Encode([]any{})
			return
		}
		//nolint:errcheck
		json.NewEncoder(w).Encode([]map[string]any{
			{"name": "main", "commit": map[string]string{"sha": "m1"}},
			{"name": "release/10.1", "commit": map[string]string{"sha": "r101"}},
			{"name": "release/9.0", "commit": map[string]string{"sha": "r90"}},
		})
	}))
	t.Cleanup(srv.Close)

	s := New(Options{
		DataDir: t.TempDir(),
		VCS:     vcs.New(httpx.New(nil), srv.URL, "token-1"),
		Projects: []*config.Project{{
			Project:  config.ProjectIdentity{Key: "orders", Owner: "acme"},
			Services: []config.Service{{Key: "orders-api", CodeRepo: "orders-api"}},
			Runbooks: config.Runbooks{Branching: config.Branching{PickStrategy: "recent"}},
		}},
	})

	rec := postRunbook(t, s.Handler(), "/api/runbooks/latest-branches", `{"project":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Branch  string `json:"branch"`
			Version string `json:"version"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	// The recent strategy picks the lexicographically newest name even
	// though semver would order 10.1 above 9.0.
	require.Equal(t, "release/9.0", resp.Results[0].Branch)
	require.Empty(t, resp.Results[0].Version)
}

func TestScope(t *testing.T) {
	h := newRunbookServer(t, map[string]stubCompare{
		"release/2.4.1...main": {
			status: "ahead", aheadBy: 3,
			commits: []stubCommit{
				{sha: "c1", message: "ABC-12 fix checkout (#101)"},
				{sha: "c2", message: "chore: bump deps"},
				{sha: "c3", message: "ABC 7 tweak (#99)"},
			},
			htmlURL: "https://gh.example.com/compare/scope",
		},
	}).Handler()

	rec := postRunbook(t, h, "/api/runbooks/scope", `{"project":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Repo        string   `json:"repo"`
			Baseline    string   `json:"baseline"`
			BaselineVia string   `json:"baselineVia"`
			Head        string   `json:"head"`
			CommitCount int      `json:"commitCount"`
			Tickets     []string `json:"tickets"`
			PRs         []int    `json:"prs"`
			CompareURL  string   `json:"compareUrl"`
			Error       string   `json:"error"`
		} `json:"results"`
		Tickets []string `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	res := resp.Results[0]
	require.Empty(t, res.Error)
	require.Equal(t, "release/2.4.1", res.Baseline)
	require.Equal(t, "strategy", res.BaselineVia)
	require.Equal(t, "main", res.Head)
	require.Equal(t, 3, res.CommitCount)
	// "ABC 7" normalizes to the dashed key.
	require.Equal(t, []string{"ABC-12", "ABC-7"}, res.Tickets)
	require.Equal(t, []int{99, 101}, res.PRs)
	require.Equal(t, "https://gh.example.com/compare/scope", res.CompareURL)
	require.Equal(t, []string{"ABC-12", "ABC-7"}, resp.Tickets)
}

func TestScopeExplicitBaseline(t *testing.T) {
	h := newRunbookServer(t, map[string]stubCompare{
		"release/2.3...main": {
			status: "ahead", aheadBy: 1,
			commits: []stubCommit{{sha: "c9", message: "GHI-9 hotfix"}},
			htmlURL: "https://gh.example.com/compare/explicit",
		},
	}).Handler()

	rec := postRunbook(t, h, "/api/runbooks/scope", `{"project":"orders","baselineRef":"release/2.3"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Baseline    string   `json:"baseline"`
			BaselineVia string   `json:"baselineVia"`
			Tickets     []string `json:"tickets"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, "release/2.3", resp.Results[0].Baseline)
	require.Equal(t, "explicit", resp.Results[0].BaselineVia)
	require.Equal(t, []string{"GHI-9"}, resp.Results[0].Tickets)
}

func TestDrift(t *testing.T) {
	h := newRunbookServer(t, map[string]stubCompare{
		"main...release/2.4.1": {
			status: "ahead", aheadBy: 2,
			commits: []stubCommit{{sha: "d1", message: "fixup"}, {sha: "d2", message: "fixup 2"}},
			htmlURL: "https://gh.example.com/compare/drift",
		},
	}).Handler()

	rec := postRunbook(t, h, "/api/runbooks/drift", `{"project":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		HasDrift bool `json:"hasDrift"`
		Results  []struct {
			Repo          string `json:"repo"`
			DefaultBranch string `json:"defaultBranch"`
			ReleaseBranch string `json:"releaseBranch"`
			AheadBy       int    `json:"aheadBy"`
			HasDrift      bool   `json:"hasDrift"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.HasDrift)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "main", resp.Results[0].DefaultBranch)
	require.Equal(t, "release/2.4.1", resp.Results[0].ReleaseBranch)
	require.Equal(t, 2, resp.Results[0].AheadBy)
	require.True(t, resp.Results[0].HasDrift)
}

func TestReleaseDiffRequiresRefs(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()
	rec := postRunbook(t, h, "/api/runbooks/release-diff", `{"project":"orders","olderRef":"release/2.3"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "olderRef and newerRef are required")
}

func TestReleaseDiff(t *testing.T) {
	h := newRunbookServer(t, map[string]stubCompare{
		"release/2.3...release/2.4.1": {
			status: "ahead", aheadBy: 1,
			commits: []stubCommit{{sha: "e1", message: "DEF-5 add payment retries (#77)"}},
			htmlURL: "https://gh.example.com/compare/diff",
		},
	}).Handler()

	rec := postRunbook(t, h, "/api/runbooks/release-diff",
		`{"project":"orders","olderRef":"release/2.3","newerRef":"release/2.4.1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Older string `json:"older"`
			Newer string `json:"newer"`
			Added *struct {
				CommitCount int      `json:"commitCount"`
				Tickets     []string `json:"tickets"`
				PRs         []int    `json:"prs"`
			} `json:"added"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, "release/2.3", resp.Results[0].Older)
	require.Equal(t, "release/2.4.1", resp.Results[0].Newer)
	require.NotNil(t, resp.Results[0].Added)
	require.Equal(t, 1, resp.Results[0].Added.CommitCount)
	require.Equal(t, []string{"DEF-5"}, resp.Results[0].Added.Tickets)
	require.Equal(t, []int{77}, resp.Results[0].Added.PRs)
}

func TestReadinessAllRefsExist(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()

	rec := postRunbook(t, h, "/api/runbooks/readiness", `{"project":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ready   bool `json:"ready"`
		Results []struct {
			Status   string   `json:"status"`
			Baseline string   `json:"baseline"`
			Head     string   `json:"head"`
			Messages []string `json:"messages"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Ready)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "ok", resp.Results[0].Status)
	require.Equal(t, "release/2.4.1", resp.Results[0].Baseline)
	require.Equal(t, "main", resp.Results[0].Head)
	require.Empty(t, resp.Results[0].Messages)
}

func TestReadinessWarnsOnMissingHeadRef(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()

	rec := postRunbook(t, h, "/api/runbooks/readiness", `{"project":"orders","headRef":"release/404"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ready   bool `json:"ready"`
		Results []struct {
			Status   string   `json:"status"`
			Baseline string   `json:"baseline"`
			Head     string   `json:"head"`
			Messages []string `json:"messages"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "warn", resp.Results[0].Status)
	// The baseline still resolves; only the overridden head is missing.
	require.Equal(t, "release/2.4.1", resp.Results[0].Baseline)
	require.Equal(t, "release/404", resp.Results[0].Head)
	require.Len(t, resp.Results[0].Messages, 1)
	require.Contains(t, resp.Results[0].Messages[0], `head ref "release/404" not found`)
}

func TestReadinessWarnsOnMissingBaselineRef(t *testing.T) {
	h := newRunbookServer(t, nil).Handler()

	rec := postRunbook(t, h, "/api/runbooks/readiness", `{"project":"orders","baselineRef":"release/9.9"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ready   bool `json:"ready"`
		Results []struct {
			Status   string   `json:"status"`
			Head     string   `json:"head"`
			Messages []string `json:"messages"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "warn", resp.Results[0].Status)
	require.Equal(t, "main", resp.Results[0].Head)
	require.Len(t, resp.Results[0].Messages, 1)
	require.Contains(t, resp.Results[0].Messages[0], `baseline ref "release/9.9" not found`)
}

func TestExtractRunbookTickets(t *testing.T) {
	got := extractRunbookTickets(runbookTicketRe, "ABC-12 then abc 12 again, DEF 34 and plain text")
	require.Equal(t, []string{"ABC-12", "DEF-34"}, got)

	require.Empty(t, extractRunbookTickets(runbookTicketRe, "no keys here"))
}

func TestPRRefsFromCommits(t *testing.T) {
	commits := []vcs.Commit{
		{Message: "fix thing (#101)"},
		{Message: "merge (#7) and (#101) again"},
		{Message: "no refs"},
	}
	require.Equal(t, []int{7, 101}, prRefsFromCommits(commits))
	require.Empty(t, prRefsFromCommits(nil))
}

func TestMatchesPattern(t *testing.T) {
	// Anchored regex form.
	require.True(t, matchesPattern("release/2.4", `release/.*`))
	require.True(t, matchesPattern("release/2.4.1", `release/\d+\.\d+(\.\d+)?`))
	require.False(t, matchesPattern("feature/x", `release/.*`))
	// Regex is anchored, not a substring match.
	require.False(t, matchesPattern("my-release/2.4", `release/.*`))
	// Invalid regex falls back to glob matching.
	require.True(t, matchesPattern("a.x", "*.x"))
	require.False(t, matchesPattern("a.y", "*.x"))
}

func TestBranchVersion(t *testing.T) {
	v, vstr, ok := branchVersion("release/2.4.1", config.Branching{})
	require.True(t, ok)
	require.Equal(t, "2.4.1", vstr)
	require.Equal(t, uint64(2), v.Major)

	// FE/BE prefixed lines extract the two-part version.
	_, vstr, ok = branchVersion("release/FE.3.2", config.Branching{})
	require.True(t, ok)
	require.Equal(t, "3.2", vstr)

	// A configured regex wins over the auto-detected forms.
	_, vstr, ok = branchVersion("release/v9.1", config.Branching{
		VersionExtractionRegex: `release/v(\d+)\.(\d+)`,
	})
	require.True(t, ok)
	require.Equal(t, "9.1", vstr)

	_, _, ok = branchVersion("develop", config.Branching{})
	require.False(t, ok)
}

func TestRepoIsFrontend(t *testing.T) {
	require.True(t, repoIsFrontend("shop-frontend"))
	require.True(t, repoIsFrontend("fe-portal"))
	require.True(t, repoIsFrontend("checkout-ui"))
	require.True(t, repoIsFrontend("platform-fe"))
	require.False(t, repoIsFrontend("orders-api"))
}

func TestBranchKind(t *testing.T) {
	require.Equal(t, "FE", branchKind("release/FE.2.3"))
	require.Equal(t, "BE", branchKind("release/be.1.0"))
	require.Empty(t, branchKind("release/2.3"))
}

func TestProjectByKeyDefaultsToSingleProject(t *testing.T) {
	s := New(Options{Projects: []*config.Project{
		{Project: config.ProjectIdentity{Key: "orders"}},
	}})
	require.NotNil(t, s.projectByKey(""))

	// With several projects the empty key resolves to nothing.
	multi := newRunbookServer(t, nil)
	require.Nil(t, multi.projectByKey(""))
}
