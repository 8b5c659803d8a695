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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/httpx"
	"github.com/deliveryops/estatesnap/pkg/scheduler"
	"github.com/deliveryops/estatesnap/pkg/snapshot"
	"github.com/deliveryops/estatesnap/pkg/tickets"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dataDir := t.TempDir()
	sched := scheduler.New(func(context.Context) error { return nil }, dataDir, time.Minute, time.Minute, nil)
	s := New(Options{Scheduler: sched, DataDir: dataDir})
	return s, dataDir
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doRequest(t, h, http.MethodGet, "/-/healthy")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, body["time"])
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTriggerAndCooldownConflict(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/snapshot/trigger")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)

	// Second trigger falls into the cooldown window.
	rec = doRequest(t, h, http.MethodPost, "/api/snapshot/trigger")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Contains(t, body.Message, "cooldown")
}

func TestProgressIdleWhenMissing(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/snapshot/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var p scheduler.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, "idle", p.Status)
}

func TestSnapshotNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/snapshot")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotServed(t *testing.T) {
	s, dataDir := newTestServer(t)
	require.NoError(t, snapshot.Write(dataDir, &snapshot.Document{
		GeneratedAt: "2026-02-01T10:00:00Z",
		Source:      "snapshot",
	}))

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc snapshot.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "2026-02-01T10:00:00Z", doc.GeneratedAt)
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/snapshot/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var st scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.False(t, st.Running)
	require.Equal(t, 1, st.IntervalMinutes)
}

func TestTicketInvalidKey(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/ticket/not-a-key")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTicketNoDataSources(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/ticket/ABC-12")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTicketFromSnapshot(t *testing.T) {
	s, dataDir := newTestServer(t)
	merged := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, snapshot.Write(dataDir, &snapshot.Document{
		GeneratedAt: "2026-02-01T11:00:00Z",
		TicketIndex: map[string]*tickets.Ticket{
			"ABC-12": {
				Key:         "ABC-12",
				Repos:       []string{"orders-api"},
				PRs:         []vcs.PullRequest{{Repo: "orders-api", Number: 7, MergedAt: merged}},
				EnvPresence: map[string]bool{"UAT": true, "PROD": false},
				Summary:     "Fix checkout",
			},
		},
	}))
	h := s.Handler()

	// Lower-case keys normalize before lookup.
	rec := doRequest(t, h, http.MethodGet, "/api/ticket/abc-12")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ticketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ABC-12", resp.Key)
	require.Equal(t, "Fix checkout", resp.Summary)
	require.True(t, resp.Sources["github"])
	require.False(t, resp.Sources["jira"])
	require.True(t, resp.EnvPresence["UAT"])

	rec = doRequest(t, h, http.MethodGet, "/api/ticket/ZZZ-99")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTicketLiveRebuild(t *testing.T) {
	merged := time.Now().UTC().Add(-24 * time.Hour)
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/orders-api/pulls" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("page") != "1" {
			//nolint:errcheck
			w.Write([]byte("[]"))
			return
		}
		//nolint:errcheck
		json.NewEncoder(w).Encode([]map[string]any{{
			"number":           7,
			"title":            "ABC-12 fix checkout",
			"body":             "",
			"html_url":         "https://gh.example.com/pr/7",
			"merged_at":        merged.Format(time.RFC3339),
			"user":             map[string]string{"login": "amy"},
			"base":             map[string]string{"ref": "release/2.4"},
			"head":             map[string]string{"ref": "feature/abc-12"},
			"merge_commit_sha": "sha7",
		}})
	}))
	t.Cleanup(gh.Close)

	dataDir := t.TempDir()
	sched := scheduler.New(func(context.Context) error { return nil }, dataDir, time.Minute, time.Minute, nil)
	s := New(Options{
		Scheduler: sched,
		DataDir:   dataDir,
		VCS:       vcs.New(httpx.New(nil), gh.URL, "token-1"),
		Owner:     "acme",
		Projects: []*config.Project{{
			Project:  config.ProjectIdentity{Key: "orders"},
			Services: []config.Service{{Key: "orders-api", CodeRepo: "orders-api"}},
		}},
	})

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/ticket/ABC-12")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ticketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Sources["github"])
	require.Len(t, resp.PRs, 1)
	require.Equal(t, 7, resp.PRs[0].Number)
	require.Len(t, resp.Timeline, 1)

	// A key no PR mentions is not found.
	rec = doRequest(t, s.Handler(), http.MethodGet, "/api/ticket/ZZZ-99")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
