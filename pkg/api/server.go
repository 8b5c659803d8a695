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

// Package api is the HTTP control surface: snapshot status, progress and
// trigger, the live ticket endpoint, the runbook operations and the usual
// health and metrics endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/scheduler"
	"github.com/deliveryops/estatesnap/pkg/snapshot"
	"github.com/deliveryops/estatesnap/pkg/tickets"
	"github.com/deliveryops/estatesnap/pkg/tracker"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

var ticketKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9]+-\d+$`)

// Options configure a Server.
type Options struct {
	Logger    log.Logger
	Scheduler *scheduler.Scheduler
	DataDir   string
	Projects  []*config.Project
	VCS       *vcs.Client
	Tracker   *tracker.Client
	Owner     string
	Registry  *prometheus.Registry

	// WindowDays bounds the live ticket rebuild. Zero means the default
	// tracker window.
	WindowDays int
}

const defaultWindowDays = 120

// Server serves the control API.
type Server struct {
	logger   log.Logger
	sched    *scheduler.Scheduler
	dataDir  string
	projects []*config.Project
	gh       *vcs.Client
	jira     *tracker.Client
	owner    string
	registry *prometheus.Registry
	window   int
}

// New returns a Server. Tracker may be nil; the ticket endpoint then serves
// snapshot data only.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	window := opts.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}
	return &Server{
		logger:   logger,
		sched:    opts.Scheduler,
		dataDir:  opts.DataDir,
		projects: opts.Projects,
		gh:       opts.VCS,
		jira:     opts.Tracker,
		owner:    opts.Owner,
		registry: opts.Registry,
		window:   window,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	r.Get("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck
		w.Write([]byte("ok"))
	})
	r.Get("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck
		w.Write([]byte("ok"))
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/api/snapshot", s.handleSnapshot)
	r.Get("/api/snapshot/status", s.handleStatus)
	r.Post("/api/snapshot/trigger", s.handleTrigger)
	r.Get("/api/snapshot/progress", s.handleProgress)
	r.Get("/api/datadog/health", s.handleDatadogHealth)
	r.Get("/api/ticket/{key}", s.handleTicket)

	r.Route("/api/runbooks", func(r chi.Router) {
		r.Post("/latest-branches", s.handleLatestBranches)
		r.Post("/scope", s.handleScope)
		r.Post("/drift", s.handleDrift)
		r.Post("/release-diff", s.handleReleaseDiff)
		r.Post("/readiness", s.handleReadiness)
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		//nolint:errcheck
		level.Debug(s.logger).Log("msg", "writing response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDatadogHealth exists for probes that check the monitoring proxy
// path; the snapshot itself carries the real integration status.
func (s *Server) handleDatadogHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	doc, err := snapshot.LoadLatest(s.dataDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "reading snapshot: "+err.Error())
		return
	}
	if doc == nil {
		s.writeError(w, http.StatusNotFound, "no snapshot produced yet")
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	ok, msg := s.sched.Trigger()
	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	s.writeJSON(w, code, map[string]any{"success": ok, "message": msg})
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	p, err := scheduler.LoadProgress(s.dataDir)
	if err != nil {
		s.writeJSON(w, http.StatusOK, &scheduler.Progress{Status: "idle"})
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// ticketResponse is the normalized live-ticket shape.
type ticketResponse struct {
	Key      string                  `json:"key"`
	Status   string                  `json:"status,omitempty"`
	Summary  string                  `json:"summary,omitempty"`
	Sources  map[string]bool         `json:"sources"`
	Jira     *tracker.Issue          `json:"jira,omitempty"`
	PRs      []vcs.PullRequest       `json:"prs"`
	Evidence []tickets.Evidence      `json:"evidence,omitempty"`
	Timeline []tickets.TimelineEntry `json:"timeline,omitempty"`

	EnvPresence map[string]bool `json:"envPresence,omitempty"`
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	key := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "key")))
	if !ticketKeyRe.MatchString(key) {
		s.writeError(w, http.StatusBadRequest, "invalid ticket key")
		return
	}

	doc, err := snapshot.LoadLatest(s.dataDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "reading snapshot: "+err.Error())
		return
	}
	if doc == nil && s.gh == nil && s.jira == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no data sources available yet")
		return
	}

	resp := &ticketResponse{
		Key:     key,
		Sources: map[string]bool{"jira": false, "github": false, "teamcity": false},
		PRs:     []vcs.PullRequest{},
	}
	found := false

	// Live rebuild from VCS within the tracker window.
	if s.gh != nil && len(s.projects) > 0 {
		builder := tickets.NewBuilder(s.gh, nil, s.owner, s.logger)
		t, err := builder.BuildOne(r.Context(), s.projects, key, s.window)
		if err != nil {
			//nolint:errcheck
			level.Warn(s.logger).Log("msg", "live ticket rebuild failed", "key", key, "err", err)
		} else if t != nil {
			found = true
			resp.PRs = t.PRs
			resp.Timeline = t.Timeline
			resp.Sources["github"] = true
		}
	}

	// The snapshot supplies presence and anything the live scan did not.
	if doc != nil {
		if t, ok := doc.TicketIndex[key]; ok && t != nil {
			found = true
			if len(resp.PRs) == 0 {
				resp.PRs = t.PRs
			}
			if len(resp.Timeline) == 0 {
				resp.Timeline = t.Timeline
			}
			resp.Evidence = t.Evidence
			resp.EnvPresence = t.EnvPresence
			resp.Summary = t.Summary
			resp.Status = t.Status
			if len(t.PRs) > 0 || len(t.Repos) > 0 {
				resp.Sources["github"] = true
			}
			resp.Sources["teamcity"] = len(t.TimeAwareBuilds) > 0
			if t.Tracker != nil {
				resp.Jira = t.Tracker
				resp.Sources["jira"] = true
			}
		}
	}

	if s.jira != nil {
		issue, err := s.jira.GetIssue(r.Context(), key)
		switch {
		case err == nil:
			found = true
			resp.Jira = issue
			resp.Sources["jira"] = true
			resp.Summary = issue.Summary
			resp.Status = issue.Status
		case errors.Is(err, tracker.ErrNotFound):
			// Tracker has no such issue; snapshot data may still apply.
		case errors.Is(err, tracker.ErrRateLimited):
			if !found {
				s.writeError(w, http.StatusServiceUnavailable, "tracker rate limited")
				return
			}
		default:
			if !found {
				s.writeError(w, http.StatusInternalServerError, "tracker lookup failed: "+err.Error())
				return
			}
		}
	}

	if !found {
		s.writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
