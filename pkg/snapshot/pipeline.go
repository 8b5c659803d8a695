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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deliveryops/estatesnap/pkg/argocd"
	"github.com/deliveryops/estatesnap/pkg/assemble"
	"github.com/deliveryops/estatesnap/pkg/ci"
	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/history"
	"github.com/deliveryops/estatesnap/pkg/httpx"
	"github.com/deliveryops/estatesnap/pkg/kustomize"
	"github.com/deliveryops/estatesnap/pkg/monitoring"
	"github.com/deliveryops/estatesnap/pkg/observe"
	"github.com/deliveryops/estatesnap/pkg/tickets"
	"github.com/deliveryops/estatesnap/pkg/tracker"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// Legacy single-file history document migrated into the store on startup.
const legacyHistoryFile = "release_history.json"

// timeAwareBranchCap bounds per-repo branch-date lookups.
const timeAwareBranchCap = 20

// Options configure a Pipeline.
type Options struct {
	Logger   log.Logger
	Projects []*config.Project
	Creds    *config.Credentials
	DataDir  string
	Registry prometheus.Registerer

	// OnStep receives coarse progress markers while a run executes.
	OnStep func(step string)
}

// Pipeline executes one full snapshot run: assemble every project, collect
// observability, maintain the history stores, build the ticket index and
// persist the document.
type Pipeline struct {
	logger   log.Logger
	projects []*config.Project
	creds    *config.Credentials
	dataDir  string
	onStep   func(string)

	http *httpx.Client
	gh   *vcs.Client
	ci   *ci.Client
	dd   *monitoring.Client
	jira *tracker.Client

	runsTotal   prometheus.Counter
	runFailures prometheus.Counter
	runDuration prometheus.Gauge
}

// NewPipeline wires the shared HTTP core and every configured integration.
// Integrations with missing credentials stay nil and degrade to warnings.
func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estatesnap_http_retries_total",
		Help: "Number of HTTP request retries across all integrations.",
	})
	p := &Pipeline{
		logger:   logger,
		projects: opts.Projects,
		creds:    opts.Creds,
		dataDir:  opts.DataDir,
		onStep:   opts.OnStep,
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estatesnap_runs_total",
			Help: "Number of snapshot runs started.",
		}),
		runFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estatesnap_run_failures_total",
			Help: "Number of snapshot runs that returned an error.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "estatesnap_last_run_duration_seconds",
			Help: "Wall-clock duration of the most recent snapshot run.",
		}),
	}
	reg.MustRegister(retries, p.runsTotal, p.runFailures, p.runDuration)

	p.http = httpx.New(logger, httpx.WithRetryCounter(retries))
	p.gh = vcs.New(p.http, "", p.creds.GitHubToken)
	if p.creds.TeamCityURL != "" && p.creds.TeamCityToken != "" {
		p.ci = ci.New(p.http, p.creds.TeamCityURL, p.creds.TeamCityToken)
	}
	if p.creds.DatadogAPIKey != "" && p.creds.DatadogAppKey != "" {
		p.dd = monitoring.New(p.http, p.creds.DatadogSite, p.creds.DatadogAPIKey, p.creds.DatadogAppKey)
	}
	if p.creds.JiraBase != "" && p.creds.JiraToken != "" {
		p.jira = tracker.New(p.http, p.creds.JiraBase, p.creds.JiraEmail, p.creds.JiraToken)
	}
	return p
}

// VCS exposes the shared VCS client for the control API.
func (p *Pipeline) VCS() *vcs.Client { return p.gh }

// Tracker exposes the tracker client; nil when not configured.
func (p *Pipeline) Tracker() *tracker.Client { return p.jira }

// Owner exposes the default repository owner.
func (p *Pipeline) Owner() string { return p.defaultOwner() }

func (p *Pipeline) step(s string) {
	if p.onStep != nil {
		p.onStep(s)
	}
}

func (p *Pipeline) ownerFor(pc *config.Project) string {
	if pc.Project.Owner != "" {
		return pc.Project.Owner
	}
	return p.creds.GitHubOrg
}

func (p *Pipeline) defaultOwner() string {
	if p.creds.GitHubOrg != "" {
		return p.creds.GitHubOrg
	}
	for _, pc := range p.projects {
		if pc.Project.Owner != "" {
			return pc.Project.Owner
		}
	}
	return ""
}

// alertSet deduplicates global alerts by id.
type alertSet struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	alerts []observe.Alert
}

func newAlertSet() *alertSet {
	return &alertSet{seen: map[string]struct{}{}}
}

func (s *alertSet) add(a observe.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[a.ID]; ok {
		return
	}
	s.seen[a.ID] = struct{}{}
	s.alerts = append(s.alerts, a)
}

// ciLookup adapts the CI client to the assembler's build interface.
type ciLookup struct {
	c *ci.Client
}

func (l ciLookup) GetBuildByNumber(ctx context.Context, buildTypeID, number string) (*assemble.Build, error) {
	b, err := l.c.GetBuildByNumber(ctx, buildTypeID, number)
	if err != nil {
		return nil, err
	}
	return convertBuild(b), nil
}

// LatestFinishedBuild reports a build type with no finished builds as
// (nil, nil) so the assembler treats it as "nothing to roll up" rather than
// a CI outage.
func (l ciLookup) LatestFinishedBuild(ctx context.Context, buildTypeID string) (*assemble.Build, error) {
	b, err := l.c.LatestFinishedBuild(ctx, buildTypeID)
	if err != nil {
		if errors.Is(err, ci.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return convertBuild(b), nil
}

func convertBuild(b *ci.Build) *assemble.Build {
	return &assemble.Build{
		Number:      b.Number,
		Status:      b.Status,
		BranchName:  b.BranchName,
		WebURL:      b.WebURL,
		StartDate:   b.StartDate,
		FinishDate:  b.FinishDate,
		TriggeredBy: b.TriggeredBy,
	}
}

// argoLookupFor returns the per-project runtime-health lookup, or nil when
// the integration is not configured. Missing tokens and fetch errors become
// global alerts, never run failures.
func (p *Pipeline) argoLookupFor(pc *config.Project, alerts *alertSet) assemble.ArgoLookup {
	cfg := pc.ArgoCD
	if len(cfg.EnvHosts) == 0 {
		return nil
	}
	hasToken := p.creds.ArgoToken != ""
	for _, t := range p.creds.ArgoStageTokens {
		if t != "" {
			hasToken = true
		}
	}
	if !hasToken {
		alerts.add(observe.Alert{
			ID:       "argocd-disabled-" + pc.Project.Key,
			Severity: "info",
			Title:    "Argo status disabled for " + pc.Project.Name,
			Message:  "hosts configured but no token present",
		})
		return nil
	}

	var mu sync.Mutex
	clients := map[string]*argocd.Client{}
	return func(ctx context.Context, envKey, app string) (*argocd.AppStatus, error) {
		stage := config.StageFor(envKey)
		host := argocd.HostFor(cfg.EnvHosts, cfg.DevHostEnvs, envKey, stage)
		if host == "" {
			return nil, nil
		}
		token := p.creds.ArgoTokenFor(stage)
		if token == "" {
			return nil, nil
		}
		key := host + "|" + stage
		mu.Lock()
		c, ok := clients[key]
		if !ok {
			c = argocd.New(p.http, host, token)
			clients[key] = c
		}
		mu.Unlock()

		name := argocd.AppName(cfg.AppNameRules, stage, app)
		st, err := c.GetApplication(ctx, name)
		if err != nil {
			alerts.add(observe.Alert{
				ID:       fmt.Sprintf("argocd-error-%s-%s", pc.Project.Key, envKey),
				Severity: "warn",
				Title:    fmt.Sprintf("Argo status unavailable for %s/%s", pc.Project.Key, envKey),
				Message:  err.Error(),
			})
			return nil, err
		}
		return st, nil
	}
}

// Run executes one snapshot end to end and writes the resulting document.
// Individual integration failures degrade to warnings and alerts; only
// unwritable state is fatal.
func (p *Pipeline) Run(ctx context.Context) (*Document, error) {
	start := time.Now()
	p.runsTotal.Inc()
	doc, err := p.run(ctx, start)
	p.runDuration.Set(time.Since(start).Seconds())
	if err != nil {
		p.runFailures.Inc()
	}
	return doc, err
}

func (p *Pipeline) run(ctx context.Context, start time.Time) (*Document, error) {
	generatedAt := start.UTC().Format("2006-01-02T15:04:05Z")
	doc := &Document{
		GeneratedAt: generatedAt,
		Source:      "snapshot",
		TicketIndex: map[string]*tickets.Ticket{},
	}
	alerts := newAlertSet()

	prev, err := LoadLatest(p.dataDir)
	if err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "previous snapshot unreadable, continuing without it", "err", err)
		prev = nil
	}

	// Projects.
	p.step("projects")
	cistat := assemble.NewCIState(p.ci != nil)
	var ciAdapter assemble.BuildLookup
	if p.ci != nil {
		ciAdapter = ciLookup{c: p.ci}
	}
	for _, pc := range p.projects {
		p.step("project:" + pc.Project.Key)
		asm := assemble.New(p.gh, ciAdapter, cistat, p.argoLookupFor(pc, alerts), p.ownerFor(pc), p.logger)
		proj := &assemble.Project{
			Key:         pc.Project.Key,
			DisplayName: pc.Project.Name,
			GeneratedAt: generatedAt,
		}
		for _, env := range pc.Environments {
			proj.Environments = append(proj.Environments, asm.AssembleEnvironment(ctx, pc, env))
		}
		doc.Projects = append(doc.Projects, proj)
	}

	if !cistat.Enabled() {
		alerts.add(observe.Alert{
			ID:       "teamcity-disabled",
			Severity: "info",
			Title:    "TeamCity integration disabled",
			Message:  "no server URL or token configured",
		})
	} else if cistat.Down() {
		alerts.add(observe.Alert{
			ID:       "teamcity-down",
			Severity: "error",
			Title:    "TeamCity unreachable",
			Message:  "build lookups disabled for the remainder of this run",
		})
	}

	// Observability.
	p.step("observability")
	obs := &Observability{}
	if p.dd != nil {
		var monitors []monitoring.Monitor
		monReason := monitoring.ReasonOK
		fetched := false
		for _, pc := range p.projects {
			if !pc.Datadog.Enabled {
				continue
			}
			coll := observe.New(p.dd, pc.Datadog)
			var envKeys []string
			for _, env := range pc.Environments {
				envKeys = append(envKeys, env.Key)
				sum, warn := coll.CollectEnv(ctx, pc.Project.Key, env.Key)
				obs.Summary = append(obs.Summary, sum)
				if warn != "" {
					obs.Warnings = append(obs.Warnings, warn)
				}
				// Component-scoped summaries for services with a selector
				// configured for this environment.
				for _, svc := range pc.Services {
					if !svc.ServesEnv(env.Key) {
						continue
					}
					if _, ok := pc.Datadog.ComponentSelectors[svc.Key][env.Key]; !ok {
						continue
					}
					csum, cwarn := coll.CollectComponent(ctx, pc.Project.Key, env.Key, svc.Key)
					obs.Summary = append(obs.Summary, csum)
					if cwarn != "" {
						obs.Warnings = append(obs.Warnings, cwarn)
					}
				}
			}
			if !fetched {
				monitors, monReason = p.dd.ListMonitors(ctx)
				fetched = true
			}
			if monReason == monitoring.ReasonOK {
				projAlerts, news := observe.TriageMonitors(monitors, pc.Datadog, envKeys, p.creds.DatadogSite)
				for _, a := range projAlerts {
					alerts.add(a)
				}
				obs.News = append(obs.News, news...)
			} else {
				obs.Warnings = append(obs.Warnings, fmt.Sprintf("monitor triage skipped for %s: %s", pc.Project.Key, monReason))
			}
		}
	}
	if len(obs.Summary) > 0 || len(obs.Warnings) > 0 || len(obs.News) > 0 {
		doc.Observability = obs
	}

	// History.
	p.step("history")
	relStore := history.NewStore(filepath.Join(p.dataDir, "release_history"), history.KindTagChange, p.creds.RetentionDays, p.logger)
	depStore := history.NewStore(filepath.Join(p.dataDir, "deployment_history"), history.KindDeployment, p.creds.RetentionDays, p.logger)
	if n, err := relStore.MigrateLegacy(filepath.Join(p.dataDir, legacyHistoryFile)); err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "legacy history migration failed", "err", err)
	} else if n > 0 {
		//nolint:errcheck
		level.Info(p.logger).Log("msg", "migrated legacy history", "events", n)
	}

	cur := componentStates(doc)
	if prev != nil {
		events, warns := history.DeriveEvents(history.KindTagChange, componentStates(prev), cur, generatedAt)
		for _, w := range warns {
			doc.Warnings = append(doc.Warnings, Warning{
				Level: "warn", Scope: "history", Message: w, TS: generatedAt,
			})
		}
		if _, err := relStore.Append(events); err != nil {
			//nolint:errcheck
			level.Warn(p.logger).Log("msg", "appending release events failed", "err", err)
		}
		depEvents := make([]history.Event, len(events))
		for i, e := range events {
			e.Kind = history.KindDeployment
			depEvents[i] = e
		}
		if _, err := depStore.Append(depEvents); err != nil {
			//nolint:errcheck
			level.Warn(p.logger).Log("msg", "appending deployment events failed", "err", err)
		}
	}

	bootOpts := history.BootstrapOptions{Days: p.creds.BootstrapDays, MaxPages: p.creds.BootstrapMaxPages}
	if empty, err := relStore.Empty(); err == nil && empty {
		if n, err := relStore.Bootstrap(ctx, p.gh, p.bootstrapTargets(), bootOpts, p.logger); err != nil {
			//nolint:errcheck
			level.Warn(p.logger).Log("msg", "history bootstrap failed", "err", err)
		} else {
			//nolint:errcheck
			level.Info(p.logger).Log("msg", "history bootstrapped", "events", n)
		}
	} else if p.creds.Backfill60Days {
		if n, err := relStore.Backfill(ctx, p.gh, p.bootstrapTargets(), bootOpts, p.logger); err != nil {
			//nolint:errcheck
			level.Warn(p.logger).Log("msg", "history backfill failed", "err", err)
		} else if n > 0 {
			//nolint:errcheck
			level.Info(p.logger).Log("msg", "history backfilled", "events", n)
		}
	}
	if err := relStore.RunRetention(); err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "release history retention failed", "err", err)
	}
	if err := depStore.RunRetention(); err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "deployment history retention failed", "err", err)
	}

	// Ticket index.
	p.step("tickets")
	refs := ticketRefs(doc)
	builder := tickets.NewBuilder(p.gh, p.issueSource(), p.defaultOwner(), p.logger)
	index, enriched, err := builder.Build(ctx, p.projects, refs, p.creds.TicketTrackerDays)
	if err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "ticket index build failed", "err", err)
		index = map[string]*tickets.Ticket{}
	}

	depEvents, err := depStore.LoadEvents()
	if err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "loading deployment history failed", "err", err)
	}
	relEvents, err := relStore.LoadEvents()
	if err != nil {
		//nolint:errcheck
		level.Warn(p.logger).Log("msg", "loading release history failed", "err", err)
	}
	histEvents := append(append([]history.Event{}, depEvents...), relEvents...)

	if p.creds.TicketHistoryTimeAware {
		p.correlate(ctx, index, refs, histEvents)
	}
	if p.creds.TicketHistoryAdvanced {
		tickets.ApplyHistoryPresence(index, histEvents, deployedBranches(refs))
	}
	if prev != nil && prev.TicketIndex != nil {
		floor := tickets.PrevPresence{}
		for key, t := range prev.TicketIndex {
			floor[key] = t.EnvPresence
		}
		tickets.ApplyPersistenceFloor(index, floor)
	}
	doc.TicketIndex = index

	doc.Integrations = p.integrations(ctx, doc, cistat, generatedAt, enriched)
	doc.GlobalAlerts = alerts.alerts

	// Persist.
	p.step("write")
	if err := Write(p.dataDir, doc); err != nil {
		return doc, fmt.Errorf("writing snapshot: %w", err)
	}
	//nolint:errcheck
	level.Info(p.logger).Log("msg", "snapshot complete",
		"projects", len(doc.Projects), "tickets", len(doc.TicketIndex),
		"duration", time.Since(start).Round(time.Millisecond).String())
	return doc, nil
}

// issueSource returns the tracker client as an interface, keeping the nil
// check on the concrete type so the builder sees a true nil.
func (p *Pipeline) issueSource() tickets.IssueSource {
	if p.jira == nil {
		return nil
	}
	return p.jira
}

// correlate runs the time-aware rules over every ticket.
func (p *Pipeline) correlate(ctx context.Context, index map[string]*tickets.Ticket, refs []tickets.ComponentRef, histEvents []history.Event) {
	repoOwner := map[string]string{}
	for _, pc := range p.projects {
		for _, s := range pc.Services {
			if s.CodeRepo != "" {
				repoOwner[s.CodeRepo] = p.ownerFor(pc)
			}
		}
	}

	// Branch candidates per repo, dates fetched only for branches that can
	// prove inclusion.
	branchesByRepo := map[string][]tickets.BranchInfo{}
	for repo, owner := range repoOwner {
		brs, err := p.gh.ListBranches(ctx, owner, repo, 100)
		if err != nil {
			//nolint:errcheck
			level.Debug(p.logger).Log("msg", "branch listing failed", "repo", repo, "err", err)
			continue
		}
		fetched := 0
		for _, br := range brs {
			if !correlatableBranch(br.Name) || fetched >= timeAwareBranchCap {
				continue
			}
			bd, err := p.gh.BranchWithDate(ctx, owner, repo, br.Name)
			if err != nil {
				continue
			}
			fetched++
			branchesByRepo[repo] = append(branchesByRepo[repo], tickets.BranchInfo{
				Repo:      repo,
				Name:      bd.Name,
				CreatedAt: bd.CreatedAt,
				TipSHA:    bd.TipSHA,
			})
		}
	}

	var builds []tickets.BuildInfo
	for _, r := range refs {
		if r.Repo == "" || r.Build == "" {
			continue
		}
		b := tickets.BuildInfo{Repo: r.Repo, Number: r.Build, URL: r.BuildURL}
		builds = append(builds, b)
	}
	// Fill build timestamps from the assembled components.
	buildTimes(refs, builds)

	var deployments []tickets.DeploymentInfo
	for _, r := range refs {
		if r.Repo == "" || r.DeployedAt == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, r.DeployedAt)
		if err != nil {
			continue
		}
		deployments = append(deployments, tickets.DeploymentInfo{
			Repo:      r.Repo,
			Component: r.ServiceKey,
			EnvKey:    r.EnvKey,
			Stage:     config.StageFor(r.EnvKey),
			Tag:       r.Tag,
			Build:     r.Build,
			At:        at,
		})
	}
	for _, e := range histEvents {
		if e.Repo == "" || e.At == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, e.At)
		if err != nil {
			continue
		}
		deployments = append(deployments, tickets.DeploymentInfo{
			Repo:      e.Repo,
			Component: e.Component,
			EnvKey:    e.EnvKey,
			Stage:     config.StageFor(e.EnvKey),
			Tag:       e.ToTag,
			Build:     e.ToBuild,
			At:        at,
		})
	}

	reach := func(ctx context.Context, repo, sha, branch string) (bool, error) {
		owner := repoOwner[repo]
		if owner == "" {
			owner = p.defaultOwner()
		}
		return p.gh.CommitInRef(ctx, owner, repo, sha, branch)
	}
	corr := tickets.NewCorrelator(reach, p.logger)
	for _, t := range index {
		var branches []tickets.BranchInfo
		for _, repo := range t.Repos {
			branches = append(branches, branchesByRepo[repo]...)
		}
		corr.Correlate(ctx, t, branches, builds, deployments)
	}
}

func correlatableBranch(name string) bool {
	if name == "main" || name == "master" {
		return true
	}
	return strings.HasPrefix(name, "release/")
}

// integrations assembles the coverage block for the document.
func (p *Pipeline) integrations(ctx context.Context, doc *Document, cistat *assemble.CIState, generatedAt string, enriched int) Integrations {
	var out Integrations

	ddEnabledProjects := 0
	for _, pc := range p.projects {
		if pc.Datadog.Enabled {
			ddEnabledProjects++
		}
	}
	out.Datadog = IntegrationStatus{Enabled: p.dd != nil && ddEnabledProjects > 0}
	if p.dd != nil {
		ok, reason := p.dd.Validate(ctx)
		out.Datadog.Connected = ok
		out.Datadog.Reason = reason
		out.Datadog.Site = p.creds.DatadogSite
		out.Datadog.LastFetch = generatedAt
	}
	envs := 0
	if doc.Observability != nil {
		envs = len(doc.Observability.Summary)
	}
	out.Datadog.Coverage = map[string]int{"projects": ddEnabledProjects, "envs": envs}

	withBuilds := 0
	for _, proj := range doc.Projects {
		for _, env := range proj.Environments {
			for _, c := range env.Components {
				if c.BuildURL != "" {
					withBuilds++
				}
			}
		}
	}
	out.TeamCity = IntegrationStatus{
		Enabled:   cistat.Enabled(),
		Connected: cistat.Enabled() && !cistat.Down(),
		Coverage:  map[string]int{"components": withBuilds},
	}
	if cistat.Down() {
		out.TeamCity.Reason = "lookup failed during run"
	}
	if out.TeamCity.Connected {
		out.TeamCity.LastFetch = generatedAt
	}

	out.GitHub = IntegrationStatus{
		Enabled:   true,
		Connected: true,
		LastFetch: generatedAt,
		Coverage: map[string]int{
			"tickets":    len(doc.TicketIndex),
			"windowDays": p.creds.TicketTrackerDays,
		},
	}

	out.Jira = IntegrationStatus{
		Enabled:   p.jira != nil,
		Connected: p.jira != nil && enriched > 0,
		Coverage:  map[string]int{"tickets": enriched},
	}
	if out.Jira.Connected {
		out.Jira.LastFetch = generatedAt
	}
	return out
}

// bootstrapTargets derives one history-reconstruction target per
// (project, env, service, candidate path). Paths that never existed walk
// zero commits and contribute nothing.
func (p *Pipeline) bootstrapTargets() []history.BootstrapTarget {
	var out []history.BootstrapTarget
	seen := map[string]struct{}{}
	for _, pc := range p.projects {
		owner := p.ownerFor(pc)
		for _, env := range pc.Environments {
			for _, svc := range pc.Services {
				if !svc.ServesEnv(env.Key) {
					continue
				}
				ref := pc.InfraRefFor(svc)
				for _, path := range kustomize.CandidatePaths(env.Key) {
					key := strings.Join([]string{pc.Project.Key, env.Key, owner, svc.InfraRepo, ref, path}, "|")
					if _, ok := seen[key]; ok {
						continue
					}
					seen[key] = struct{}{}
					out = append(out, history.BootstrapTarget{
						ProjectKey:        pc.Project.Key,
						EnvKey:            env.Key,
						EnvName:           env.Name,
						Owner:             owner,
						InfraRepo:         svc.InfraRepo,
						InfraRef:          ref,
						KustomizationPath: path,
					})
				}
			}
		}
	}
	return out
}

// componentStates flattens a document into the history store's input view.
func componentStates(doc *Document) []history.ComponentState {
	var out []history.ComponentState
	for _, proj := range doc.Projects {
		for _, env := range proj.Environments {
			for _, c := range env.Components {
				out = append(out, history.ComponentState{
					ProjectKey:       proj.Key,
					EnvKey:           env.EnvKey,
					EnvName:          env.DisplayName,
					Component:        c.ServiceKey,
					Repo:             c.Repo,
					Tag:              c.Tag,
					Build:            c.BuildNumber,
					DeployedAt:       c.DeployedAt,
					By:               c.Deployer,
					CommitSHA:        c.DeployCommitSHA,
					CommitURL:        c.DeployerCommitURL,
					KustomizationURL: c.KustomizationURL,
				})
			}
		}
	}
	return out
}

// ticketRefs flattens a document into the ticket builder's component view.
func ticketRefs(doc *Document) []tickets.ComponentRef {
	var out []tickets.ComponentRef
	for _, proj := range doc.Projects {
		for _, env := range proj.Environments {
			for _, c := range env.Components {
				out = append(out, tickets.ComponentRef{
					ProjectKey:      proj.Key,
					EnvKey:          env.EnvKey,
					ServiceKey:      c.ServiceKey,
					Repo:            c.Repo,
					Branch:          c.Branch,
					Tag:             c.Tag,
					Build:           c.BuildNumber,
					BuildURL:        c.BuildURL,
					DeployedAt:      c.DeployedAt,
					BuildStartedAt:  c.BuildStartedAt,
					BuildFinishedAt: c.BuildFinishedAt,
				})
			}
		}
	}
	return out
}

// deployedBranches maps (repo, stage) to the branch currently deployed
// there, feeding the history-presence confidence rule.
func deployedBranches(refs []tickets.ComponentRef) map[string]string {
	out := map[string]string{}
	for _, r := range refs {
		if r.Repo == "" || r.Branch == "" {
			continue
		}
		out[r.Repo+"|"+config.StageFor(r.EnvKey)] = r.Branch
	}
	return out
}

// buildTimes fills start/finish timestamps on build candidates from the
// component metadata they came from.
func buildTimes(refs []tickets.ComponentRef, builds []tickets.BuildInfo) {
	type times struct{ started, finished time.Time }
	byKey := map[string]times{}
	for _, r := range refs {
		if r.Repo == "" || r.Build == "" {
			continue
		}
		var t times
		if ts, err := time.Parse(time.RFC3339, r.BuildStartedAt); err == nil {
			t.started = ts
		}
		if ts, err := time.Parse(time.RFC3339, r.BuildFinishedAt); err == nil {
			t.finished = ts
		}
		byKey[r.Repo+"|"+r.Build] = t
	}
	for i := range builds {
		if t, ok := byKey[builds[i].Repo+"|"+builds[i].Number]; ok {
			builds[i].StartedAt = t.started
			builds[i].FinishedAt = t.finished
		}
	}
}
