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

// Package assemble composes per-(project, environment, service) Component
// records from kustomization contents, CI build details and the infra
// commit that last changed the tag signature.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/deliveryops/estatesnap/pkg/argocd"
	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/kustomize"
	"github.com/deliveryops/estatesnap/pkg/vcs"
)

// Component warning codes.
const (
	WarnNoKustomization     = "NO_KUSTOMIZATION"
	WarnNoTagFound          = "NO_TAG_FOUND"
	WarnNoBuildNumber       = "NO_BUILD_NUMBER"
	WarnNoTeamCityBuildType = "NO_TEAMCITY_BUILDTYPE"
	WarnNoTeamCity          = "NO_TEAMCITY"
	WarnNoBranchInfo        = "NO_BRANCH_INFO"
	WarnPartialComponent    = "PARTIAL_COMPONENT_DATA"
)

// tagChangeScanDepth bounds the commit walk when locating the commit that
// switched the tag signature to its current value.
const tagChangeScanDepth = 12

// Component is one deployable unit in one environment.
type Component struct {
	ServiceKey        string   `json:"serviceKey"`
	Image             string   `json:"image,omitempty"`
	Tag               string   `json:"tag,omitempty"`
	BuildNumber       string   `json:"buildNumber,omitempty"`
	Repo              string   `json:"repo,omitempty"`
	RepoURL           string   `json:"repoUrl,omitempty"`
	Branch            string   `json:"branch,omitempty"`
	BranchURL         string   `json:"branchUrl,omitempty"`
	BuildURL          string   `json:"buildUrl,omitempty"`
	BuildStartedAt    string   `json:"buildStartedAt,omitempty"`
	BuildFinishedAt   string   `json:"buildFinishedAt,omitempty"`
	TriggeredBy       string   `json:"triggeredBy,omitempty"`
	Deployer          string   `json:"deployer,omitempty"`
	DeployerCommitURL string   `json:"deployerCommitUrl,omitempty"`
	DeployedAt        string   `json:"deployedAt,omitempty"`
	DeployCommitSHA   string   `json:"-"`
	InfraRepo         string   `json:"infraRepo,omitempty"`
	InfraRepoURL      string   `json:"infraRepoUrl,omitempty"`
	KustomizationURL  string   `json:"kustomizationUrl,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`

	ArgoApp    string `json:"argoApp,omitempty"`
	ArgoAppURL string `json:"argoAppUrl,omitempty"`
	ArgoHealth string `json:"argoHealth,omitempty"`
	ArgoSync   string `json:"argoSync,omitempty"`

	// argoBase overrides the Argo application base name when the service
	// config names one; the service key is used otherwise.
	argoBase string
}

// Environment is one assembled environment of a project.
type Environment struct {
	EnvKey      string      `json:"envKey"`
	DisplayName string      `json:"name"`
	Status      string      `json:"status"`
	ArgoStatus  string      `json:"argoStatus,omitempty"`
	Health      string      `json:"health,omitempty"`
	LastDeploy  string      `json:"lastDeploy,omitempty"`
	Deployer    string      `json:"deployer,omitempty"`
	Build       string      `json:"build,omitempty"`
	Components  []Component `json:"components"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// Project is one assembled project.
type Project struct {
	Key          string        `json:"key"`
	DisplayName  string        `json:"name"`
	GeneratedAt  string        `json:"generatedAt"`
	Environments []Environment `json:"environments"`
}

// InfraVCS is the VCS slice the assembler uses.
type InfraVCS interface {
	FetchFile(ctx context.Context, owner, repo, path, ref string) (string, error)
	ListCommits(ctx context.Context, owner, repo, path, ref string, perPage, page int) ([]vcs.Commit, error)
	GetLastCommitForFile(ctx context.Context, owner, repo, path, ref string) (*vcs.Commit, error)
}

// BuildLookup is the CI slice the assembler uses. LatestFinishedBuild may
// return (nil, nil) when the build type has no finished builds.
type BuildLookup interface {
	GetBuildByNumber(ctx context.Context, buildTypeID, number string) (*Build, error)
	LatestFinishedBuild(ctx context.Context, buildTypeID string) (*Build, error)
}

// Build mirrors the CI adapter's build shape without importing it, so test
// doubles stay local.
type Build struct {
	Number      string
	Status      string
	BranchName  string
	WebURL      string
	StartDate   string
	FinishDate  string
	TriggeredBy string
}

// ArgoLookup resolves one application's runtime state for an environment.
// A nil ArgoLookup means the integration is disabled for the project.
type ArgoLookup func(ctx context.Context, envKey, app string) (*argocd.AppStatus, error)

// CIState tracks whether CI is usable for the remainder of the run. The
// first exception marks it down and suppresses all further CI calls.
type CIState struct {
	mu      sync.Mutex
	enabled bool
	down    bool
}

// NewCIState returns the per-run CI gate.
func NewCIState(enabled bool) *CIState {
	return &CIState{enabled: enabled}
}

// Usable reports whether CI calls may still be made.
func (s *CIState) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.down
}

// MarkDown records the first CI failure; returns true only on the first
// transition so exactly one global alert is emitted.
func (s *CIState) MarkDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.down {
		return false
	}
	s.down = true
	return true
}

// Enabled reports whether CI was configured at all.
func (s *CIState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Down reports whether the run marked CI down.
func (s *CIState) Down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

// Assembler builds environments for one project.
type Assembler struct {
	vcs    InfraVCS
	ci     BuildLookup
	cistat *CIState
	argo   ArgoLookup
	owner  string
	logger log.Logger
}

// New returns an Assembler. ci may be nil when the integration is disabled;
// argo may be nil likewise.
func New(infra InfraVCS, ci BuildLookup, cistat *CIState, argo ArgoLookup, owner string, logger log.Logger) *Assembler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Assembler{vcs: infra, ci: ci, cistat: cistat, argo: argo, owner: owner, logger: logger}
}

// AssembleEnvironment produces one Environment with one-or-more Components
// per service. Failures degrade individual components; they never abort the
// environment.
func (a *Assembler) AssembleEnvironment(ctx context.Context, p *config.Project, env config.Environment) Environment {
	out := Environment{EnvKey: env.Key, DisplayName: env.Name, Status: "healthy"}

	for _, svc := range p.Services {
		if !svc.ServesEnv(env.Key) {
			continue
		}
		comps := a.assembleService(ctx, p, env, svc)
		out.Components = append(out.Components, comps...)
	}

	partial := false
	for _, c := range out.Components {
		if len(c.Warnings) > 0 {
			partial = true
			break
		}
	}
	if partial {
		out.Warnings = append(out.Warnings, WarnPartialComponent)
	}
	if len(out.Warnings) > 0 {
		out.Status = "warn"
	}

	a.fillEnvRollup(ctx, p, &out)
	a.fillArgo(ctx, &out)
	return out
}

// assembleService resolves the kustomization for one service and expands it
// to components.
func (a *Assembler) assembleService(ctx context.Context, p *config.Project, env config.Environment, svc config.Service) []Component {
	ref := p.InfraRefFor(svc)
	base := Component{
		ServiceKey:   svc.Key,
		Repo:         svc.CodeRepo,
		RepoURL:      repoURL(a.owner, svc.CodeRepo),
		InfraRepo:    svc.InfraRepo,
		InfraRepoURL: repoURL(a.owner, svc.InfraRepo),
		argoBase:     svc.ArgoApp,
	}

	text, path, err := a.fetchKustomization(ctx, svc.InfraRepo, env.Key, ref)
	if err != nil {
		c := base
		c.Warnings = append(c.Warnings, WarnNoKustomization)
		return []Component{c}
	}
	base.KustomizationURL = blobURL(a.owner, svc.InfraRepo, ref, path)

	images, err := kustomize.Parse(text)
	if err != nil || len(images) == 0 {
		c := base
		c.Warnings = append(c.Warnings, WarnNoTagFound)
		return []Component{c}
	}
	// A single-image kustomization is the service itself regardless of
	// what the tag prefix says.
	if len(images) == 1 {
		images[0].ServiceKey = svc.Key
	}

	currentSig := kustomize.Signature(images)
	deployCommit := a.findTagChangeCommit(ctx, svc.InfraRepo, path, ref, currentSig)

	var out []Component
	for _, img := range images {
		c := base
		c.ServiceKey = img.ServiceKey
		c.Image = img.Image
		c.Tag = img.Tag
		c.BuildNumber = img.BuildNumber
		if deployCommit != nil {
			c.Deployer = deployCommit.Author
			c.DeployedAt = deployCommit.Date.UTC().Format("2006-01-02T15:04:05Z")
			c.DeployerCommitURL = deployCommit.HTMLURL
			c.DeployCommitSHA = deployCommit.SHA
		}
		a.enrichFromCI(ctx, &c, svc)
		out = append(out, c)
	}
	return out
}

// fetchKustomization tries the candidate paths in order; the first hit
// wins.
func (a *Assembler) fetchKustomization(ctx context.Context, infraRepo, envKey, ref string) (text, path string, err error) {
	var lastErr error
	for _, p := range kustomize.CandidatePaths(envKey) {
		t, err := a.vcs.FetchFile(ctx, a.owner, infraRepo, p, ref)
		if err == nil {
			return t, p, nil
		}
		lastErr = err
		if !errors.Is(err, vcs.ErrNotFound) {
			break
		}
	}
	return "", "", lastErr
}

// findTagChangeCommit walks recent commits on the kustomization path and
// returns the commit where the signature changed to its current value: the
// first adjacent pair with sig[i] == current and sig[i+1] != current picks
// commit[i]. Unprovable cases fall back to the newest matching commit, then
// to the last commit touching the path.
func (a *Assembler) findTagChangeCommit(ctx context.Context, infraRepo, path, ref, currentSig string) *vcs.Commit {
	commits, err := a.vcs.ListCommits(ctx, a.owner, infraRepo, path, ref, tagChangeScanDepth, 0)
	if err != nil || len(commits) == 0 {
		return a.lastCommitFallback(ctx, infraRepo, path, ref)
	}

	sigs := make([]string, len(commits))
	for i, c := range commits {
		text, err := a.vcs.FetchFile(ctx, a.owner, infraRepo, path, c.SHA)
		if err != nil {
			sigs[i] = ""
			continue
		}
		sigs[i] = kustomize.SignatureOf(text)
	}
	for i := 0; i+1 < len(commits); i++ {
		if sigs[i] == currentSig && sigs[i+1] != currentSig {
			return &commits[i]
		}
	}
	if sigs[0] == currentSig {
		return &commits[0]
	}
	return a.lastCommitFallback(ctx, infraRepo, path, ref)
}

func (a *Assembler) lastCommitFallback(ctx context.Context, infraRepo, path, ref string) *vcs.Commit {
	c, err := a.vcs.GetLastCommitForFile(ctx, a.owner, infraRepo, path, ref)
	if err != nil {
		return nil
	}
	return c
}

// enrichFromCI fills branch/build details for one component, degrading with
// warnings when the lookup cannot happen or fails.
func (a *Assembler) enrichFromCI(ctx context.Context, c *Component, svc config.Service) {
	if c.BuildNumber == "" {
		c.Warnings = append(c.Warnings, WarnNoBuildNumber)
		return
	}
	if svc.TeamCityBuildTypeID == "" {
		c.Warnings = append(c.Warnings, WarnNoTeamCityBuildType)
		return
	}
	if a.ci == nil || a.cistat == nil || !a.cistat.Usable() {
		c.Warnings = append(c.Warnings, WarnNoTeamCity)
		return
	}
	b, err := a.ci.GetBuildByNumber(ctx, svc.TeamCityBuildTypeID, c.BuildNumber)
	if err != nil {
		if a.cistat.MarkDown() {
			//nolint:errcheck
			level.Warn(a.logger).Log("msg", "ci lookup failed, disabling ci for this run", "buildType", svc.TeamCityBuildTypeID, "err", err)
		}
		c.Warnings = append(c.Warnings, WarnNoTeamCity)
		return
	}
	c.Branch = b.BranchName
	if b.BranchName != "" {
		c.BranchURL = branchURL(a.owner, c.Repo, b.BranchName)
	} else {
		c.Warnings = append(c.Warnings, WarnNoBranchInfo)
	}
	c.BuildURL = b.WebURL
	c.BuildStartedAt = b.StartDate
	c.BuildFinishedAt = b.FinishDate
	c.TriggeredBy = b.TriggeredBy
}

// fillEnvRollup picks the environment-level lastDeploy, deployer and build
// from the component with the newest deployment (falling back to the newest
// build finish). When no component carries either timestamp it asks CI for
// the newest finished build across the services serving the environment.
func (a *Assembler) fillEnvRollup(ctx context.Context, p *config.Project, env *Environment) {
	newestIdx, newestTS := -1, ""
	for i, c := range env.Components {
		ts := c.DeployedAt
		if ts == "" {
			ts = c.BuildFinishedAt
		}
		if ts > newestTS {
			newestTS = ts
			newestIdx = i
		}
	}
	if newestIdx < 0 {
		a.fillEnvRollupFromCI(ctx, p, env)
		return
	}
	c := env.Components[newestIdx]
	env.LastDeploy = newestTS
	env.Deployer = c.Deployer
	env.Build = c.BuildNumber
}

// fillEnvRollupFromCI is the timestamp-less fallback: the newest finished
// build among the environment's build types stands in for the last deploy.
func (a *Assembler) fillEnvRollupFromCI(ctx context.Context, p *config.Project, env *Environment) {
	if a.ci == nil || a.cistat == nil || !a.cistat.Usable() {
		return
	}
	var newest *Build
	for _, svc := range p.Services {
		if !svc.ServesEnv(env.EnvKey) || svc.TeamCityBuildTypeID == "" {
			continue
		}
		b, err := a.ci.LatestFinishedBuild(ctx, svc.TeamCityBuildTypeID)
		if err != nil {
			if a.cistat.MarkDown() {
				//nolint:errcheck
				level.Warn(a.logger).Log("msg", "ci lookup failed, disabling ci for this run", "buildType", svc.TeamCityBuildTypeID, "err", err)
			}
			return
		}
		if b == nil || b.FinishDate == "" {
			continue
		}
		if newest == nil || b.FinishDate > newest.FinishDate {
			newest = b
		}
	}
	if newest == nil {
		return
	}
	env.LastDeploy = newest.FinishDate
	env.Deployer = newest.TriggeredBy
	env.Build = newest.Number
}

// fillArgo decorates components with runtime state and rolls the worst
// health/sync up to the environment's argoStatus.
func (a *Assembler) fillArgo(ctx context.Context, env *Environment) {
	if a.argo == nil {
		return
	}
	worstHealth, worstSync := "", ""
	for i := range env.Components {
		c := &env.Components[i]
		app := c.argoBase
		if app == "" {
			app = c.ServiceKey
		}
		st, err := a.argo(ctx, env.EnvKey, app)
		if err != nil || st == nil {
			continue
		}
		c.ArgoApp = st.App
		c.ArgoAppURL = st.AppURL
		c.ArgoHealth = st.Health
		c.ArgoSync = st.Sync
		if worstHealth == "" || argocd.HealthRank(st.Health) > argocd.HealthRank(worstHealth) {
			worstHealth = st.Health
		}
		if worstSync == "" || argocd.SyncRank(st.Sync) > argocd.SyncRank(worstSync) {
			worstSync = st.Sync
		}
	}
	if worstHealth != "" {
		env.ArgoStatus = fmt.Sprintf("%s / %s", worstHealth, worstSync)
	}
}

func repoURL(owner, repo string) string {
	if repo == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s", owner, repo)
}

func branchURL(owner, repo, branch string) string {
	if repo == "" || branch == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/tree/%s", owner, repo, branch)
}

func blobURL(owner, repo, ref, path string) string {
	return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", owner, repo, ref, path)
}
