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

// Package config loads per-project YAML configuration files and resolves
// integration credentials from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Project identity within a config file.
type ProjectIdentity struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Owner    string `yaml:"githubOwner"`
	InfraRef string `yaml:"infraRef"`
}

// Environment is one deploy target of a project. Keys are normalized on
// load: trimmed, lowercased, empty means absent.
type Environment struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// Service is one deployable unit of a project.
type Service struct {
	Key                 string   `yaml:"key"`
	CodeRepo            string   `yaml:"codeRepo"`
	InfraRepo           string   `yaml:"infraRepo"`
	InfraRef            string   `yaml:"infraRef"`
	TeamCityBuildTypeID string   `yaml:"teamcityBuildTypeId"`
	Envs                []string `yaml:"envs"`
	ArgoApp             string   `yaml:"argoApp"`
}

// EnvSelector pins observability queries for one environment to a concrete
// namespace (and optionally cluster). Its presence switches the environment
// to deterministic query mode.
type EnvSelector struct {
	Namespace string `yaml:"namespace"`
	Cluster   string `yaml:"cluster"`
}

// ComponentSelector narrows a deterministic query to one workload.
type ComponentSelector struct {
	Service    string `yaml:"service"`
	Deployment string `yaml:"kube_deployment"`
}

// Thresholds holds (degraded, unhealthy) boundaries for one signal.
type Thresholds struct {
	Warn float64 `yaml:"warn"`
	Crit float64 `yaml:"crit"`
}

// Datadog configures the monitoring integration for one project.
type Datadog struct {
	Enabled            bool                                    `yaml:"enabled"`
	WindowMinutes      int                                     `yaml:"windowMinutes"`
	EnvSelectors       map[string]EnvSelector                  `yaml:"envSelectors"`
	ComponentSelectors map[string]map[string]ComponentSelector `yaml:"componentSelectors"`
	EnvMap             map[string]string                       `yaml:"envMap"`
	TagCandidates      []string                                `yaml:"tagCandidates"`
	BaseTags           []string                                `yaml:"baseTags"`
	Queries            map[string]string                       `yaml:"queries"`
	Thresholds         map[string]Thresholds                   `yaml:"thresholds"`
}

// ArgoCD configures the optional runtime-health integration.
type ArgoCD struct {
	EnvHosts     map[string]string `yaml:"env_hosts"`
	DevHostEnvs  []string          `yaml:"dev_host_envs"`
	AppNameRules map[string]string `yaml:"app_name_rules"`
}

// GitHub holds per-project VCS tunables.
type GitHub struct {
	TicketRegex string `yaml:"ticket_regex"`
}

// Branching describes how runbooks pick release branches for a repo.
type Branching struct {
	DefaultBranch          string               `yaml:"defaultBranch"`
	ReleaseBranchPatterns  []string             `yaml:"releaseBranchPatterns"`
	PickStrategy           string               `yaml:"releaseBranchPickStrategy"`
	VersionExtractionRegex string               `yaml:"versionExtractionRegex"`
	RepoOverrides          map[string]Branching `yaml:"repoOverrides"`
}

// Runbooks groups runbook-only configuration.
type Runbooks struct {
	Branching Branching `yaml:"branching"`
}

// Project is one loaded project configuration file.
type Project struct {
	Project      ProjectIdentity `yaml:"project"`
	Environments []Environment   `yaml:"environments"`
	Services     []Service       `yaml:"services"`
	Datadog      Datadog         `yaml:"datadog"`
	ArgoCD       ArgoCD          `yaml:"argocd"`
	GitHub       GitHub          `yaml:"github"`
	Runbooks     Runbooks        `yaml:"runbooks"`

	// File the config was loaded from, for error reporting.
	File string `yaml:"-"`
}

// NormalizeEnvKey trims and lowercases an environment key. The empty string
// means the key is absent.
func NormalizeEnvKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Load reads every *.yaml / *.yml file in dir, sorted by file name so that
// snapshot output order is stable across runs.
func Load(dir string) ([]*Project, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading config dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []*Project
	for _, name := range files {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}
		p := &Project{File: name}
		if err := yaml.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
		p.normalize()
		out = append(out, p)
	}
	return out, nil
}

func (p *Project) validate() error {
	if strings.TrimSpace(p.Project.Key) == "" {
		return fmt.Errorf("project.key is required")
	}
	for i, s := range p.Services {
		if strings.TrimSpace(s.InfraRepo) == "" {
			return fmt.Errorf("services[%d] (%s): infraRepo is required", i, s.Key)
		}
	}
	return nil
}

func (p *Project) normalize() {
	if p.Project.Name == "" {
		p.Project.Name = p.Project.Key
	}
	envs := p.Environments[:0]
	for _, e := range p.Environments {
		e.Key = NormalizeEnvKey(e.Key)
		if e.Key == "" {
			continue
		}
		if e.Name == "" {
			e.Name = e.Key
		}
		envs = append(envs, e)
	}
	p.Environments = envs
	for i := range p.Services {
		if p.Services[i].Key == "" {
			p.Services[i].Key = p.Services[i].CodeRepo
		}
		for j, ek := range p.Services[i].Envs {
			p.Services[i].Envs[j] = NormalizeEnvKey(ek)
		}
	}
}

// InfraRefFor resolves the infra ref for a service: service override, then
// project default, then "main".
func (p *Project) InfraRefFor(s Service) string {
	if s.InfraRef != "" {
		return s.InfraRef
	}
	if p.Project.InfraRef != "" {
		return p.Project.InfraRef
	}
	return "main"
}

// ServesEnv reports whether a service is deployed to the given env key. An
// empty env filter means all environments.
func (s Service) ServesEnv(envKey string) bool {
	if len(s.Envs) == 0 {
		return true
	}
	for _, e := range s.Envs {
		if e == envKey {
			return true
		}
	}
	return false
}

// BranchingFor merges the per-repo override (if any) over the project's base
// branching strategy and fills defaults.
func (p *Project) BranchingFor(repo string) Branching {
	b := p.Runbooks.Branching
	if o, ok := b.RepoOverrides[repo]; ok {
		if o.DefaultBranch != "" {
			b.DefaultBranch = o.DefaultBranch
		}
		if len(o.ReleaseBranchPatterns) > 0 {
			b.ReleaseBranchPatterns = o.ReleaseBranchPatterns
		}
		if o.PickStrategy != "" {
			b.PickStrategy = o.PickStrategy
		}
		if o.VersionExtractionRegex != "" {
			b.VersionExtractionRegex = o.VersionExtractionRegex
		}
	}
	if b.DefaultBranch == "" {
		b.DefaultBranch = "main"
	}
	if b.PickStrategy == "" {
		b.PickStrategy = "semver"
	}
	if len(b.ReleaseBranchPatterns) == 0 {
		b.ReleaseBranchPatterns = []string{
			`release/.*`,
			`release/\d+\.\d+(\.\d+)?`,
			`release/v?\d+\.\d+`,
		}
	}
	b.RepoOverrides = nil
	return b
}
