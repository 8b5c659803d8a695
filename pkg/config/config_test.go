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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "20-orders.yaml", `
project:
  key: orders
  githubOwner: acme
environments:
  - key: " DEV-Blue "
  - key: prod
    name: Production
services:
  - key: orders-api
    codeRepo: orders-api
    infraRepo: orders-infra
    envs: [DEV-BLUE, prod]
`)
	writeConfig(t, dir, "10-billing.yaml", `
project:
  key: billing
  name: Billing Platform
services:
  - codeRepo: billing-api
    infraRepo: billing-infra
`)

	projects, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	// Sorted by file name: billing first.
	require.Equal(t, "billing", projects[0].Project.Key)
	require.Equal(t, "Billing Platform", projects[0].Project.Name)
	// Service key defaults to the code repo.
	require.Equal(t, "billing-api", projects[0].Services[0].Key)

	orders := projects[1]
	require.Equal(t, "orders", orders.Project.Name) // name defaults to key
	require.Equal(t, "dev-blue", orders.Environments[0].Key)
	require.Equal(t, "dev-blue", orders.Environments[0].Name)
	require.Equal(t, "Production", orders.Environments[1].Name)
	require.Equal(t, []string{"dev-blue", "prod"}, orders.Services[0].Envs)
}

func TestLoadRejectsMissingInfraRepo(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "bad.yaml", `
project:
  key: broken
services:
  - codeRepo: some-repo
`)
	_, err := Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "infraRepo is required")
}

func TestInfraRefFor(t *testing.T) {
	p := &Project{Project: ProjectIdentity{InfraRef: "develop"}}
	require.Equal(t, "develop", p.InfraRefFor(Service{}))
	require.Equal(t, "release", p.InfraRefFor(Service{InfraRef: "release"}))
	require.Equal(t, "main", (&Project{}).InfraRefFor(Service{}))
}

func TestServesEnv(t *testing.T) {
	require.True(t, Service{}.ServesEnv("anything"))
	s := Service{Envs: []string{"dev", "prod"}}
	require.True(t, s.ServesEnv("prod"))
	require.False(t, s.ServesEnv("qa"))
}

func TestBranchingFor(t *testing.T) {
	p := &Project{}
	p.Runbooks.Branching = Branching{
		DefaultBranch: "develop",
		RepoOverrides: map[string]Branching{
			"legacy-api": {DefaultBranch: "master", PickStrategy: "recent"},
		},
	}

	base := p.BranchingFor("other-repo")
	require.Equal(t, "develop", base.DefaultBranch)
	require.Equal(t, "semver", base.PickStrategy)
	require.NotEmpty(t, base.ReleaseBranchPatterns)

	over := p.BranchingFor("legacy-api")
	require.Equal(t, "master", over.DefaultBranch)
	require.Equal(t, "recent", over.PickStrategy)
	require.Nil(t, over.RepoOverrides)
}

func TestStageFor(t *testing.T) {
	for _, tc := range []struct {
		env, want string
	}{
		{"prod", StageProd},
		{"pre-prod", StageProd},
		{"uat", StageUAT},
		{"qa2", StageQA},
		{"green", StageQA},
		{"dev-blue", StageDev},
		{"staging", StageDev},
	} {
		require.Equal(t, tc.want, StageFor(tc.env), "env %q", tc.env)
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	env := map[string]string{
		"GITHUB_TOKEN":      "gh-secret",
		"GITHUB_ORG":        "acme",
		"TEAMCITY_API":      "https://tc.example.com",
		"TEAMCITY_TOKEN":    "tc-secret",
		"DD_API_KEY":        "dd-api",
		"DD_APP_KEY":        "dd-app",
		"ARGOCD_TOKEN_PROD": "argo-prod",
		"ARGOCD_TOKEN":      "argo-any",
	}
	getenv := func(k string) string { return env[k] }

	c, err := CredentialsFromEnv(getenv)
	require.NoError(t, err)
	require.Equal(t, "gh-secret", c.GitHubToken)
	require.Equal(t, "https://tc.example.com", c.TeamCityURL)
	require.Equal(t, "datadoghq.com", c.DatadogSite)
	require.Equal(t, "dd-api", c.DatadogAPIKey)
	require.Equal(t, 120, c.TicketTrackerDays)
	require.True(t, c.TicketHistoryTimeAware)
	require.Equal(t, 90, c.RetentionDays)
	require.Equal(t, "argo-prod", c.ArgoTokenFor("prod"))
	require.Equal(t, "argo-any", c.ArgoTokenFor("QA"))
}

func TestCredentialsFromEnvRequiresVCSToken(t *testing.T) {
	_, err := CredentialsFromEnv(func(string) string { return "" })
	require.ErrorIs(t, err, ErrMissingVCSToken)
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "On"} {
		require.True(t, Truthy(v), "value %q", v)
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		require.False(t, Truthy(v), "value %q", v)
	}
}

func TestMask(t *testing.T) {
	require.Equal(t, "", Mask(""))
	require.Equal(t, "****", Mask("ab"))
	require.Equal(t, "****cret", Mask("supersecret"))
}
