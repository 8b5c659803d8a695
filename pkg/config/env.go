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
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrMissingVCSToken marks the single fatal credential: without a VCS token
// no useful snapshot can be produced.
var ErrMissingVCSToken = errors.New("GITHUB_TOKEN is missing")

// Credentials carries every integration secret and tunable resolved from
// the environment. Values live only in memory; they are never logged and
// never written to disk.
type Credentials struct {
	GitHubToken string
	GitHubOrg   string

	TeamCityURL   string
	TeamCityToken string

	JiraBase  string
	JiraEmail string
	JiraToken string

	DatadogSite   string
	DatadogAPIKey string
	DatadogAppKey string

	ArgoToken string
	// ArgoStageTokens maps an upper-case stage (DEV/QA/UAT/PROD) to a
	// stage-specific token which wins over ArgoToken.
	ArgoStageTokens map[string]string

	TicketTrackerDays      int
	TicketHistoryAdvanced  bool
	TicketHistoryTimeAware bool

	RetentionDays     int
	BootstrapDays     int
	BootstrapMaxPages int
	Backfill60Days    bool
}

// Env abstracts os.Getenv for tests.
type Env func(string) string

// FirstNonEmpty returns the first non-empty trimmed value among the named
// environment variables.
func FirstNonEmpty(getenv Env, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// Truthy interprets 1/true/yes/on (any case) as true.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func intOr(getenv Env, name string, def int) int {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolOr(getenv Env, name string, def bool) bool {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return def
	}
	return Truthy(v)
}

// CredentialsFromEnv resolves all credentials and tunables. Only the VCS
// token is mandatory; every other integration degrades to disabled.
func CredentialsFromEnv(getenv Env) (*Credentials, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := &Credentials{
		GitHubToken: FirstNonEmpty(getenv, "GITHUB_TOKEN"),
		GitHubOrg:   FirstNonEmpty(getenv, "GITHUB_ORG"),

		TeamCityURL:   FirstNonEmpty(getenv, "TEAMCITY_URL", "TEAMCITY_API"),
		TeamCityToken: FirstNonEmpty(getenv, "TEAMCITY_TOKEN"),

		JiraBase:  FirstNonEmpty(getenv, "JIRA_BASE", "JIRA_URL"),
		JiraEmail: FirstNonEmpty(getenv, "JIRA_EMAIL"),
		JiraToken: FirstNonEmpty(getenv, "JIRA_API_TOKEN", "JIRA_TOKEN"),

		DatadogSite:   FirstNonEmpty(getenv, "DATADOG_SITE", "DD_SITE"),
		DatadogAPIKey: FirstNonEmpty(getenv, "DATADOG_API_KEY", "DD_API_KEY"),
		DatadogAppKey: FirstNonEmpty(getenv,
			"DATADOG_APP_KEY", "DATADOG_APPLICATION_KEY", "DD_APP_KEY", "DD_APPLICATION_KEY"),

		ArgoToken: FirstNonEmpty(getenv, "ARGOCD_TOKEN"),
		ArgoStageTokens: map[string]string{
			"DEV":  FirstNonEmpty(getenv, "ARGOCD_TOKEN_DEV"),
			"QA":   FirstNonEmpty(getenv, "ARGOCD_TOKEN_QA"),
			"UAT":  FirstNonEmpty(getenv, "ARGOCD_TOKEN_UAT"),
			"PROD": FirstNonEmpty(getenv, "ARGOCD_TOKEN_PROD"),
		},

		TicketTrackerDays:      intOr(getenv, "TICKET_TRACKER_DAYS", 120),
		TicketHistoryAdvanced:  boolOr(getenv, "TICKET_HISTORY_ADVANCED", true),
		TicketHistoryTimeAware: boolOr(getenv, "TICKET_HISTORY_TIME_AWARE", true),

		RetentionDays:     intOr(getenv, "RELEASE_HISTORY_RETENTION_DAYS", 90),
		BootstrapDays:     intOr(getenv, "RELEASE_HISTORY_BOOTSTRAP_DAYS", 60),
		BootstrapMaxPages: intOr(getenv, "RELEASE_HISTORY_BOOTSTRAP_MAX_PAGES", 20),
		Backfill60Days:    boolOr(getenv, "RELEASE_HISTORY_BACKFILL_60_DAYS", true),
	}
	if c.DatadogSite == "" {
		c.DatadogSite = "datadoghq.com"
	}
	if c.GitHubToken == "" {
		return nil, ErrMissingVCSToken
	}
	return c, nil
}

// ArgoTokenFor returns the token for a stage, preferring the stage-specific
// one.
func (c *Credentials) ArgoTokenFor(stage string) string {
	if t := c.ArgoStageTokens[strings.ToUpper(stage)]; t != "" {
		return t
	}
	return c.ArgoToken
}

// Mask redacts a secret for diagnostics, keeping at most the last four
// characters.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
