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

// Package history implements the append-only event stores for release-tag
// changes and deployment events, including the index document, retention,
// bootstrap and legacy migration.
package history

import (
	"fmt"
	"strings"
)

// Event kinds.
const (
	KindTagChange  = "TAG_CHANGE"
	KindDeployment = "DEPLOYMENT"
)

// Event is one immutable tag transition for one component in one
// environment. Events are appended, never rewritten.
type Event struct {
	ID               string   `json:"id"`
	Kind             string   `json:"kind"`
	Bootstrap        bool     `json:"bootstrap,omitempty"`
	ProjectKey       string   `json:"projectKey"`
	EnvKey           string   `json:"envKey"`
	EnvName          string   `json:"envName,omitempty"`
	Component        string   `json:"component"`
	Repo             string   `json:"repo,omitempty"`
	FromTag          string   `json:"fromTag"`
	ToTag            string   `json:"toTag"`
	FromBuild        string   `json:"fromBuild,omitempty"`
	ToBuild          string   `json:"toBuild,omitempty"`
	At               string   `json:"at"`
	By               string   `json:"by,omitempty"`
	CommitURL        string   `json:"commitUrl,omitempty"`
	KustomizationURL string   `json:"kustomizationUrl,omitempty"`
	Links            []string `json:"links,omitempty"`
}

// EventID builds the stable composite id. With a known commit SHA the id is
// "{sha}:{project}:{env}:{component}:{toTag}"; without one the timestamp
// replaces the SHA's role at the end.
func EventID(sha, project, env, component, toTag, at string) string {
	if sha != "" {
		return fmt.Sprintf("%s:%s:%s:%s:%s", sha, project, env, component, toTag)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", project, env, component, toTag, at)
}

// BootstrapEventID prefixes the composite id for reconstruction events so
// that re-running bootstrap is idempotent.
func BootstrapEventID(sha, project, env, component, toTag, at string) string {
	return "bootstrap:" + EventID(sha, project, env, component, toTag, at)
}

// DedupKey is the secondary identity: same transition at the same second is
// the same event, regardless of which code path derived it.
func (e Event) DedupKey() string {
	at := e.At
	if len(at) > 19 {
		at = at[:19]
	}
	return strings.Join([]string{e.ProjectKey, e.EnvKey, e.Component, e.FromTag, e.ToTag, at}, "|")
}
