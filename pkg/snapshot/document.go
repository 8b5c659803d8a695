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

// Package snapshot assembles, persists and archives the full estate
// document: every project, environment, component, the ticket index, the
// observability summary and the integration coverage block.
package snapshot

import (
	"github.com/deliveryops/estatesnap/pkg/assemble"
	"github.com/deliveryops/estatesnap/pkg/observe"
	"github.com/deliveryops/estatesnap/pkg/tickets"
)

// Warning is one normalized diagnostic carried at the document level.
// Component-level warnings stay on the component; these cover concerns
// spanning a whole integration or the run itself.
type Warning struct {
	Level     string `json:"level"`
	Scope     string `json:"scope"`
	Reason    string `json:"reason,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message"`
	Project   string `json:"project,omitempty"`
	Env       string `json:"env,omitempty"`
	Component string `json:"component,omitempty"`
	TS        string `json:"ts,omitempty"`
}

// IntegrationStatus reports one upstream system's health for this run.
type IntegrationStatus struct {
	Enabled   bool           `json:"enabled"`
	Connected bool           `json:"connected"`
	Site      string         `json:"site,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	LastFetch string         `json:"lastFetch,omitempty"`
	Coverage  map[string]int `json:"coverage,omitempty"`
}

// Integrations groups the per-system statuses.
type Integrations struct {
	Datadog  IntegrationStatus `json:"datadog"`
	TeamCity IntegrationStatus `json:"teamcity"`
	GitHub   IntegrationStatus `json:"github"`
	Jira     IntegrationStatus `json:"jira"`
}

// Observability is the monitoring block of the document.
type Observability struct {
	Summary  []*observe.EnvSummary `json:"summary"`
	Warnings []string              `json:"warnings,omitempty"`
	News     []observe.NewsItem    `json:"news,omitempty"`
}

// Document is one complete snapshot as written to latest.json.
type Document struct {
	GeneratedAt   string                     `json:"generatedAt"`
	Source        string                     `json:"source"`
	Projects      []*assemble.Project        `json:"projects"`
	TicketIndex   map[string]*tickets.Ticket `json:"ticketIndex"`
	Warnings      []Warning                  `json:"warnings,omitempty"`
	Observability *Observability             `json:"observability,omitempty"`
	Integrations  Integrations               `json:"integrations"`
	GlobalAlerts  []observe.Alert            `json:"globalAlerts,omitempty"`
}
