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

// Package argocd reads application health from Argo-style hosts. Strictly
// read-only: it never syncs or mutates an application.
package argocd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

// Doer is the httpx surface the adapter needs.
type Doer interface {
	Do(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// AppStatus is one application's health and sync state.
type AppStatus struct {
	App    string `json:"app"`
	AppURL string `json:"appUrl"`
	Health string `json:"health"`
	Sync   string `json:"sync"`
}

// HealthRank orders health states worst-last: healthy 0, progressing 1,
// suspended 2, degraded 3, missing 4, unknown 5, anything else 6.
func HealthRank(h string) int {
	switch strings.ToLower(h) {
	case "healthy":
		return 0
	case "progressing":
		return 1
	case "suspended":
		return 2
	case "degraded":
		return 3
	case "missing":
		return 4
	case "unknown":
		return 5
	default:
		return 6
	}
}

// SyncRank orders sync states: synced 0, outofsync 2, unknown 3, else 4.
func SyncRank(s string) int {
	switch strings.ToLower(s) {
	case "synced":
		return 0
	case "outofsync":
		return 2
	case "unknown":
		return 3
	default:
		return 4
	}
}

// AppName renders the app name for a stage from the configured rule
// templates ({app} placeholder). No rule for the stage falls back to the
// raw app name.
func AppName(rules map[string]string, stage, app string) string {
	rule, ok := rules[strings.ToUpper(stage)]
	if !ok || rule == "" {
		return app
	}
	return strings.ReplaceAll(rule, "{app}", app)
}

// HostFor resolves the Argo host for an env: env keys listed in
// devHostEnvs pin to the DEV host, otherwise the stage's host.
func HostFor(envHosts map[string]string, devHostEnvs []string, envKey, stage string) string {
	for _, e := range devHostEnvs {
		if strings.EqualFold(e, envKey) {
			return envHosts["DEV"]
		}
	}
	return envHosts[strings.ToUpper(stage)]
}

// Client reads application state from one Argo host.
type Client struct {
	doer  Doer
	host  string
	token string
}

// New returns a Client for host (scheme + host) with a bearer token.
func New(d Doer, host, token string) *Client {
	return &Client{doer: d, host: strings.TrimRight(host, "/"), token: token}
}

// GetApplication fetches one application's health and sync status.
func (c *Client) GetApplication(ctx context.Context, name string) (*AppStatus, error) {
	resp, err := c.doer.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.host + "/api/v1/applications/" + url.PathEscape(name),
		Headers: map[string]string{
			"Authorization": "Bearer " + c.token,
			"Accept":        "application/json",
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("application %s: status %d", name, resp.StatusCode)
	}
	var raw struct {
		Status struct {
			Health struct {
				Status string `json:"status"`
			} `json:"health"`
			Sync struct {
				Status string `json:"status"`
			} `json:"sync"`
		} `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing application response: %w", err)
	}
	health := raw.Status.Health.Status
	if health == "" {
		health = "Unknown"
	}
	sync := raw.Status.Sync.Status
	if sync == "" {
		sync = "Unknown"
	}
	return &AppStatus{
		App:    name,
		AppURL: c.host + "/applications/" + name,
		Health: health,
		Sync:   sync,
	}, nil
}
