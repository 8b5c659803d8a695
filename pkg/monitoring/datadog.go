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

// Package monitoring is the Datadog-compatible REST adapter. Every call
// returns a (value, reason) pair with the normalized reason vocabulary:
// ok, no_data, missing_keys, auth_401, auth_403, http_N, exception:T.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

// Reason values shared with the snapshot's integrations block.
const (
	ReasonOK          = "ok"
	ReasonNoData      = "no_data"
	ReasonMissingKeys = "missing_keys"
	ReasonAuth401     = "auth_401"
	ReasonAuth403     = "auth_403"
)

// Doer is the httpx surface the adapter needs.
type Doer interface {
	Do(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// Client calls one Datadog-compatible site.
type Client struct {
	doer    Doer
	baseURL string
	apiKey  string
	appKey  string
	now     func() time.Time
}

// SiteBaseURL maps a site name to the API base URL. A full URL passes
// through untouched.
func SiteBaseURL(site string) string {
	s := strings.TrimSpace(site)
	if s == "" {
		s = "datadoghq.com"
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return strings.TrimRight(s, "/")
	}
	return "https://api." + s
}

// AppBaseURL returns the human-facing app domain for monitor links.
func AppBaseURL(site string) string {
	if strings.HasSuffix(strings.TrimSpace(site), ".eu") {
		return "https://app.datadoghq.eu"
	}
	return "https://app.datadoghq.com"
}

// New returns a Client for a site (or full base URL).
func New(d Doer, site, apiKey, appKey string) *Client {
	return &Client{
		doer:    d,
		baseURL: SiteBaseURL(site),
		apiKey:  apiKey,
		appKey:  appKey,
		now:     time.Now,
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*httpx.Response, error) {
	return c.doer.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Headers: map[string]string{
			"DD-API-KEY":         c.apiKey,
			"DD-APPLICATION-KEY": c.appKey,
			"Accept":             "application/json",
		},
		Query: q,
	})
}

func reasonFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ReasonAuth401
	case http.StatusForbidden:
		return ReasonAuth403
	default:
		return fmt.Sprintf("http_%d", status)
	}
}

func exceptionReason(err error) string {
	return fmt.Sprintf("exception:%T", err)
}

// Validate checks the API/app key pair. Returns (ok, reason).
func (c *Client) Validate(ctx context.Context) (bool, string) {
	if c.apiKey == "" || c.appKey == "" {
		return false, ReasonMissingKeys
	}
	resp, err := c.get(ctx, "/api/v1/validate", nil)
	if err != nil {
		return false, exceptionReason(err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, reasonFor(resp.StatusCode)
	}
	return true, ReasonOK
}

// QueryTimeseries runs a metrics query over the trailing window and returns
// the last numeric point observed across all series. A nil value with
// reason no_data means the query succeeded but produced nothing numeric.
func (c *Client) QueryTimeseries(ctx context.Context, query string, windowMinutes int) (*float64, string) {
	if c.apiKey == "" || c.appKey == "" {
		return nil, ReasonMissingKeys
	}
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	to := c.now().UTC()
	from := to.Add(-time.Duration(windowMinutes) * time.Minute)
	q := url.Values{}
	q.Set("query", query)
	q.Set("from", fmt.Sprint(from.Unix()))
	q.Set("to", fmt.Sprint(to.Unix()))

	resp, err := c.get(ctx, "/api/v1/query", q)
	if err != nil {
		return nil, exceptionReason(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, reasonFor(resp.StatusCode)
	}
	var raw struct {
		Series []struct {
			PointList [][]*float64 `json:"pointlist"`
		} `json:"series"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, exceptionReason(err)
	}
	var last *float64
	var lastTS float64
	for _, s := range raw.Series {
		for _, p := range s.PointList {
			if len(p) < 2 || p[1] == nil {
				continue
			}
			ts := 0.0
			if p[0] != nil {
				ts = *p[0]
			}
			if last == nil || ts >= lastTS {
				v := *p[1]
				last = &v
				lastTS = ts
			}
		}
	}
	if last == nil {
		return nil, ReasonNoData
	}
	return last, ReasonOK
}

// Monitor is one monitor definition with its current state.
type Monitor struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	OverallState string   `json:"overall_state"`
	Tags         []string `json:"tags"`
	Message      string   `json:"message"`
	Modified     string   `json:"modified"`
}

// URL links the monitor on the human-facing app domain.
func (m Monitor) URL(site string) string {
	return fmt.Sprintf("%s/monitors/%d", AppBaseURL(site), m.ID)
}

// ListMonitors returns all monitors. Returns (monitors, reason).
func (c *Client) ListMonitors(ctx context.Context) ([]Monitor, string) {
	if c.apiKey == "" || c.appKey == "" {
		return nil, ReasonMissingKeys
	}
	resp, err := c.get(ctx, "/api/v1/monitor", nil)
	if err != nil {
		return nil, exceptionReason(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, reasonFor(resp.StatusCode)
	}
	var out []Monitor
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, exceptionReason(err)
	}
	return out, ReasonOK
}
