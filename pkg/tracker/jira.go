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

// Package tracker is the Jira-compatible issue adapter used for ticket
// enrichment.
package tracker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

// ErrNotFound reports an unknown issue key (404; also 401/403, which the
// enrichment loop skips silently).
var ErrNotFound = errors.New("issue not found")

// ErrRateLimited reports a 429, which breaks the enrichment loop for the
// remainder of the run.
var ErrRateLimited = errors.New("tracker rate limited")

// Doer is the httpx surface the adapter needs.
type Doer interface {
	Do(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// Client calls one Jira-compatible server with basic auth.
type Client struct {
	doer    Doer
	baseURL string
	email   string
	token   string
}

// New returns a Client for baseURL (scheme + host).
func New(d Doer, baseURL, email, token string) *Client {
	return &Client{doer: d, baseURL: strings.TrimRight(baseURL, "/"), email: email, token: token}
}

// Issue is a normalized tracker issue.
type Issue struct {
	Key         string   `json:"key"`
	Summary     string   `json:"summary"`
	Status      string   `json:"status"`
	Assignee    string   `json:"assignee"`
	FixVersions []string `json:"fixVersions"`
	Project     string   `json:"project"`
	URL         string   `json:"url"`
}

// BrowseURL is the human-facing issue link.
func (c *Client) BrowseURL(key string) string {
	return c.baseURL + "/browse/" + key
}

// GetIssue fetches one issue. 401/403/404 map to ErrNotFound so callers
// can skip silently; 429 maps to ErrRateLimited so the enrichment loop can
// stop.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	q := url.Values{}
	q.Set("fields", "summary,status,assignee,fixVersions,project")
	auth := base64.StdEncoding.EncodeToString([]byte(c.email + ":" + c.token))
	resp, err := c.doer.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/rest/api/3/issue/" + url.PathEscape(key),
		Headers: map[string]string{
			"Authorization": "Basic " + auth,
			"Accept":        "application/json",
		},
		Query: q,
	})
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, fmt.Errorf("issue %s: status %d: %w", key, resp.StatusCode, ErrNotFound)
	default:
		return nil, fmt.Errorf("issue %s: status %d", key, resp.StatusCode)
	}
	var raw struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Status  struct {
				Name string `json:"name"`
			} `json:"status"`
			Assignee *struct {
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
			FixVersions []struct {
				Name string `json:"name"`
			} `json:"fixVersions"`
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing issue response: %w", err)
	}
	issue := &Issue{
		Key:     raw.Key,
		Summary: raw.Fields.Summary,
		Status:  raw.Fields.Status.Name,
		Project: raw.Fields.Project.Key,
		URL:     c.BrowseURL(raw.Key),
	}
	if raw.Fields.Assignee != nil {
		issue.Assignee = raw.Fields.Assignee.DisplayName
	}
	for _, fv := range raw.Fields.FixVersions {
		issue.FixVersions = append(issue.FixVersions, fv.Name)
	}
	return issue, nil
}
