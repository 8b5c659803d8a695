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

// Package ci is the TeamCity-compatible REST adapter.
package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

// ErrNotFound reports a build that does not exist.
var ErrNotFound = errors.New("build not found")

// tcTimeLayout is the vendor's compact timestamp, e.g. 20251204T141343+0000.
const tcTimeLayout = "20060102T150405-0700"

// Doer is the httpx surface the adapter needs.
type Doer interface {
	Do(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// Client calls one TeamCity-compatible server with a bearer token.
type Client struct {
	doer    Doer
	restURL string
	token   string
}

// NormalizeRestURL turns any user-supplied server URL into the REST base:
// strips a trailing /httpAuth and ensures the /app/rest suffix.
func NormalizeRestURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	u = strings.TrimSuffix(u, "/httpAuth")
	if !strings.HasSuffix(u, "/app/rest") {
		u += "/app/rest"
	}
	return u
}

// New returns a Client for the given server URL (normalized).
func New(d Doer, serverURL, token string) *Client {
	return &Client{doer: d, restURL: NormalizeRestURL(serverURL), token: token}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*httpx.Response, error) {
	return c.doer.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL:    c.restURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + c.token,
			"Accept":        "application/json",
		},
		Query: q,
	})
}

// Build is one finished build with timestamps normalized to UTC RFC 3339.
type Build struct {
	ID          int    `json:"id"`
	Number      string `json:"number"`
	Status      string `json:"status"`
	State       string `json:"state"`
	BranchName  string `json:"branchName"`
	WebURL      string `json:"webUrl"`
	StartDate   string `json:"startDate"`
	FinishDate  string `json:"finishDate"`
	TriggeredBy string `json:"triggeredBy"`
	BuildTypeID string `json:"buildTypeId"`
}

// StartedAt parses the normalized start timestamp.
func (b Build) StartedAt() (time.Time, bool) { return parseISO(b.StartDate) }

// FinishedAt parses the normalized finish timestamp.
func (b Build) FinishedAt() (time.Time, bool) { return parseISO(b.FinishDate) }

func parseISO(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// NormalizeTime converts the vendor's compact form to UTC RFC 3339 with a Z
// suffix. Unparsable input is returned unchanged.
func NormalizeTime(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(tcTimeLayout, raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

type buildJSON struct {
	ID                int    `json:"id"`
	Number            string `json:"number"`
	Status            string `json:"status"`
	State             string `json:"state"`
	BranchName        string `json:"branchName"`
	WebURL            string `json:"webUrl"`
	StartDate         string `json:"startDate"`
	FinishDate        string `json:"finishDate"`
	FinishOnAgentDate string `json:"finishOnAgentDate"`
	BuildTypeID       string `json:"buildTypeId"`
	Triggered         struct {
		User struct {
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"user"`
	} `json:"triggered"`
}

func (b buildJSON) toBuild() Build {
	finish := b.FinishDate
	if finish == "" {
		finish = b.FinishOnAgentDate
	}
	by := b.Triggered.User.Name
	if by == "" {
		by = b.Triggered.User.Username
	}
	return Build{
		ID:          b.ID,
		Number:      b.Number,
		Status:      b.Status,
		State:       b.State,
		BranchName:  b.BranchName,
		WebURL:      b.WebURL,
		StartDate:   NormalizeTime(b.StartDate),
		FinishDate:  NormalizeTime(finish),
		TriggeredBy: by,
		BuildTypeID: b.BuildTypeID,
	}
}

const buildFields = "id,number,status,state,branchName,defaultBranch,webUrl,startDate,finishDate,finishOnAgentDate,triggered(user(username,name)),buildTypeId"

// GetBuildByNumber looks up a finished build of a build type by its number.
func (c *Client) GetBuildByNumber(ctx context.Context, buildTypeID, number string) (*Build, error) {
	locator := fmt.Sprintf("buildType:(id:%s),number:%s,branch:(default:any),state:finished", buildTypeID, number)
	q := url.Values{}
	q.Set("locator", locator)
	q.Set("fields", "build("+buildFields+")")
	resp, err := c.get(ctx, "/builds", q)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("build %s #%s: %w", buildTypeID, number, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("builds lookup %s #%s: status %d", buildTypeID, number, resp.StatusCode)
	}
	var raw struct {
		Build []buildJSON `json:"build"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing builds response: %w", err)
	}
	if len(raw.Build) == 0 {
		return nil, fmt.Errorf("build %s #%s: %w", buildTypeID, number, ErrNotFound)
	}
	b := raw.Build[0].toBuild()
	return &b, nil
}

// GetBuildDetails fetches one build by id.
func (c *Client) GetBuildDetails(ctx context.Context, id int) (*Build, error) {
	q := url.Values{}
	q.Set("fields", buildFields)
	resp, err := c.get(ctx, fmt.Sprintf("/builds/id:%d", id), q)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("build id %d: %w", id, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("build id %d: status %d", id, resp.StatusCode)
	}
	var raw buildJSON
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing build response: %w", err)
	}
	b := raw.toBuild()
	return &b, nil
}

// LatestFinishedBuild returns the newest finished build for a build type,
// used as an environment-level fallback when no component carries a
// deployment timestamp.
func (c *Client) LatestFinishedBuild(ctx context.Context, buildTypeID string) (*Build, error) {
	locator := fmt.Sprintf("buildType:(id:%s),branch:(default:any),state:finished,count:1", buildTypeID)
	q := url.Values{}
	q.Set("locator", locator)
	q.Set("fields", "build("+buildFields+")")
	resp, err := c.get(ctx, "/builds", q)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("latest build %s: status %d", buildTypeID, resp.StatusCode)
	}
	var raw struct {
		Build []buildJSON `json:"build"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing builds response: %w", err)
	}
	if len(raw.Build) == 0 {
		return nil, fmt.Errorf("latest build %s: %w", buildTypeID, ErrNotFound)
	}
	b := raw.Build[0].toBuild()
	return &b, nil
}
