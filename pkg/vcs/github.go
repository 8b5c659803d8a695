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

// Package vcs is the GitHub-compatible REST v3 adapter. It is stateless:
// every call goes through the shared httpx core with the token held only
// in the request frame.
package vcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deliveryops/estatesnap/pkg/httpx"
)

// ErrNotFound reports a missing file, ref or resource (HTTP 404).
var ErrNotFound = errors.New("not found")

// ErrUnauthorized reports 401/403, which degrade the integration for the
// remainder of the run.
var ErrUnauthorized = errors.New("unauthorized")

const userAgent = "estatesnap"

// Doer is the httpx surface the adapter needs.
type Doer interface {
	Do(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// Client calls the GitHub-compatible API for one org.
type Client struct {
	doer    Doer
	baseURL string
	token   string
}

// New returns a Client. baseURL defaults to the public API endpoint.
func New(d Doer, baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{doer: d, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"Authorization": "token " + c.token,
		"Accept":        "application/vnd.github+json",
		"User-Agent":    userAgent,
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*httpx.Response, error) {
	return c.doer.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     c.baseURL + path,
		Headers: c.headers(),
		Query:   q,
	})
}

func statusErr(resp *httpx.Response, what string) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", what, resp.StatusCode, ErrUnauthorized)
	default:
		return fmt.Errorf("%s: status %d", what, resp.StatusCode)
	}
}

// Commit is one commit on a path or compare result.
type Commit struct {
	SHA     string
	Message string
	Author  string
	Date    time.Time
	HTMLURL string
}

type commitJSON struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
	HTMLURL string `json:"html_url"`
}

func (c commitJSON) toCommit() Commit {
	author := c.Commit.Author.Name
	if c.Author != nil && c.Author.Login != "" {
		author = c.Author.Login
	}
	return Commit{
		SHA:     c.SHA,
		Message: c.Commit.Message,
		Author:  author,
		Date:    c.Commit.Author.Date,
		HTMLURL: c.HTMLURL,
	}
}

// FetchFile returns the decoded content of a file at a ref.
func (c *Client) FetchFile(ctx context.Context, owner, repo, path, ref string) (string, error) {
	q := url.Values{}
	if ref != "" {
		q.Set("ref", ref)
	}
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, path), q)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusErr(resp, fmt.Sprintf("contents %s/%s %s@%s", owner, repo, path, ref))
	}
	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("parsing contents response: %w", err)
	}
	if body.Encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("decoding file content: %w", err)
		}
		return string(raw), nil
	}
	return body.Content, nil
}

// ListCommits lists commits, optionally restricted to a path and ref.
func (c *Client) ListCommits(ctx context.Context, owner, repo, path, ref string, perPage, page int) ([]Commit, error) {
	q := url.Values{}
	if path != "" {
		q.Set("path", path)
	}
	if ref != "" {
		q.Set("sha", ref)
	}
	if perPage > 0 {
		q.Set("per_page", fmt.Sprint(perPage))
	}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/commits", owner, repo), q)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, fmt.Sprintf("commits %s/%s", owner, repo))
	}
	var raw []commitJSON
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing commits response: %w", err)
	}
	out := make([]Commit, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toCommit())
	}
	return out, nil
}

// GetLastCommitForFile returns the most recent commit touching a path.
func (c *Client) GetLastCommitForFile(ctx context.Context, owner, repo, path, ref string) (*Commit, error) {
	commits, err := c.ListCommits(ctx, owner, repo, path, ref, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("no commits for %s/%s %s: %w", owner, repo, path, ErrNotFound)
	}
	return &commits[0], nil
}

// PullRequest is a merged pull request. BaseRef is normalized: the
// refs/heads/, origin/ and heads/ prefixes are stripped.
type PullRequest struct {
	Repo     string    `json:"repo"`
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	Body     string    `json:"-"`
	URL      string    `json:"url"`
	MergedAt time.Time `json:"mergedAt"`
	Author   string    `json:"author"`
	BaseRef  string    `json:"baseRef"`
	HeadRef  string    `json:"headRef"`
	MergeSHA string    `json:"mergeSha"`
}

// NormalizeRef strips common ref prefixes.
func NormalizeRef(ref string) string {
	for _, p := range []string{"refs/heads/", "origin/", "heads/"} {
		ref = strings.TrimPrefix(ref, p)
	}
	return ref
}

// ListRecentMergedPRs returns PRs merged within sinceDays, newest-updated
// first, capped at perRepoLimit. 401/403 abort the scan for this repo.
func (c *Client) ListRecentMergedPRs(ctx context.Context, owner, repo string, sinceDays, perRepoLimit int) ([]PullRequest, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -sinceDays)
	var out []PullRequest
	for page := 1; len(out) < perRepoLimit; page++ {
		q := url.Values{}
		q.Set("state", "closed")
		q.Set("sort", "updated")
		q.Set("direction", "desc")
		q.Set("per_page", "100")
		q.Set("page", fmt.Sprint(page))
		resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), q)
		if err != nil {
			return out, err
		}
		if resp.StatusCode != http.StatusOK {
			return out, statusErr(resp, fmt.Sprintf("pulls %s/%s", owner, repo))
		}
		var raw []struct {
			Number   int        `json:"number"`
			Title    string     `json:"title"`
			Body     string     `json:"body"`
			HTMLURL  string     `json:"html_url"`
			MergedAt *time.Time `json:"merged_at"`
			User     struct {
				Login string `json:"login"`
			} `json:"user"`
			Base struct {
				Ref string `json:"ref"`
			} `json:"base"`
			Head struct {
				Ref string `json:"ref"`
			} `json:"head"`
			MergeCommitSHA string `json:"merge_commit_sha"`
		}
		if err := json.Unmarshal(resp.Body, &raw); err != nil {
			return out, fmt.Errorf("parsing pulls response: %w", err)
		}
		if len(raw) == 0 {
			break
		}
		for _, pr := range raw {
			if pr.MergedAt == nil || pr.MergedAt.Before(cutoff) {
				continue
			}
			out = append(out, PullRequest{
				Repo:     repo,
				Number:   pr.Number,
				Title:    pr.Title,
				Body:     pr.Body,
				URL:      pr.HTMLURL,
				MergedAt: pr.MergedAt.UTC(),
				Author:   pr.User.Login,
				BaseRef:  NormalizeRef(pr.Base.Ref),
				HeadRef:  pr.Head.Ref,
				MergeSHA: pr.MergeCommitSHA,
			})
			if len(out) >= perRepoLimit {
				break
			}
		}
		if len(raw) < 100 {
			break
		}
	}
	return out, nil
}

// Branch is one branch with its tip commit.
type Branch struct {
	Name   string
	TipSHA string
	// CreatedAt is approximated by the tip commit's author date: the API
	// has no branch creation time.
	CreatedAt time.Time
}

// ListBranches lists up to limit branches with pagination.
func (c *Client) ListBranches(ctx context.Context, owner, repo string, limit int) ([]Branch, error) {
	var out []Branch
	for page := 1; limit <= 0 || len(out) < limit; page++ {
		q := url.Values{}
		q.Set("per_page", "100")
		q.Set("page", fmt.Sprint(page))
		resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/branches", owner, repo), q)
		if err != nil {
			return out, err
		}
		if resp.StatusCode != http.StatusOK {
			return out, statusErr(resp, fmt.Sprintf("branches %s/%s", owner, repo))
		}
		var raw []struct {
			Name   string `json:"name"`
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		if err := json.Unmarshal(resp.Body, &raw); err != nil {
			return out, fmt.Errorf("parsing branches response: %w", err)
		}
		if len(raw) == 0 {
			break
		}
		for _, b := range raw {
			out = append(out, Branch{Name: b.Name, TipSHA: b.Commit.SHA})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		if len(raw) < 100 {
			break
		}
	}
	return out, nil
}

// BranchWithDate fetches one branch and fills CreatedAt from its tip commit.
func (c *Client) BranchWithDate(ctx context.Context, owner, repo, name string) (*Branch, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, fmt.Sprintf("branch %s/%s %s", owner, repo, name))
	}
	var raw struct {
		Name   string `json:"name"`
		Commit struct {
			SHA    string `json:"sha"`
			Commit struct {
				Author struct {
					Date time.Time `json:"date"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing branch response: %w", err)
	}
	return &Branch{Name: raw.Name, TipSHA: raw.Commit.SHA, CreatedAt: raw.Commit.Commit.Author.Date.UTC()}, nil
}

// Tag is one repository tag.
type Tag struct {
	Name string
	SHA  string
}

// ListTags lists up to limit tags.
func (c *Client) ListTags(ctx context.Context, owner, repo string, limit int) ([]Tag, error) {
	q := url.Values{}
	if limit > 0 && limit < 100 {
		q.Set("per_page", fmt.Sprint(limit))
	} else {
		q.Set("per_page", "100")
	}
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/tags", owner, repo), q)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, fmt.Sprintf("tags %s/%s", owner, repo))
	}
	var raw []struct {
		Name   string `json:"name"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing tags response: %w", err)
	}
	out := make([]Tag, 0, len(raw))
	for _, t := range raw {
		out = append(out, Tag{Name: t.Name, SHA: t.Commit.SHA})
	}
	return out, nil
}

// CompareResult is the outcome of comparing base...head.
type CompareResult struct {
	Status  string // behind, identical, ahead, diverged
	AheadBy int
	Commits []Commit
	HTMLURL string
}

// CompareRefs compares base...head.
func (c *Client) CompareRefs(ctx context.Context, owner, repo, base, head string) (*CompareResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/compare/%s...%s", owner, repo, url.PathEscape(base), url.PathEscape(head))
	resp, err := c.get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp, fmt.Sprintf("compare %s/%s %s...%s", owner, repo, base, head))
	}
	var raw struct {
		Status  string       `json:"status"`
		AheadBy int          `json:"ahead_by"`
		Commits []commitJSON `json:"commits"`
		HTMLURL string       `json:"html_url"`
	}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("parsing compare response: %w", err)
	}
	out := &CompareResult{Status: raw.Status, AheadBy: raw.AheadBy, HTMLURL: raw.HTMLURL}
	for _, cm := range raw.Commits {
		out.Commits = append(out.Commits, cm.toCommit())
	}
	return out, nil
}

// CommitInRef reports whether sha is reachable from refOrSHA using the
// compare endpoint: status behind, identical or ahead means reachable.
func (c *Client) CommitInRef(ctx context.Context, owner, repo, sha, refOrSHA string) (bool, error) {
	cmp, err := c.CompareRefs(ctx, owner, repo, sha, refOrSHA)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	switch cmp.Status {
	case "behind", "identical", "ahead":
		return true, nil
	}
	return false, nil
}

// RefExists reports whether a branch or tag named ref exists.
func (c *Client) RefExists(ctx context.Context, owner, repo, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	resp, err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, url.PathEscape(ref)), nil)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	resp, err = c.get(ctx, fmt.Sprintf("/repos/%s/%s/git/ref/tags/%s", owner, repo, url.PathEscape(ref)), nil)
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusOK, nil
}
