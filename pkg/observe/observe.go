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

// Package observe runs the per-environment observability query set and
// derives the coarse four-level health status, global alerts and the news
// feed from monitors.
package observe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deliveryops/estatesnap/pkg/config"
	"github.com/deliveryops/estatesnap/pkg/monitoring"
)

// Health statuses, precedence unhealthy > degraded > healthy > unknown.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Signal names.
const (
	SignalCPU       = "cpuPct"
	SignalMem       = "memPct"
	SignalPods      = "pods"
	SignalErrorRate = "errorRatePct"
	SignalP95       = "p95ms"
)

var signalOrder = []string{SignalCPU, SignalMem, SignalPods, SignalErrorRate, SignalP95}

// maxOutstanding bounds concurrent metric queries per environment.
const maxOutstanding = 8

// Querier is the monitoring surface the collector needs.
type Querier interface {
	QueryTimeseries(ctx context.Context, query string, windowMinutes int) (*float64, string)
}

type spec struct {
	template  string
	normalize func(float64) float64
}

func identity(v float64) float64 { return v }

// pctNorm treats small values as fractions: 0..1.5 scales to percent.
func pctNorm(v float64) float64 {
	if v >= 0 && v <= 1.5 {
		return v * 100
	}
	return v
}

// latencyNorm treats small values as seconds: 0..50 scales to milliseconds.
func latencyNorm(v float64) float64 {
	if v >= 0 && v <= 50 {
		return v * 1000
	}
	return v
}

var defaultSpecs = map[string]spec{
	SignalCPU:       {"avg:system.cpu.user{%s}", pctNorm},
	SignalMem:       {"avg:system.mem.used_pct{%s}", pctNorm},
	SignalPods:      {"sum:kubernetes.pods.running{%s}", identity},
	SignalErrorRate: {"100 * (sum:trace.http.request.errors{%s}.as_count() / sum:trace.http.request.hits{%s}.as_count())", identity},
	SignalP95:       {"p95:trace.http.request.duration{%s}", latencyNorm},
}

func renderQuery(name, override, tags string) string {
	if override != "" {
		return strings.ReplaceAll(override, "{tags}", tags)
	}
	sp := defaultSpecs[name]
	n := strings.Count(sp.template, "%s")
	args := make([]any, n)
	for i := range args {
		args[i] = tags
	}
	return fmt.Sprintf(sp.template, args...)
}

// EnvSummary is the per-environment observability result. Service is set
// only on component-scoped summaries.
type EnvSummary struct {
	Project  string              `json:"project"`
	Env      string              `json:"env"`
	Service  string              `json:"service,omitempty"`
	Status   string              `json:"status"`
	Metrics  map[string]*float64 `json:"metrics"`
	Reasons  map[string]string   `json:"reasons"`
	UsedTags []string            `json:"usedTags"`
}

// defaultCandidates are the env-tag names tried in candidate mode.
var defaultCandidates = []string{"env", "environment", "kube_namespace", "kubernetes_namespace"}

// Collector runs queries for one project.
type Collector struct {
	q   Querier
	cfg config.Datadog
}

// New returns a Collector over the project's monitoring configuration.
func New(q Querier, cfg config.Datadog) *Collector {
	return &Collector{q: q, cfg: cfg}
}

// deterministicTags builds the tag set when an env selector is present.
func (c *Collector) deterministicTags(sel config.EnvSelector, comp *config.ComponentSelector) []string {
	tags := append([]string{}, c.cfg.BaseTags...)
	tags = append(tags, "kube_namespace:"+sel.Namespace)
	if sel.Cluster != "" {
		tags = append(tags, "kube_cluster_name:"+sel.Cluster)
	}
	if comp != nil {
		if comp.Service != "" {
			tags = append(tags, "service:"+comp.Service)
		}
		if comp.Deployment != "" {
			tags = append(tags, "kube_deployment:"+comp.Deployment)
		}
	}
	return tags
}

func (c *Collector) window() int {
	if c.cfg.WindowMinutes > 0 {
		return c.cfg.WindowMinutes
	}
	return 10
}

// envValue maps an env key through the configured envMap, defaulting to the
// key itself.
func (c *Collector) envValue(envKey string) string {
	if v, ok := c.cfg.EnvMap[envKey]; ok && v != "" {
		return v
	}
	return envKey
}

// CollectEnv runs the query set for one environment. In deterministic mode
// the selector fixes the tag set; in candidate mode the first candidate tag
// producing any ok value wins. The returned warning is non-empty when no
// candidate produced a value.
func (c *Collector) CollectEnv(ctx context.Context, projectKey, envKey string) (*EnvSummary, string) {
	sum := &EnvSummary{
		Project: projectKey,
		Env:     envKey,
		Metrics: map[string]*float64{},
		Reasons: map[string]string{},
	}

	if sel, ok := c.cfg.EnvSelectors[envKey]; ok {
		tags := c.deterministicTags(sel, nil)
		c.runSet(ctx, sum, strings.Join(tags, ","))
		sum.UsedTags = tags
		sum.Status = deriveStatus(sum.Metrics, c.cfg.Thresholds)
		return sum, ""
	}

	candidates := c.cfg.TagCandidates
	if len(candidates) == 0 {
		candidates = defaultCandidates
	}
	envVal := strings.ToLower(c.envValue(envKey))
	for _, cand := range candidates {
		tag := cand + ":" + envVal
		tags := append(append([]string{}, c.cfg.BaseTags...), tag)
		trial := &EnvSummary{Metrics: map[string]*float64{}, Reasons: map[string]string{}}
		c.runSet(ctx, trial, strings.Join(tags, ","))
		ok := false
		for _, v := range trial.Metrics {
			if v != nil {
				ok = true
				break
			}
		}
		if ok {
			sum.Metrics = trial.Metrics
			sum.Reasons = trial.Reasons
			sum.UsedTags = tags
			sum.Status = deriveStatus(sum.Metrics, c.cfg.Thresholds)
			return sum, ""
		}
	}

	for _, name := range signalOrder {
		sum.Metrics[name] = nil
		sum.Reasons[name] = monitoring.ReasonNoData
	}
	sum.Status = StatusUnknown
	return sum, fmt.Sprintf("no tag candidate produced data for %s/%s", projectKey, envKey)
}

// CollectComponent runs the query set for one service in one environment,
// narrowing the deterministic tag set with the service's component selector
// (service: and kube_deployment: tags). It requires both an env selector and
// a component selector for the pair; the returned warning is non-empty when
// either is missing.
func (c *Collector) CollectComponent(ctx context.Context, projectKey, envKey, serviceKey string) (*EnvSummary, string) {
	sum := &EnvSummary{
		Project: projectKey,
		Env:     envKey,
		Service: serviceKey,
		Metrics: map[string]*float64{},
		Reasons: map[string]string{},
	}

	sel, selOK := c.cfg.EnvSelectors[envKey]
	comp, compOK := c.cfg.ComponentSelectors[serviceKey][envKey]
	if !selOK || !compOK {
		for _, name := range signalOrder {
			sum.Metrics[name] = nil
			sum.Reasons[name] = monitoring.ReasonNoData
		}
		sum.Status = StatusUnknown
		return sum, fmt.Sprintf("no component selector for %s/%s/%s", projectKey, envKey, serviceKey)
	}

	tags := c.deterministicTags(sel, &comp)
	c.runSet(ctx, sum, strings.Join(tags, ","))
	sum.UsedTags = tags
	sum.Status = deriveStatus(sum.Metrics, c.cfg.Thresholds)
	return sum, ""
}

// runSet fans the five queries out with bounded concurrency and joins the
// results in signal order.
func (c *Collector) runSet(ctx context.Context, sum *EnvSummary, tags string) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxOutstanding)
	for _, name := range signalOrder {
		g.Go(func() error {
			q := renderQuery(name, c.cfg.Queries[name], tags)
			val, reason := c.q.QueryTimeseries(gctx, q, c.window())
			mu.Lock()
			defer mu.Unlock()
			if val != nil {
				n := defaultSpecs[name].normalize(*val)
				sum.Metrics[name] = &n
			} else {
				sum.Metrics[name] = nil
			}
			sum.Reasons[name] = reason
			return nil
		})
	}
	//nolint:errcheck
	g.Wait()
}

type bound struct{ warn, crit float64 }

var defaultBounds = map[string]bound{
	SignalErrorRate: {1, 5},
	SignalP95:       {1000, 2000},
	SignalCPU:       {70, 85},
	SignalMem:       {70, 85},
}

func boundsFor(name string, overrides map[string]config.Thresholds) (bound, bool) {
	key := map[string]string{
		SignalErrorRate: "errorRate",
		SignalP95:       "p95",
		SignalCPU:       "cpu",
		SignalMem:       "mem",
	}[name]
	if key == "" {
		return bound{}, false
	}
	if o, ok := overrides[key]; ok && (o.Warn != 0 || o.Crit != 0) {
		return bound{o.Warn, o.Crit}, true
	}
	b := defaultBounds[name]
	return b, true
}

// deriveStatus applies the per-signal thresholds: any value at or past crit
// is unhealthy, past warn is degraded; all-null means unknown.
func deriveStatus(metrics map[string]*float64, overrides map[string]config.Thresholds) string {
	status := StatusUnknown
	for _, name := range signalOrder {
		v := metrics[name]
		if v == nil {
			continue
		}
		b, ok := boundsFor(name, overrides)
		if !ok {
			if status == StatusUnknown {
				status = StatusHealthy
			}
			continue
		}
		switch {
		case *v >= b.crit:
			return StatusUnhealthy
		case *v >= b.warn:
			status = StatusDegraded
		default:
			if status == StatusUnknown {
				status = StatusHealthy
			}
		}
	}
	return status
}

// Alert is one global monitor-derived banner.
type Alert struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NewsItem is one feed entry derived from an alerting monitor.
type NewsItem struct {
	TS     string         `json:"ts"`
	Title  string         `json:"title"`
	Msg    string         `json:"msg"`
	Level  string         `json:"level"`
	Source string         `json:"source"`
	URL    string         `json:"url"`
	Meta   map[string]any `json:"meta,omitempty"`
}

const (
	maxAlerts = 10
	maxNews   = 10
)

// MonitorMatchesSelector reports whether a monitor's tags pin it to the
// selector's namespace (kube_namespace: or legacy namespace:) and, when a
// cluster is configured, to that cluster.
func MonitorMatchesSelector(m monitoring.Monitor, sel config.EnvSelector) bool {
	nsOK, clusterOK := false, sel.Cluster == ""
	for _, t := range m.Tags {
		if t == "kube_namespace:"+sel.Namespace || t == "namespace:"+sel.Namespace {
			nsOK = true
		}
		if sel.Cluster != "" && t == "kube_cluster_name:"+sel.Cluster {
			clusterOK = true
		}
	}
	return nsOK && clusterOK
}

// monitorMatchesEnvs is the fallback when no selectors are configured: the
// monitor carries an env: tag naming one of the known env keys.
func monitorMatchesEnvs(m monitoring.Monitor, envKeys []string) bool {
	for _, t := range m.Tags {
		for _, e := range envKeys {
			if strings.EqualFold(t, "env:"+e) {
				return true
			}
		}
	}
	return false
}

func severityRank(s string) int {
	switch s {
	case "error":
		return 0
	case "warn":
		return 1
	default:
		return 2
	}
}

// TriageMonitors filters monitors to the project's scope and produces the
// global alerts and news items.
func TriageMonitors(monitors []monitoring.Monitor, cfg config.Datadog, envKeys []string, site string) ([]Alert, []NewsItem) {
	var alerts []Alert
	var news []NewsItem
	for _, m := range monitors {
		matched := false
		if len(cfg.EnvSelectors) > 0 {
			for _, sel := range cfg.EnvSelectors {
				if MonitorMatchesSelector(m, sel) {
					matched = true
					break
				}
			}
		} else {
			matched = monitorMatchesEnvs(m, envKeys)
		}
		if !matched {
			continue
		}

		state := strings.ToUpper(m.OverallState)
		var severity string
		switch state {
		case "ALERT":
			severity = "error"
		case "WARN":
			severity = "warn"
		case "NO_DATA":
			severity = "info"
		default:
			continue
		}
		alerts = append(alerts, Alert{
			ID:       fmt.Sprintf("monitor-%d", m.ID),
			Severity: severity,
			Title:    m.Name,
			Message:  firstLine(m.Message),
			URL:      m.URL(site),
		})

		if state == "ALERT" || state == "WARN" {
			level := "warn"
			if state == "ALERT" {
				level = "bad"
			}
			ts := m.Modified
			if ts == "" {
				ts = time.Now().UTC().Format(time.RFC3339)
			}
			news = append(news, NewsItem{
				TS:     ts,
				Title:  m.Name,
				Msg:    firstLine(m.Message),
				Level:  level,
				Source: "datadog",
				URL:    m.URL(site),
				Meta:   map[string]any{"state": state},
			})
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		if severityRank(alerts[i].Severity) != severityRank(alerts[j].Severity) {
			return severityRank(alerts[i].Severity) < severityRank(alerts[j].Severity)
		}
		return alerts[i].Title < alerts[j].Title
	})
	if len(alerts) > maxAlerts {
		alerts = alerts[:maxAlerts]
	}

	levelRank := func(l string) int {
		if l == "bad" {
			return 0
		}
		return 1
	}
	sort.SliceStable(news, func(i, j int) bool {
		if levelRank(news[i].Level) != levelRank(news[j].Level) {
			return levelRank(news[i].Level) < levelRank(news[j].Level)
		}
		return news[i].TS > news[j].TS
	})
	if len(news) > maxNews {
		news = news[:maxNews]
	}
	return alerts, news
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
