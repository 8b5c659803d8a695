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

// Package scheduler runs the snapshot pipeline on an interval with manual
// triggering, a trigger cooldown, and progress reporting backed by small
// JSON files beside the snapshot data.
package scheduler

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/deliveryops/estatesnap/pkg/fsutil"
)

const (
	// DefaultInterval between automatic runs.
	DefaultInterval = 30 * time.Minute

	// DefaultRunTimeout bounds one pipeline execution.
	DefaultRunTimeout = time.Hour

	// triggerCooldown is the minimum spacing between manual triggers.
	triggerCooldown = 5 * time.Minute

	// sleepChunk keeps the wait loop responsive to triggers and shutdown.
	sleepChunk = 60 * time.Second

	// progressEvery is how often the progress file refreshes mid-run.
	progressEvery = 30 * time.Second

	// runtime history bounds and clamps.
	maxRuntimes       = 50
	avgWindow         = 10
	minRuntimeSeconds = 60
	maxRuntimeSeconds = 3600
	defaultRuntime    = 1200.0

	progressFile = "snapshot_progress.json"
	runtimesFile = "snapshot_runtimes.json"
)

// Progress is the externally visible state of the current or last run.
type Progress struct {
	Status                  string `json:"status"`
	StartedAt               string `json:"startedAt,omitempty"`
	Step                    string `json:"step,omitempty"`
	Progress                int    `json:"progress"`
	ETASeconds              int    `json:"etaSeconds"`
	ETAMinutes              int    `json:"etaMinutes"`
	EstimatedRuntimeSeconds int    `json:"estimatedRuntimeSeconds"`
	EstimatedRuntimeMinutes int    `json:"estimatedRuntimeMinutes"`
	UpdatedAt               string `json:"updatedAt,omitempty"`
	Error                   string `json:"error,omitempty"`
}

// Status is the scheduler's control-surface view.
type Status struct {
	Running              bool      `json:"running"`
	LastRunAt            string    `json:"lastRunAt,omitempty"`
	NextRunAt            string    `json:"nextRunAt,omitempty"`
	IntervalMinutes      int       `json:"intervalMinutes"`
	ManualTriggerPending bool      `json:"manualTriggerPending"`
	SecondsUntilNextRun  int       `json:"secondsUntilNextRun"`
	MinutesUntilNextRun  int       `json:"minutesUntilNextRun"`
	Progress             *Progress `json:"progress,omitempty"`
}

// RunFunc executes one snapshot run.
type RunFunc func(ctx context.Context) error

// Scheduler drives periodic and manually triggered runs.
type Scheduler struct {
	run        RunFunc
	logger     log.Logger
	dataDir    string
	interval   time.Duration
	runTimeout time.Duration
	now        func() time.Time

	mu          sync.Mutex
	running     bool
	lastRunAt   time.Time
	nextRunAt   time.Time
	trigger     bool
	lastTrigger time.Time
	runStarted  time.Time
	step        string
	lastErr     string
}

// New returns a Scheduler. interval and runTimeout fall back to defaults
// when non-positive.
func New(run RunFunc, dataDir string, interval, runTimeout time.Duration, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	return &Scheduler{
		run:        run,
		logger:     logger,
		dataDir:    dataDir,
		interval:   interval,
		runTimeout: runTimeout,
		now:        time.Now,
	}
}

// SetStep records the pipeline's coarse progress marker and refreshes the
// progress file. Wire it to the pipeline's OnStep hook.
func (s *Scheduler) SetStep(step string) {
	s.mu.Lock()
	s.step = step
	running := s.running
	s.mu.Unlock()
	if running {
		s.writeProgress(s.progressNow("running"))
	}
}

// Trigger requests an immediate run. It fails while a run is in flight and
// inside the cooldown window after the previous manual trigger.
func (s *Scheduler) Trigger() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false, "snapshot already running"
	}
	if !s.lastTrigger.IsZero() {
		if wait := triggerCooldown - s.now().Sub(s.lastTrigger); wait > 0 {
			return false, "trigger cooldown active, retry in " + wait.Round(time.Second).String()
		}
	}
	s.trigger = true
	s.lastTrigger = s.now()
	return true, "snapshot triggered"
}

// Status reports the control-surface view including the last written
// progress.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:              s.running,
		IntervalMinutes:      int(s.interval.Minutes()),
		ManualTriggerPending: s.trigger,
	}
	if !s.lastRunAt.IsZero() {
		st.LastRunAt = s.lastRunAt.UTC().Format(time.RFC3339)
	}
	if !s.nextRunAt.IsZero() {
		st.NextRunAt = s.nextRunAt.UTC().Format(time.RFC3339)
		until := time.Until(s.nextRunAt)
		if until < 0 {
			until = 0
		}
		st.SecondsUntilNextRun = int(until.Seconds())
		st.MinutesUntilNextRun = int(until.Minutes())
	}
	if p, err := LoadProgress(s.dataDir); err == nil {
		st.Progress = p
	}
	return st
}

// Loop runs until the context is cancelled: one run immediately, then one
// per interval, waking early on manual triggers. A manually triggered run
// pushes the next automatic run out by the trigger cooldown on top of the
// interval.
func (s *Scheduler) Loop(ctx context.Context) error {
	manual := false
	for {
		s.executeRun(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := s.now().Add(s.interval)
		if manual {
			next = next.Add(triggerCooldown)
		}
		s.mu.Lock()
		s.nextRunAt = next
		s.mu.Unlock()

		for s.now().Before(next) {
			s.mu.Lock()
			fire := s.trigger
			s.mu.Unlock()
			if fire {
				break
			}
			chunk := sleepChunk
			if rem := time.Until(next); rem < chunk {
				chunk = rem
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunk):
			}
		}
		s.mu.Lock()
		manual = s.trigger
		s.trigger = false
		s.mu.Unlock()
	}
}

// executeRun performs one run with the timeout and keeps the progress file
// fresh while it executes.
func (s *Scheduler) executeRun(ctx context.Context) {
	started := s.now()
	s.mu.Lock()
	s.running = true
	s.runStarted = started
	s.step = "starting"
	s.lastErr = ""
	s.mu.Unlock()
	s.writeProgress(s.progressNow("running"))

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.writeProgress(s.progressNow("running"))
			}
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	err := s.run(rctx)
	cancel()
	close(done)

	elapsed := s.now().Sub(started)
	s.mu.Lock()
	s.running = false
	s.lastRunAt = started
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		//nolint:errcheck
		level.Error(s.logger).Log("msg", "snapshot run failed", "duration", elapsed.Round(time.Second).String(), "err", err)
		p := s.progressNow("error")
		p.Error = err.Error()
		s.writeProgress(p)
		return
	}
	if werr := s.appendRuntime(elapsed.Seconds()); werr != nil {
		//nolint:errcheck
		level.Warn(s.logger).Log("msg", "recording runtime failed", "err", werr)
	}
	p := s.progressNow("completed")
	p.Progress = 100
	p.ETASeconds = 0
	p.ETAMinutes = 0
	s.writeProgress(p)
	//nolint:errcheck
	level.Info(s.logger).Log("msg", "snapshot run finished", "duration", elapsed.Round(time.Second).String())
}

// progressNow derives percent and ETA from the average historical runtime.
// Percent saturates at 95 until the run actually completes.
func (s *Scheduler) progressNow(status string) *Progress {
	avg := s.averageRuntime()
	s.mu.Lock()
	started := s.runStarted
	step := s.step
	s.mu.Unlock()

	p := &Progress{
		Status:                  status,
		Step:                    step,
		EstimatedRuntimeSeconds: int(avg),
		EstimatedRuntimeMinutes: int(math.Round(avg / 60)),
		UpdatedAt:               s.now().UTC().Format(time.RFC3339),
	}
	if !started.IsZero() {
		p.StartedAt = started.UTC().Format(time.RFC3339)
		elapsed := s.now().Sub(started).Seconds()
		pct := int(elapsed / avg * 100)
		if pct > 95 {
			pct = 95
		}
		if pct < 0 {
			pct = 0
		}
		p.Progress = pct
		eta := avg - elapsed
		if eta < 0 {
			eta = 0
		}
		p.ETASeconds = int(eta)
		p.ETAMinutes = int(math.Round(eta / 60))
	}
	return p
}

func (s *Scheduler) writeProgress(p *Progress) {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(s.dataDir, progressFile), p); err != nil {
		//nolint:errcheck
		level.Warn(s.logger).Log("msg", "writing progress failed", "err", err)
	}
}

// LoadProgress reads the last written progress document.
func LoadProgress(dataDir string) (*Progress, error) {
	p := &Progress{}
	if err := fsutil.ReadJSON(filepath.Join(dataDir, progressFile), p); err != nil {
		return nil, err
	}
	return p, nil
}

type runtimesDoc struct {
	Runtimes []float64 `json:"runtimes"`
}

func (s *Scheduler) loadRuntimes() []float64 {
	doc := &runtimesDoc{}
	if err := fsutil.ReadJSON(filepath.Join(s.dataDir, runtimesFile), doc); err != nil {
		return nil
	}
	return doc.Runtimes
}

// appendRuntime records one successful run's duration, keeping the last
// maxRuntimes entries.
func (s *Scheduler) appendRuntime(seconds float64) error {
	rts := append(s.loadRuntimes(), seconds)
	if len(rts) > maxRuntimes {
		rts = rts[len(rts)-maxRuntimes:]
	}
	return fsutil.WriteJSONAtomic(filepath.Join(s.dataDir, runtimesFile), &runtimesDoc{Runtimes: rts})
}

// averageRuntime averages the last avgWindow runtimes, clamped to a sane
// band; with no history it assumes twenty minutes.
func (s *Scheduler) averageRuntime() float64 {
	rts := s.loadRuntimes()
	if len(rts) == 0 {
		return defaultRuntime
	}
	if len(rts) > avgWindow {
		rts = rts[len(rts)-avgWindow:]
	}
	sum := 0.0
	for _, r := range rts {
		sum += r
	}
	avg := sum / float64(len(rts))
	if avg < minRuntimeSeconds {
		avg = minRuntimeSeconds
	}
	if avg > maxRuntimeSeconds {
		avg = maxRuntimeSeconds
	}
	return avg
}
