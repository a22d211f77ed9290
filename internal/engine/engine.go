/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engine watches canary deadlines. Instead of polling, it keeps
// a single timer armed for the earliest upcoming deadline and re-arms
// after every firing or lifecycle change.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/coal-mine/coal-mine/internal/metrics"
	"github.com/coal-mine/coal-mine/internal/notify"
	"github.com/coal-mine/coal-mine/internal/store"
)

const (
	// minDelay floors the timer so a burst of already-elapsed deadlines
	// cannot spin the firing path.
	minDelay = time.Second

	fireTimeout  = 30 * time.Second
	retryBackoff = 5 * time.Second
)

// Engine marks canaries late when their deadlines pass and notifies.
type Engine struct {
	store    store.Store
	notifier notify.Notifier
	log      logr.Logger

	mu       sync.Mutex
	timer    *time.Timer
	armedFor *time.Time
	closed   bool
}

// New creates an engine. Call Rearm to start watching.
func New(s store.Store, n notify.Notifier, log logr.Logger) *Engine {
	return &Engine{store: s, notifier: n, log: log}
}

// Rearm recomputes the earliest upcoming deadline and resets the timer
// for it. Call after any change that can move a deadline: a trigger, a
// pause or unpause, a periodicity update, a create or delete.
func (e *Engine) Rearm(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rearmLocked(ctx)
}

func (e *Engine) rearmLocked(ctx context.Context) error {
	if e.closed {
		return nil
	}

	canaries, err := e.store.UpcomingDeadlines(ctx)
	if err != nil {
		return err
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if len(canaries) == 0 {
		if e.armedFor != nil {
			e.log.Info("no deadlines to watch, timer idle")
		}
		e.armedFor = nil
		metrics.SetNextDeadline(time.Time{})
		return nil
	}

	earliest := canaries[0].Deadline.UTC()
	delay := time.Until(earliest)
	if delay < minDelay {
		delay = minDelay
	}

	// The timer is always refreshed; the log line is suppressed when
	// the target deadline has not moved.
	if e.armedFor == nil || !e.armedFor.Equal(earliest) {
		e.log.Info("arming deadline timer",
			"id", canaries[0].ID,
			"name", canaries[0].Name,
			"deadline", earliest.Format(time.RFC3339),
			"delay", delay.Round(time.Millisecond).String())
	}

	e.armedFor = &earliest
	metrics.SetNextDeadline(earliest)
	e.timer = time.AfterFunc(delay, e.onFire)
	return nil
}

// Stop disarms the timer. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.armedFor = nil
}

// onFire runs on the timer goroutine. Every canary whose deadline has
// elapsed is marked late, in deadline order, then the timer is re-armed
// for the first still-future deadline.
func (e *Engine) onFire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.timer = nil
	e.armedFor = nil

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	canaries, err := e.store.UpcomingDeadlines(ctx)
	if err != nil {
		e.log.Error(err, "failed to list deadlines, retrying")
		e.timer = time.AfterFunc(retryBackoff, e.onFire)
		return
	}

	now := time.Now().UTC()
	for _, c := range canaries {
		if c.Deadline == nil || c.Deadline.After(now) {
			break
		}

		late := true
		if err := e.store.Update(ctx, c.ID, store.Patch{Late: &late}); err != nil {
			e.log.Error(err, "failed to mark canary late", "id", c.ID, "name", c.Name)
			continue
		}
		c.Late = true

		e.log.Info("canary is late", "id", c.ID, "name", c.Name,
			"deadline", c.Deadline.Format(time.RFC3339))
		metrics.RecordDeadlineFired()

		// Notification failures never stall deadline processing.
		if err := e.notifier.Notify(ctx, c, notify.KindLate); err != nil {
			e.log.Error(err, "failed to notify", "id", c.ID, "name", c.Name)
		}
	}

	if err := e.rearmLocked(ctx); err != nil {
		e.log.Error(err, "failed to re-arm after firing, retrying")
		e.timer = time.AfterFunc(retryBackoff, e.onFire)
	}
}
