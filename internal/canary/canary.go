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

// Package canary orchestrates the canary lifecycle: create, trigger,
// pause, unpause, update, delete. It owns id and slug generation,
// history bookkeeping, and the late/recovered transitions that follow
// from lifecycle changes.
package canary

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/coal-mine/coal-mine/internal/cadence"
	"github.com/coal-mine/coal-mine/internal/metrics"
	"github.com/coal-mine/coal-mine/internal/notify"
	"github.com/coal-mine/coal-mine/internal/store"
)

const (
	idLength  = 8
	idLetters = "abcdefghijklmnopqrstuvwxyz"

	// History is trimmed from the tail while it is longer than
	// historyMax, or longer than historyKeep with the tail entry older
	// than historyAge.
	historyMax  = 1000
	historyKeep = 100
	historyAge  = 7 * 24 * time.Hour

	createAttempts = 16
)

var (
	// ErrAlreadyPaused is returned when pausing a paused canary.
	ErrAlreadyPaused = errors.New("canary is already paused")

	// ErrNotPaused is returned when unpausing a running canary.
	ErrNotPaused = errors.New("canary is not paused")

	// ErrNoChanges is returned when an update specifies nothing to change.
	ErrNoChanges = errors.New("no changes specified")

	// ErrNameConflict is returned when a name slugifies to a slug already
	// taken by another canary.
	ErrNameConflict = errors.New("name conflicts with existing canary")

	// ErrNameRequired is returned when a create or rename lacks a name.
	ErrNameRequired = errors.New("name is required")

	// ErrOneIdentifier is returned when a lookup does not supply exactly
	// one of id, name, or slug.
	ErrOneIdentifier = errors.New("exactly one of id, name, or slug is required")
)

var (
	slugCollapse = regexp.MustCompile(`[-\s_]+`)
	slugStrip    = regexp.MustCompile(`[^a-z0-9-]`)
)

// Slugify derives the lookup slug for a canary name: lowercased, runs
// of hyphens, whitespace, and underscores collapsed to one hyphen,
// everything else outside [a-z0-9-] dropped.
func Slugify(name string) string {
	s := strings.ToLower(name)
	s = slugCollapse.ReplaceAllString(s, "-")
	return slugStrip.ReplaceAllString(s, "")
}

// Rearmer is notified after every change that can move a deadline.
// In production this is the deadline engine.
type Rearmer interface {
	Rearm(ctx context.Context) error
}

// Logic implements the canary lifecycle on top of a store.
type Logic struct {
	store    store.Store
	notifier notify.Notifier
	rearmer  Rearmer
	log      logr.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the lifecycle layer.
func New(s store.Store, n notify.Notifier, r Rearmer, log logr.Logger) *Logic {
	return &Logic{
		store:    s,
		notifier: n,
		rearmer:  r,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

// lock serializes read-modify-write sequences per canary id.
func (l *Logic) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Logic) dropLock(id string) {
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name        string
	Periodicity cadence.Cadence
	Description string
	Emails      []string
	Paused      bool
}

// Create registers a new canary. A paused canary starts with no
// deadline; otherwise the first deadline is one cadence from now.
func (l *Logic) Create(ctx context.Context, p CreateParams) (*store.Canary, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, ErrNameRequired
	}
	slug := Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("%w: %q has no usable characters", ErrNameRequired, p.Name)
	}

	now := l.now()
	if err := p.Periodicity.Validate(now); err != nil {
		return nil, err
	}

	c := &store.Canary{
		Name:        name,
		Slug:        slug,
		Description: p.Description,
		Periodicity: p.Periodicity,
		Emails:      append([]string(nil), p.Emails...),
		Paused:      p.Paused,
		History:     []store.Event{{When: now, Comment: "Canary created"}},
	}
	if !p.Paused {
		deadline, err := p.Periodicity.NextDeadline(now)
		if err != nil {
			return nil, err
		}
		c.Deadline = &deadline
	}

	// Ids are sampled until one is free. A duplicate error with the slug
	// already present means the collision was the name, not the id.
	for attempt := 0; ; attempt++ {
		c.ID = randomID()
		err := l.store.Create(ctx, c)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		if _, slugErr := l.store.FindIdentifier(ctx, slug); slugErr == nil {
			return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
		}
		if attempt+1 >= createAttempts {
			return nil, fmt.Errorf("could not allocate a canary id: %w", err)
		}
	}

	l.log.Info("canary created", "id", c.ID, "name", c.Name, "paused", c.Paused,
		"periodicity", c.Periodicity.String())
	l.rearm(ctx)
	return c.Copy(), nil
}

// Trigger records a ping for the canary. It returns the updated record
// plus whether the canary was late or paused when the ping arrived.
// A trigger always unpauses and always clears lateness.
func (l *Logic) Trigger(ctx context.Context, id, comment string) (*store.Canary, bool, bool, error) {
	defer l.lock(id)()

	c, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, false, false, err
	}

	now := l.now()
	deadline, err := c.Periodicity.NextDeadline(now)
	if err != nil {
		return nil, false, false, err
	}

	wasLate := c.Late
	wasPaused := c.Paused

	history := prependEvent(c.History, store.Event{When: now, Comment: withComment("Triggered", comment)}, now)

	unLate := false
	unPaused := false
	patch := store.Patch{
		Late:     &unLate,
		Paused:   &unPaused,
		Deadline: store.SetTime(deadline),
		History:  &history,
	}
	if err := l.store.Update(ctx, id, patch); err != nil {
		return nil, false, false, err
	}

	c.Late = false
	c.Paused = false
	c.Deadline = &deadline
	c.History = history

	metrics.RecordTrigger(wasLate)
	if wasLate {
		l.log.Info("canary recovered", "id", c.ID, "name", c.Name)
		if err := l.notifier.Notify(ctx, c, notify.KindRecovered); err != nil {
			l.log.Error(err, "failed to notify", "id", c.ID)
		}
	}

	l.rearm(ctx)
	return c, wasLate, wasPaused, nil
}

// Pause suspends deadline monitoring. The deadline is cleared; the late
// flag is left as it stands.
func (l *Logic) Pause(ctx context.Context, id, comment string) (*store.Canary, error) {
	defer l.lock(id)()

	c, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Paused {
		return nil, ErrAlreadyPaused
	}

	now := l.now()
	history := prependEvent(c.History, store.Event{When: now, Comment: withComment("Paused", comment)}, now)

	paused := true
	patch := store.Patch{
		Paused:   &paused,
		Deadline: store.ClearTime(),
		History:  &history,
	}
	// A paused canary has no deadline to be late for.
	if c.Late {
		late := false
		patch.Late = &late
	}
	if err := l.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}

	c.Paused = true
	c.Late = false
	c.Deadline = nil
	c.History = history

	l.log.Info("canary paused", "id", c.ID, "name", c.Name)
	l.rearm(ctx)
	return c, nil
}

// Unpause resumes monitoring with a fresh deadline one cadence from now.
func (l *Logic) Unpause(ctx context.Context, id, comment string) (*store.Canary, error) {
	defer l.lock(id)()

	c, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Paused {
		return nil, ErrNotPaused
	}

	now := l.now()
	deadline, err := c.Periodicity.NextDeadline(now)
	if err != nil {
		return nil, err
	}
	history := prependEvent(c.History, store.Event{When: now, Comment: withComment("Unpaused", comment)}, now)

	paused := false
	patch := store.Patch{
		Paused:   &paused,
		Deadline: store.SetTime(deadline),
		History:  &history,
	}
	if err := l.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}

	c.Paused = false
	c.Deadline = &deadline
	c.History = history

	l.log.Info("canary unpaused", "id", c.ID, "name", c.Name)
	l.rearm(ctx)
	return c, nil
}

// UpdateParams are the optional fields an update may change. Nil means
// leave alone. A non-nil Emails pointing at an empty slice clears the
// recipient list.
type UpdateParams struct {
	Name        *string
	Periodicity *cadence.Cadence
	Description *string
	Emails      *[]string
}

// Update modifies canary attributes. A periodicity change recomputes
// the deadline from the most recent history entry, which may flip the
// late flag in either direction; both flips notify.
func (l *Logic) Update(ctx context.Context, id string, p UpdateParams) (*store.Canary, error) {
	if p.Name == nil && p.Periodicity == nil && p.Description == nil && p.Emails == nil {
		return nil, ErrNoChanges
	}

	defer l.lock(id)()

	c, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := l.now()
	var patch store.Patch

	// Only fields that differ from the current record make the patch, so
	// re-supplying current values falls through to ErrNoChanges.
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return nil, ErrNameRequired
		}
		slug := Slugify(name)
		if slug == "" {
			return nil, fmt.Errorf("%w: %q has no usable characters", ErrNameRequired, name)
		}
		if slug != c.Slug {
			if otherID, err := l.store.FindIdentifier(ctx, slug); err == nil && otherID != id {
				return nil, fmt.Errorf("%w: %s", ErrNameConflict, name)
			}
		}
		if name != c.Name {
			patch.Name = &name
			patch.Slug = &slug
			c.Name = name
			c.Slug = slug
		}
	}
	if p.Description != nil && *p.Description != c.Description {
		patch.Description = p.Description
		c.Description = *p.Description
	}
	if p.Emails != nil && !sameEmailSet(*p.Emails, c.Emails) {
		emails := append([]string(nil), (*p.Emails)...)
		patch.Emails = &emails
		c.Emails = emails
	}

	var becameLate, recovered bool
	if p.Periodicity != nil && !p.Periodicity.Equal(c.Periodicity) {
		if err := p.Periodicity.Validate(now); err != nil {
			return nil, err
		}
		patch.Periodicity = p.Periodicity
		c.Periodicity = *p.Periodicity

		if !c.Paused {
			// The new cadence is applied as if it had been in force at
			// the last recorded event.
			deadline, err := p.Periodicity.NextDeadline(c.History[0].When)
			if err != nil {
				return nil, err
			}
			patch.Deadline = store.SetTime(deadline)
			c.Deadline = &deadline

			switch {
			case c.Late && deadline.After(now):
				recovered = true
				late := false
				patch.Late = &late
				c.Late = false
			case !c.Late && !deadline.After(now):
				becameLate = true
				late := true
				patch.Late = &late
				c.Late = true
			}
		}
	}

	if patch.IsEmpty() {
		return nil, ErrNoChanges
	}
	if err := l.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}

	if recovered {
		l.log.Info("canary recovered after periodicity change", "id", c.ID, "name", c.Name)
		if err := l.notifier.Notify(ctx, c, notify.KindRecovered); err != nil {
			l.log.Error(err, "failed to notify", "id", c.ID)
		}
	}
	if becameLate {
		l.log.Info("canary late after periodicity change", "id", c.ID, "name", c.Name)
		metrics.RecordDeadlineFired()
		if err := l.notifier.Notify(ctx, c, notify.KindLate); err != nil {
			l.log.Error(err, "failed to notify", "id", c.ID)
		}
	}

	l.rearm(ctx)
	return c, nil
}

// Delete removes a canary permanently.
func (l *Logic) Delete(ctx context.Context, id string) error {
	defer l.lock(id)()

	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}
	l.dropLock(id)
	l.log.Info("canary deleted", "id", id)
	l.rearm(ctx)
	return nil
}

// Get returns a canary by id.
func (l *Logic) Get(ctx context.Context, id string) (*store.Canary, error) {
	return l.store.Get(ctx, id)
}

// List returns canaries matching the filter.
func (l *Logic) List(ctx context.Context, f store.ListFilter) ([]*store.Canary, error) {
	return l.store.List(ctx, f)
}

// ResolveID maps an identifier to a canary id. Exactly one of id, name,
// or slug must be supplied; a name is resolved through its slug.
func (l *Logic) ResolveID(ctx context.Context, id, name, slug string) (string, error) {
	supplied := 0
	for _, s := range []string{id, name, slug} {
		if s != "" {
			supplied++
		}
	}
	if supplied != 1 {
		return "", ErrOneIdentifier
	}
	switch {
	case id != "":
		return id, nil
	case slug != "":
		return l.store.FindIdentifier(ctx, slug)
	default:
		return l.store.FindIdentifier(ctx, Slugify(name))
	}
}

func (l *Logic) rearm(ctx context.Context) {
	if l.rearmer == nil {
		return
	}
	if err := l.rearmer.Rearm(ctx); err != nil {
		l.log.Error(err, "failed to re-arm deadline engine")
	}
}

func randomID() string {
	b := make([]byte, idLength)
	for i := range b {
		b[i] = idLetters[rand.Intn(len(idLetters))]
	}
	return string(b)
}

// IsID reports whether s has the shape of a canary id: exactly eight
// lowercase letters.
func IsID(s string) bool {
	if len(s) != idLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

// sameEmailSet compares recipient lists as sets: order is not a change.
func sameEmailSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func withComment(action, comment string) string {
	if comment == "" {
		return action
	}
	return action + ": " + comment
}

func prependEvent(history []store.Event, e store.Event, now time.Time) []store.Event {
	out := make([]store.Event, 0, len(history)+1)
	out = append(out, e)
	out = append(out, history...)
	cutoff := now.Add(-historyAge)
	for len(out) > historyMax || (len(out) > historyKeep && out[len(out)-1].When.Before(cutoff)) {
		out = out[:len(out)-1]
	}
	return out
}
