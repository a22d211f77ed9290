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

package store

import (
	"context"
	"errors"
	"time"

	"github.com/coal-mine/coal-mine/internal/cadence"
)

var (
	// ErrNotFound is returned when no canary matches the given id or slug.
	ErrNotFound = errors.New("no such canary")

	// ErrDuplicate is returned when an insert collides on id or slug.
	ErrDuplicate = errors.New("canary already exists")
)

// Event is one history entry: when something happened and what.
type Event struct {
	When    time.Time `json:"when"`
	Comment string    `json:"comment"`
}

// Canary is the persistent record of a monitored periodic task.
//
// Invariants maintained by the lifecycle layer: Paused iff Deadline is
// nil; Slug is derived from Name and unique; History is most-recent
// first and non-empty.
type Canary struct {
	ID          string
	Name        string
	Slug        string
	Description string
	Periodicity cadence.Cadence
	Emails      []string
	Paused      bool
	Late        bool
	Deadline    *time.Time
	History     []Event
}

// Copy returns a detached deep copy.
func (c *Canary) Copy() *Canary {
	out := *c
	if c.Deadline != nil {
		d := *c.Deadline
		out.Deadline = &d
	}
	out.Emails = append([]string(nil), c.Emails...)
	out.History = append([]Event(nil), c.History...)
	return &out
}

// TimePatch is a three-state update for an optional timestamp field:
// leave it alone (zero value), set it, or clear it.
type TimePatch struct {
	set   bool
	clear bool
	t     time.Time
}

// SetTime returns a patch that sets the field to t.
func SetTime(t time.Time) TimePatch { return TimePatch{set: true, t: t} }

// ClearTime returns a patch that deletes the field.
func ClearTime() TimePatch { return TimePatch{clear: true} }

// IsSet reports whether the patch carries a new value.
func (p TimePatch) IsSet() bool { return p.set }

// IsClear reports whether the patch deletes the field.
func (p TimePatch) IsClear() bool { return p.clear }

// Time returns the value carried by a set patch.
func (p TimePatch) Time() time.Time { return p.t }

// Apply resolves the patch against a current value.
func (p TimePatch) Apply(cur *time.Time) *time.Time {
	switch {
	case p.set:
		t := p.t
		return &t
	case p.clear:
		return nil
	default:
		return cur
	}
}

// Patch is a partial update to a canary. Nil pointer fields are left
// untouched; Deadline uses TimePatch so "clear this field" is distinct
// from "leave it".
type Patch struct {
	Name        *string
	Slug        *string
	Description *string
	Periodicity *cadence.Cadence
	Emails      *[]string
	Paused      *bool
	Late        *bool
	Deadline    TimePatch
	History     *[]Event
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Slug == nil && p.Description == nil &&
		p.Periodicity == nil && p.Emails == nil && p.Paused == nil &&
		p.Late == nil && !p.Deadline.IsSet() && !p.Deadline.IsClear() &&
		p.History == nil
}

// ListFilter narrows List results. Nil booleans mean "either". Search
// is a regular expression matched against name, slug, id, and emails.
// With Verbose unset only ID and Name are populated on the results.
type ListFilter struct {
	Verbose bool
	Paused  *bool
	Late    *bool
	Search  string
}

// Store defines the storage contract for canaries. All returned
// aggregates are detached copies the caller may mutate freely.
type Store interface {
	// Init initializes the store (creates tables, connections, etc.)
	Init() error

	// Close closes the store and releases resources
	Close() error

	// Create inserts a canary, rejecting id or slug collisions with
	// ErrDuplicate.
	Create(ctx context.Context, c *Canary) error

	// Update atomically applies a partial update.
	Update(ctx context.Context, id string, p Patch) error

	// Get returns the full record.
	Get(ctx context.Context, id string) (*Canary, error)

	// List returns canaries matching all supplied predicates.
	List(ctx context.Context, f ListFilter) ([]*Canary, error)

	// UpcomingDeadlines returns canaries with paused=false and
	// late=false, ordered by deadline ascending.
	UpcomingDeadlines(ctx context.Context) ([]*Canary, error)

	// Delete removes a canary.
	Delete(ctx context.Context, id string) error

	// FindIdentifier returns the id for the unique matching slug.
	FindIdentifier(ctx context.Context, slug string) (string, error)

	// Health checks if the store is reachable
	Health(ctx context.Context) error
}
