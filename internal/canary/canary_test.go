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

package canary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coal-mine/coal-mine/internal/cadence"
	"github.com/coal-mine/coal-mine/internal/notify"
	"github.com/coal-mine/coal-mine/internal/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) Notify(_ context.Context, c *store.Canary, kind notify.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c.ID+":"+string(kind))
	return nil
}

type countingRearmer struct{ count int }

func (c *countingRearmer) Rearm(context.Context) error {
	c.count++
	return nil
}

type fixture struct {
	logic    *Logic
	store    *store.MemoryStore
	notifier *recordingNotifier
	rearmer  *countingRearmer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		rearmer:  &countingRearmer{},
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.logic = New(f.store, f.notifier, f.rearmer, logr.Discard())
	f.logic.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) create(t *testing.T, name, periodicity string) *store.Canary {
	t.Helper()
	p, err := cadence.Parse(periodicity)
	require.NoError(t, err)
	c, err := f.logic.Create(context.Background(), CreateParams{Name: name, Periodicity: p})
	require.NoError(t, err)
	return c
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My Job":            "my-job",
		"my_job":            "my-job",
		"My  -  Job":        "my-job",
		"DB backup (daily)": "db-backup-daily",
		"already-fine":      "already-fine",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "input %q", in)
	}
}

func TestIsID(t *testing.T) {
	assert.True(t, IsID("abcdefgh"))
	assert.False(t, IsID("abcdefg"))
	assert.False(t, IsID("abcdefghi"))
	assert.False(t, IsID("ABCDEFGH"))
	assert.False(t, IsID("abcdefg1"))
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "Nightly Backup", "3600")

	assert.True(t, IsID(c.ID))
	assert.Equal(t, "Nightly Backup", c.Name)
	assert.Equal(t, "nightly-backup", c.Slug)
	assert.False(t, c.Paused)
	assert.False(t, c.Late)
	require.NotNil(t, c.Deadline)
	assert.True(t, c.Deadline.Equal(f.now.Add(time.Hour)))
	require.Len(t, c.History, 1)
	assert.Equal(t, "Canary created", c.History[0].Comment)
	assert.Equal(t, 1, f.rearmer.count)
}

func TestCreate_Paused(t *testing.T) {
	f := newFixture(t)
	p, err := cadence.Parse("60")
	require.NoError(t, err)
	c, err := f.logic.Create(context.Background(), CreateParams{Name: "idle", Periodicity: p, Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused)
	assert.Nil(t, c.Deadline)
}

func TestCreate_NameRequired(t *testing.T) {
	f := newFixture(t)
	p, _ := cadence.Parse("60")
	_, err := f.logic.Create(context.Background(), CreateParams{Name: "   ", Periodicity: p})
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestCreate_SlugCollision(t *testing.T) {
	f := newFixture(t)
	f.create(t, "FOO", "60")

	// A different name with the same slug is a conflict, not an id
	// retry.
	p, _ := cadence.Parse("60")
	_, err := f.logic.Create(context.Background(), CreateParams{Name: "foo", Periodicity: p})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	f.advance(30 * time.Minute)
	got, wasLate, wasPaused, err := f.logic.Trigger(context.Background(), c.ID, "ran fine")
	require.NoError(t, err)
	assert.False(t, wasLate)
	assert.False(t, wasPaused)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(f.now.Add(time.Hour)))
	require.Len(t, got.History, 2)
	assert.Equal(t, "Triggered: ran fine", got.History[0].Comment)
	assert.Empty(t, f.notifier.calls)
}

func TestTrigger_RecoversLate(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	late := true
	require.NoError(t, f.store.Update(context.Background(), c.ID, store.Patch{Late: &late}))

	got, wasLate, _, err := f.logic.Trigger(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.True(t, wasLate)
	assert.False(t, got.Late)
	assert.Equal(t, []string{c.ID + ":recovered"}, f.notifier.calls)
	assert.Equal(t, "Triggered", got.History[0].Comment)
}

func TestTrigger_Unpauses(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")
	_, err := f.logic.Pause(context.Background(), c.ID, "")
	require.NoError(t, err)

	got, _, wasPaused, err := f.logic.Trigger(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.True(t, wasPaused)
	assert.False(t, got.Paused)
	assert.NotNil(t, got.Deadline)
}

func TestTrigger_NotFound(t *testing.T) {
	f := newFixture(t)
	_, _, _, err := f.logic.Trigger(context.Background(), "missinggg", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPauseUnpauseRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	paused, err := f.logic.Pause(context.Background(), c.ID, "maintenance")
	require.NoError(t, err)
	assert.True(t, paused.Paused)
	assert.Nil(t, paused.Deadline)
	assert.Equal(t, "Paused: maintenance", paused.History[0].Comment)

	_, err = f.logic.Pause(context.Background(), c.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyPaused)

	f.advance(time.Hour)
	resumed, err := f.logic.Unpause(context.Background(), c.ID, "done")
	require.NoError(t, err)
	assert.False(t, resumed.Paused)
	require.NotNil(t, resumed.Deadline)
	assert.True(t, resumed.Deadline.Equal(f.now.Add(time.Hour)))
	assert.Equal(t, "Unpaused: done", resumed.History[0].Comment)
	require.Len(t, resumed.History, 3)

	_, err = f.logic.Unpause(context.Background(), c.ID, "")
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestPause_ClearsLate(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	late := true
	require.NoError(t, f.store.Update(context.Background(), c.ID, store.Patch{Late: &late}))

	paused, err := f.logic.Pause(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.False(t, paused.Late)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, stored.Late)
	assert.True(t, stored.Paused)

	resumed, err := f.logic.Unpause(context.Background(), c.ID, "")
	require.NoError(t, err)
	assert.False(t, resumed.Late)
	assert.NotNil(t, resumed.Deadline)
}

func TestUpdate_NoChanges(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")
	_, err := f.logic.Update(context.Background(), c.ID, UpdateParams{})
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestUpdate_ResupplyingCurrentValues(t *testing.T) {
	f := newFixture(t)
	p, err := cadence.Parse("3600")
	require.NoError(t, err)
	c, err := f.logic.Create(context.Background(), CreateParams{
		Name:        "job",
		Periodicity: p,
		Description: "nightly",
		Emails:      []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)

	name := "job"
	description := "nightly"
	emails := []string{"b@example.com", "a@example.com"}
	_, err = f.logic.Update(context.Background(), c.ID, UpdateParams{
		Name:        &name,
		Periodicity: &p,
		Description: &description,
		Emails:      &emails,
	})
	assert.ErrorIs(t, err, ErrNoChanges)

	// A genuine change among re-supplied values still goes through.
	changed := []string{"a@example.com"}
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{
		Name:   &name,
		Emails: &changed,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, got.Emails)
}

func TestUpdate_Rename(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "old name", "3600")

	name := "new name"
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "new name", got.Name)
	assert.Equal(t, "new-name", got.Slug)
}

func TestUpdate_RenameConflict(t *testing.T) {
	f := newFixture(t)
	f.create(t, "taken", "3600")
	c := f.create(t, "job", "3600")

	name := "TAKEN"
	_, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Name: &name})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestUpdate_PeriodicityRecomputesDeadline(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	// The new cadence is applied from the last history event, not from
	// the time of the update.
	f.advance(10 * time.Minute)
	p, err := cadence.Parse("7200")
	require.NoError(t, err)
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Periodicity: &p})
	require.NoError(t, err)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(c.History[0].When.Add(2*time.Hour)))
	assert.False(t, got.Late)
}

func TestUpdate_ShorterPeriodicityFlipsLate(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")

	f.advance(30 * time.Minute)
	p, err := cadence.Parse("60")
	require.NoError(t, err)
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Periodicity: &p})
	require.NoError(t, err)
	assert.True(t, got.Late)
	assert.Equal(t, []string{c.ID + ":late"}, f.notifier.calls)
}

func TestUpdate_LongerPeriodicityRecovers(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "60")

	f.advance(10 * time.Minute)
	late := true
	require.NoError(t, f.store.Update(context.Background(), c.ID, store.Patch{Late: &late}))

	p, err := cadence.Parse("86400")
	require.NoError(t, err)
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Periodicity: &p})
	require.NoError(t, err)
	assert.False(t, got.Late)
	assert.Equal(t, []string{c.ID + ":recovered"}, f.notifier.calls)
}

func TestUpdate_PausedKeepsNilDeadline(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")
	_, err := f.logic.Pause(context.Background(), c.ID, "")
	require.NoError(t, err)

	p, err := cadence.Parse("60")
	require.NoError(t, err)
	got, err := f.logic.Update(context.Background(), c.ID, UpdateParams{Periodicity: &p})
	require.NoError(t, err)
	assert.Nil(t, got.Deadline)
	assert.False(t, got.Late)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "job", "3600")
	require.NoError(t, f.logic.Delete(context.Background(), c.ID))
	assert.ErrorIs(t, f.logic.Delete(context.Background(), c.ID), store.ErrNotFound)
}

func TestResolveID(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, "My Job", "3600")

	id, err := f.logic.ResolveID(context.Background(), c.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)

	id, err = f.logic.ResolveID(context.Background(), "", "My Job", "")
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)

	id, err = f.logic.ResolveID(context.Background(), "", "", "my-job")
	require.NoError(t, err)
	assert.Equal(t, c.ID, id)

	_, err = f.logic.ResolveID(context.Background(), "", "", "")
	assert.ErrorIs(t, err, ErrOneIdentifier)

	_, err = f.logic.ResolveID(context.Background(), c.ID, "My Job", "")
	assert.ErrorIs(t, err, ErrOneIdentifier)

	_, err = f.logic.ResolveID(context.Background(), "", "unknown", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryTrim_HardCap(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	history := make([]store.Event, historyMax)
	for i := range history {
		history[i] = store.Event{When: now, Comment: "Triggered"}
	}
	out := prependEvent(history, store.Event{When: now, Comment: "Triggered"}, now)
	assert.Len(t, out, historyMax)
}

func TestHistoryTrim_AgedTail(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// 150 entries: the newest 120 are recent, the oldest 30 are stale.
	// The trim drops stale tail entries only down to the keep floor.
	var history []store.Event
	for i := 0; i < 120; i++ {
		history = append(history, store.Event{When: now.Add(-time.Hour), Comment: "Triggered"})
	}
	for i := 0; i < 30; i++ {
		history = append(history, store.Event{When: now.Add(-30 * 24 * time.Hour), Comment: "Triggered"})
	}

	out := prependEvent(history, store.Event{When: now, Comment: "Triggered"}, now)
	assert.Len(t, out, 121)
}

func TestHistoryTrim_KeepFloor(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// All entries stale, but the trim never goes below the keep floor.
	var history []store.Event
	for i := 0; i < 200; i++ {
		history = append(history, store.Event{When: now.Add(-30 * 24 * time.Hour), Comment: "Triggered"})
	}
	out := prependEvent(history, store.Event{When: now, Comment: "Triggered"}, now)
	assert.Len(t, out, historyKeep)
}

func TestUpcomingSchedule(t *testing.T) {
	f := newFixture(t)

	numeric := f.create(t, "numeric", "3600")
	assert.Nil(t, f.logic.UpcomingSchedule(numeric))

	sched := f.create(t, "windowed", "* 0 * * * 120")
	ranges := f.logic.UpcomingSchedule(sched)
	assert.NotEmpty(t, ranges)
}
