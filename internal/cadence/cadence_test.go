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

package cadence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestParse_Numeric(t *testing.T) {
	c, err := Parse("3600")
	require.NoError(t, err)
	assert.True(t, c.IsNumeric())
	assert.Equal(t, 3600.0, c.Seconds())

	whence := utc(2016, 6, 30, 1, 0)
	d, err := c.NextDeadline(whence)
	require.NoError(t, err)
	assert.Equal(t, whence.Add(time.Hour), d)
}

func TestParse_NumericFractional(t *testing.T) {
	c, err := Parse("0.5")
	require.NoError(t, err)
	d, err := c.NextDeadline(utc(2016, 6, 30, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 6, 30, 1, 0).Add(500*time.Millisecond), d)
}

func TestParse_Rejections(t *testing.T) {
	cases := map[string]string{
		"zero":           "0",
		"five fields":    "* 0 * * *",
		"bad command":    "* 0 * * * x",
		"zero command":   "* 0 * * * 0",
		"negative":       "* 0 * * * -60",
		"newline":        "* 0 * * * 120\n* 1 * * * 60",
		"bad crontab":    "* 99 * * * 120",
		"empty":          "",
		"only comments":  "# nothing here",
		"blank schedule": ";;",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err, "input %q", raw)
		})
	}
}

func TestParse_SkipsBlankAndComments(t *testing.T) {
	c, err := Parse("# overnight window ; * 0 * * * 120 ; ")
	require.NoError(t, err)
	require.NotNil(t, c.Schedule())
	assert.Equal(t, 1, c.Schedule().Len())
}

// The single-entry schedule "* 0 * * * 120" is active from midnight to
// 01:00 UTC each day, expecting a trigger every two minutes.
func TestNextDeadline_InsideWindow(t *testing.T) {
	c, err := Parse("* 0 * * * 120")
	require.NoError(t, err)

	d, err := c.NextDeadline(utc(2016, 6, 30, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 6, 30, 0, 32), d)
}

func TestNextDeadline_OutsideWindow(t *testing.T) {
	c, err := Parse("* 0 * * * 120")
	require.NoError(t, err)

	// 01:00 is past the window; the next deadline is one command after
	// the next window opens at midnight on July 1.
	d, err := c.NextDeadline(utc(2016, 6, 30, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 7, 1, 0, 2), d)
}

func TestNextDeadline_OverflowIntoGap(t *testing.T) {
	c, err := Parse("* 0 * * * 120")
	require.NoError(t, err)

	// 00:59 + 120s lands past the end of the window, so the deadline
	// rolls over to the next day's window.
	d, err := c.NextDeadline(utc(2016, 6, 30, 0, 59))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 7, 1, 0, 2), d)
}

func TestNextDeadline_OverflowIntoNextWindow(t *testing.T) {
	c, err := Parse("* 0 * * * 120; * 1 * * * 600")
	require.NoError(t, err)

	// 00:59 + 120s overflows into the 01:00 window whose cadence is 600
	// seconds: the deadline is max(01:00, 00:59 + 600s) = 01:09.
	d, err := c.NextDeadline(utc(2016, 6, 30, 0, 59))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 6, 30, 1, 9), d)
}

func TestNextDeadline_AdjacentEqualCommandsMerge(t *testing.T) {
	c, err := Parse("* 0 * * * 120; * 1 * * * 120")
	require.NoError(t, err)

	// Both windows expect the same cadence, so they read as one window
	// from midnight to 02:00 and 00:59 + 120s stays in it.
	d, err := c.NextDeadline(utc(2016, 6, 30, 0, 59))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 6, 30, 1, 1), d)
}

func TestNextDeadline_OverlapRejected(t *testing.T) {
	c, err := Parse("* 0 * * * 120; 30 0 * * * 600")
	require.NoError(t, err)

	_, err = c.NextDeadline(utc(2016, 6, 30, 0, 0))
	assert.ErrorIs(t, err, ErrOverlap)

	assert.Error(t, c.Validate(utc(2016, 6, 30, 0, 0)))
}

func TestNextDeadline_EveryMinute(t *testing.T) {
	c, err := Parse("* * * * * 60")
	require.NoError(t, err)

	d, err := c.NextDeadline(utc(2016, 6, 30, 12, 34))
	require.NoError(t, err)
	assert.Equal(t, utc(2016, 6, 30, 12, 35), d)
}

func TestEntryNext_CacheDecrements(t *testing.T) {
	e, err := parseEntry("* 3 * * * 60")
	require.NoError(t, err)

	start := utc(2016, 6, 30, 1, 0)
	first := e.next(start)
	assert.Equal(t, 2*time.Hour, first)

	// A forward query inside the cached interval must not re-walk the
	// crontab, only shrink the delta.
	later := start.Add(30 * time.Minute)
	assert.Equal(t, 90*time.Minute, e.next(later))
	assert.Equal(t, later, e.cachedNow)

	// Stepping past the cached target recomputes.
	past := start.Add(3 * time.Hour)
	assert.Equal(t, 23*time.Hour, e.next(past))
}

func TestEntryNext_EveryMinuteShortCircuit(t *testing.T) {
	e, err := parseEntry("* * * * * 60")
	require.NoError(t, err)

	now := time.Date(2016, 6, 30, 1, 0, 15, 500000000, time.UTC)
	assert.Equal(t, 44*time.Second+500*time.Millisecond, e.next(now))
}

func TestRanges_UntilAllEntriesWitnessed(t *testing.T) {
	c, err := Parse("* 0 * * * 120; * 12 * * 6 600")
	require.NoError(t, err)

	// June 30 2016 is a Thursday; the Saturday noon entry is only
	// witnessed two days later, so open-ended enumeration runs at least
	// that far.
	ranges, err := c.Schedule().Ranges(utc(2016, 6, 30, 6, 0), time.Time{}, false)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)

	var sawSaturday bool
	for _, r := range ranges {
		if len(r.Seconds) == 1 && r.Seconds[0] == 600 {
			sawSaturday = true
			assert.Equal(t, utc(2016, 7, 2, 12, 0), r.Start)
		}
	}
	assert.True(t, sawSaturday)
}

func TestRanges_BoundedWithMulti(t *testing.T) {
	c, err := Parse("* 0 * * * 120; 30 0 * * * 600")
	require.NoError(t, err)

	// Overlap is an error under single-active evaluation but tolerated
	// for display enumeration.
	start := utc(2016, 6, 30, 0, 0)
	ranges, err := c.Schedule().Ranges(start, start.Add(2*time.Hour), true)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)
	assert.Equal(t, start, ranges[0].Start)

	var sawOverlap bool
	for _, r := range ranges {
		if len(r.Seconds) == 2 {
			sawOverlap = true
		}
	}
	assert.True(t, sawOverlap)
}

func TestCadence_JSON(t *testing.T) {
	numeric, err := Parse("300")
	require.NoError(t, err)
	out, err := json.Marshal(numeric)
	require.NoError(t, err)
	assert.Equal(t, "300", string(out))

	sched, err := Parse("* 0 * * * 120")
	require.NoError(t, err)
	out, err = json.Marshal(sched)
	require.NoError(t, err)
	assert.Equal(t, `"* 0 * * * 120"`, string(out))

	var back Cadence
	require.NoError(t, json.Unmarshal([]byte(`"* 0 * * * 120"`), &back))
	assert.True(t, back.Equal(sched))

	require.NoError(t, json.Unmarshal([]byte("300"), &back))
	assert.True(t, back.Equal(numeric))
}

func TestCadence_Equal(t *testing.T) {
	a, _ := Parse("60")
	b, _ := Parse("60")
	c, _ := Parse("61")
	s, _ := Parse("* 0 * * * 60")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(s))
}
