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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// entry is a single schedule line: five crontab fields plus a command,
// where the command is the expected trigger cadence in seconds while
// the entry is active.
type entry struct {
	spec    cron.Schedule
	fields  [5]string
	seconds float64

	// Degenerate case where walking the crontab is much too slow.
	everyMinute bool

	// Cache for next(): the last queried instant and the delta to the
	// next matching minute at that instant. Forward queries that land
	// inside the cached interval decrement the delta instead of
	// re-walking the crontab.
	cachedNow   time.Time
	cachedDelta time.Duration
}

func parseEntry(line string) (*entry, error) {
	parts := strings.Fields(line)
	if len(parts) < 6 {
		return nil, fmt.Errorf("%q does not have six fields", line)
	}

	spec := strings.Join(parts[:5], " ")
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("bad crontab fields %q: %w", spec, err)
	}

	cmd := strings.Join(parts[5:], " ")
	seconds, err := strconv.ParseFloat(cmd, 64)
	if err != nil || seconds <= 0 {
		return nil, fmt.Errorf("command %q must be a positive number of seconds", cmd)
	}

	e := &entry{
		spec:        sched,
		seconds:     seconds,
		everyMinute: spec == "* * * * *",
	}
	copy(e.fields[:], parts[:5])
	return e, nil
}

// next returns the time until the start of the next minute matching the
// entry, strictly after now. Not goroutine-safe: callers serialize.
func (e *entry) next(now time.Time) time.Duration {
	if e.everyMinute {
		return time.Duration(60-now.Second())*time.Second - time.Duration(now.Nanosecond())
	}
	if !e.cachedNow.IsZero() && now.After(e.cachedNow) && now.Before(e.cachedNow.Add(e.cachedDelta)) {
		e.cachedDelta -= now.Sub(e.cachedNow)
	} else {
		e.cachedDelta = e.spec.Next(now).Sub(now)
	}
	e.cachedNow = now
	return e.cachedDelta
}

// matchesMinute reports whether the entry is active during the minute
// [m, m+1m). m must be minute-aligned.
func (e *entry) matchesMinute(m time.Time) bool {
	return e.next(m.Add(-time.Minute)) == time.Minute
}

// changeGap is the smallest interval at which the entry's activity can
// change, implied by the coarsest non-wildcard field.
func (e *entry) changeGap() time.Duration {
	switch {
	case e.fields[0] != "*":
		return time.Minute
	case e.fields[1] != "*":
		return time.Hour
	case e.fields[2] == "*" && e.fields[3] == "*" && e.fields[4] == "*":
		return likeForever
	default:
		return 24 * time.Hour
	}
}
