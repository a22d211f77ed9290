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
	"errors"
	"fmt"
	"strings"
	"time"
)

// likeForever stands in for "the schedule never changes": every field of
// every entry is a wildcard, so there are no activity boundaries to find.
const likeForever = 31 * 24 * time.Hour

// maxLookahead caps window enumeration. A valid schedule witnesses every
// entry within a calendar year.
const maxLookahead = 366 * 24 * time.Hour

// ErrOverlap is returned when more than one entry is active during the
// same minute and the caller required a single-active schedule.
var ErrOverlap = errors.New("overlapping schedule entries are not allowed")

// Schedule is a multi-entry cadence in crontab-derived syntax. Each
// entry describes a continuous activity window rather than instant
// events: a minute belongs to an entry when the entry's five crontab
// fields match it, and adjacent active minutes coalesce into windows.
//
// All calendar arithmetic is done in UTC. Schedules are not
// goroutine-safe; callers serialize access.
type Schedule struct {
	raw     string
	entries []*entry
	gap     time.Duration
}

// ParseSchedule parses delimiter-separated schedule entries. Blank
// entries and entries starting with '#' are skipped.
func ParseSchedule(raw, delimiter string) (*Schedule, error) {
	s := &Schedule{raw: raw}
	for _, line := range strings.Split(raw, delimiter) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		s.entries = append(s.entries, e)
		if g := e.changeGap(); s.gap == 0 || g < s.gap {
			s.gap = g
		}
	}
	if len(s.entries) == 0 {
		return nil, errors.New("schedule has no entries")
	}
	return s, nil
}

// Len returns the number of entries.
func (s *Schedule) Len() int { return len(s.entries) }

// String returns the schedule as written.
func (s *Schedule) String() string { return s.raw }

// activeDuring returns the indexes of the entries active during the
// minute [m, m+1m). With single set, at most one entry may be active.
func (s *Schedule) activeDuring(m time.Time, single bool) ([]int, error) {
	var matches []int
	for i, e := range s.entries {
		if e.matchesMinute(m) {
			matches = append(matches, i)
		}
	}
	if single && len(matches) > 1 {
		return nil, fmt.Errorf("%w: multiple matches at %s", ErrOverlap, m.Format(time.RFC3339))
	}
	return matches, nil
}

// roundUp advances a minute-aligned instant to the next possible
// activity boundary.
func (s *Schedule) roundUp(t time.Time) time.Time {
	switch s.gap {
	case time.Minute:
		return t
	case time.Hour:
		return t.Add(time.Duration(60-t.Minute()) * time.Minute)
	case likeForever:
		return t.Add(likeForever)
	default: // one day
		return t.Add(time.Duration(24-t.Hour())*time.Hour - time.Duration(t.Minute())*time.Minute)
	}
}

// window is a maximal run of minutes with a constant set of active
// entries. entryIdx is -1 when no entry is active.
type window struct {
	start, end time.Time
	entryIdx   int
}

func (w window) active() bool { return w.entryIdx >= 0 }

// windowIter lazily enumerates single-active windows from a starting
// instant, advancing by the schedule's change gap rather than one
// minute at a time.
type windowIter struct {
	s         *Schedule
	curStart  time.Time
	curIdx    int
	nextStart time.Time
	limit     time.Time
}

func (s *Schedule) windows(start time.Time) (*windowIter, error) {
	start = start.UTC().Truncate(time.Minute)
	matches, err := s.activeDuring(start, true)
	if err != nil {
		return nil, err
	}
	idx := -1
	if len(matches) > 0 {
		idx = matches[0]
	}
	return &windowIter{
		s:         s,
		curStart:  start,
		curIdx:    idx,
		nextStart: s.roundUp(start),
		limit:     start.Add(maxLookahead),
	}, nil
}

// next yields the next window. Two adjacent runs with distinct entries
// but equal commands are merged, matching how operators read the
// schedule: the window's meaning is its command.
func (it *windowIter) next() (window, error) {
	for {
		if it.nextStart.After(it.limit) {
			return window{}, fmt.Errorf("no schedule activity change within %s of %s",
				maxLookahead, it.curStart.Format(time.RFC3339))
		}
		matches, err := it.s.activeDuring(it.nextStart, true)
		if err != nil {
			return window{}, err
		}
		idx := -1
		if len(matches) > 0 {
			idx = matches[0]
		}
		if it.keyChanged(idx) || it.s.gap == likeForever {
			w := window{start: it.curStart, end: it.nextStart, entryIdx: it.curIdx}
			it.curStart = it.nextStart
			it.curIdx = idx
			it.nextStart = it.nextStart.Add(it.s.gap)
			return w, nil
		}
		it.nextStart = it.nextStart.Add(it.s.gap)
	}
}

func (it *windowIter) keyChanged(idx int) bool {
	if (idx < 0) != (it.curIdx < 0) {
		return true
	}
	if idx < 0 {
		return false
	}
	return it.s.entries[idx].seconds != it.s.entries[it.curIdx].seconds
}

// NextDeadline computes the next deadline after a trigger at whence.
//
// Let cur be the window containing whence. The four cases:
//
//	C1: cur active, whence+cmd within cur       -> whence + cmd
//	C2: cur inactive                            -> nextActive.start + its cmd
//	C3: cur active, overflow into a gap         -> windowAfterGap.start + its cmd
//	C4: cur active, overflow into active window -> max(next.start, whence + next.cmd)
//
// C4 keeps the tighter of "one cadence tick after the ping" and "start
// of the new regime" so no window is ever skipped.
func (s *Schedule) NextDeadline(whence time.Time) (time.Time, error) {
	whence = whence.UTC()
	it, err := s.windows(whence)
	if err != nil {
		return time.Time{}, err
	}
	cur, err := it.next()
	if err != nil {
		return time.Time{}, err
	}

	if cur.active() {
		d := s.addCommand(whence, cur.entryIdx)
		if !d.After(cur.end) {
			return d, nil // C1
		}
		nxt, err := it.next()
		if err != nil {
			return time.Time{}, err
		}
		if nxt.active() {
			// C4
			d := s.addCommand(whence, nxt.entryIdx)
			if d.Before(nxt.start) {
				d = nxt.start
			}
			return d, nil
		}
		// C3: fall through and keep looking past the gap.
	}

	// C2/C3: the deadline is one command after the start of the next
	// active window.
	for {
		nxt, err := it.next()
		if err != nil {
			return time.Time{}, err
		}
		if nxt.active() {
			return s.addCommand(nxt.start, nxt.entryIdx), nil
		}
	}
}

func (s *Schedule) addCommand(t time.Time, idx int) time.Time {
	return t.Add(time.Duration(s.entries[idx].seconds * float64(time.Second)))
}

// Range is one element of an enumerated schedule, for operator display.
// Seconds lists the commands of the active entries; empty means no
// entry is active over the range.
type Range struct {
	Start   time.Time
	End     time.Time
	Seconds []float64
}

// Ranges enumerates activity windows starting at start. With a zero
// end, enumeration stops once every entry has been witnessed at least
// once (capped at one year); otherwise it stops at end. With multi
// set, overlapping entries are tolerated and reported together;
// otherwise overlap is an error.
func (s *Schedule) Ranges(start, end time.Time, multi bool) ([]Range, error) {
	start = start.UTC().Truncate(time.Minute)
	if !end.IsZero() {
		end = end.UTC().Truncate(time.Minute)
	}
	limit := start.Add(maxLookahead)

	cur, err := s.activeDuring(start, !multi)
	if err != nil {
		return nil, err
	}

	// Open-ended enumeration stops once every entry has appeared in an
	// emitted range, so windows are marked used when they close.
	used := make(map[int]bool)
	var ranges []Range
	curStart := start
	nextStart := s.roundUp(start)
	for {
		if end.IsZero() {
			if nextStart.After(limit) {
				break
			}
		} else if !nextStart.Before(end) {
			break
		}
		matches, err := s.activeDuring(nextStart, !multi)
		if err != nil {
			return nil, err
		}
		if s.rangeKey(matches) != s.rangeKey(cur) || s.gap == likeForever {
			ranges = append(ranges, Range{Start: curStart, End: nextStart, Seconds: s.commands(cur)})
			for _, i := range cur {
				used[i] = true
			}
			if end.IsZero() && len(used) == len(s.entries) {
				return ranges, nil
			}
			curStart = nextStart
			cur = matches
		}
		nextStart = nextStart.Add(s.gap)
	}
	if !end.IsZero() && curStart.Before(end) {
		ranges = append(ranges, Range{Start: curStart, End: end, Seconds: s.commands(cur)})
	}
	return ranges, nil
}

func (s *Schedule) rangeKey(idxs []int) string {
	if len(idxs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, i := range idxs {
		fmt.Fprintf(&b, "%g,", s.entries[i].seconds)
	}
	return b.String()
}

func (s *Schedule) commands(idxs []int) []float64 {
	if len(idxs) == 0 {
		return nil
	}
	cmds := make([]float64, len(idxs))
	for i, idx := range idxs {
		cmds[i] = s.entries[idx].seconds
	}
	return cmds
}
