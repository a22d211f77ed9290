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

// Package cadence implements the cadence language that drives canary
// deadlines: a cadence is either a positive number of seconds or a
// multi-entry schedule in crontab-derived syntax describing continuous
// activity windows. All times are naive UTC.
package cadence

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Delimiter separates entries in the single-line schedule form used by
// the HTTP API and CLI.
const Delimiter = ";"

var numericRe = regexp.MustCompile(`^[0-9.]+$`)

// Cadence is a parsed periodicity: numeric seconds or a schedule.
// The zero value is not a valid cadence.
type Cadence struct {
	raw     string
	seconds float64
	sched   *Schedule
}

// Parse parses a cadence from its single-line wire form. A value made
// only of digits and dots is numeric; anything else is parsed as a
// semicolon-delimited schedule. Newlines are rejected.
func Parse(raw string) (Cadence, error) {
	if strings.Contains(raw, "\n") {
		return Cadence{}, fmt.Errorf("malformed periodicity: no newlines allowed")
	}
	if numericRe.MatchString(raw) {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds <= 0 {
			return Cadence{}, fmt.Errorf("numeric periodicity %q must be a positive number", raw)
		}
		return Cadence{raw: raw, seconds: seconds}, nil
	}
	sched, err := ParseSchedule(raw, Delimiter)
	if err != nil {
		return Cadence{}, fmt.Errorf("malformed periodicity: %w", err)
	}
	return Cadence{raw: raw, sched: sched}, nil
}

// FromSeconds builds a numeric cadence.
func FromSeconds(seconds float64) (Cadence, error) {
	if seconds <= 0 {
		return Cadence{}, fmt.Errorf("numeric periodicity must be positive")
	}
	return Cadence{raw: strconv.FormatFloat(seconds, 'f', -1, 64), seconds: seconds}, nil
}

// IsZero reports whether the cadence is unset.
func (c Cadence) IsZero() bool { return c.raw == "" }

// IsNumeric reports whether the cadence is a plain seconds value.
func (c Cadence) IsNumeric() bool { return c.sched == nil && !c.IsZero() }

// Seconds returns the numeric value; zero for schedule cadences.
func (c Cadence) Seconds() float64 { return c.seconds }

// Schedule returns the parsed schedule; nil for numeric cadences.
func (c Cadence) Schedule() *Schedule { return c.sched }

// String returns the cadence as written.
func (c Cadence) String() string { return c.raw }

// Equal reports whether two cadences are the same periodicity.
func (c Cadence) Equal(o Cadence) bool {
	if c.IsNumeric() != o.IsNumeric() {
		return false
	}
	if c.IsNumeric() {
		return c.seconds == o.seconds
	}
	return c.raw == o.raw
}

// Validate evaluates the cadence once from now, surfacing errors that
// only show up under evaluation, such as overlapping schedule entries.
func (c Cadence) Validate(now time.Time) error {
	_, err := c.NextDeadline(now)
	return err
}

// NextDeadline answers "given a trigger at whence, when is the next
// deadline?".
func (c Cadence) NextDeadline(whence time.Time) (time.Time, error) {
	if c.IsZero() {
		return time.Time{}, fmt.Errorf("empty periodicity")
	}
	if c.sched == nil {
		return whence.Add(time.Duration(c.seconds * float64(time.Second))), nil
	}
	d, err := c.sched.NextDeadline(whence)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed periodicity: %w", err)
	}
	return d, nil
}

// MarshalJSON renders numeric cadences as JSON numbers and schedules as
// strings, matching the wire format operators write.
func (c Cadence) MarshalJSON() ([]byte, error) {
	if c.IsNumeric() {
		return json.Marshal(c.seconds)
	}
	return json.Marshal(c.raw)
}

// UnmarshalJSON accepts either form.
func (c *Cadence) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		parsed, err := FromSeconds(seconds)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
