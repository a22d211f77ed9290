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

package api

import (
	"encoding/json"
	"net/http"

	"github.com/coal-mine/coal-mine/internal/cadence"
	"github.com/coal-mine/coal-mine/internal/store"
)

// timeLayout is the wire timestamp format: ISO 8601, naive UTC,
// microsecond precision.
const timeLayout = "2006-01-02T15:04:05.999999"

// canaryPayload is the wire form of a canary. History entries are
// [when, comment] pairs; deadline is omitted while paused.
type canaryPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description"`
	Periodicity cadence.Cadence `json:"periodicity"`
	Emails      []string        `json:"emails"`
	Late        bool            `json:"late"`
	Paused      bool            `json:"paused"`
	Deadline    *string         `json:"deadline,omitempty"`
	History     [][2]string     `json:"history"`

	PeriodicitySchedule []schedulePayload `json:"periodicity_schedule,omitempty"`
}

// schedulePayload is one upcoming activity window: [start, end,
// periodicity]. Periodicity is null over inactive gaps, a number for a
// single active entry, a list when entries overlap.
type schedulePayload struct {
	Start       string
	End         string
	Periodicity []float64
}

// MarshalJSON renders the window as a three-element array.
func (s schedulePayload) MarshalJSON() ([]byte, error) {
	var periodicity any
	switch len(s.Periodicity) {
	case 0:
	case 1:
		periodicity = s.Periodicity[0]
	default:
		periodicity = s.Periodicity
	}
	return json.Marshal([3]any{s.Start, s.End, periodicity})
}

func toPayload(c *store.Canary, schedule []cadence.Range) *canaryPayload {
	p := &canaryPayload{
		ID:          c.ID,
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		Periodicity: c.Periodicity,
		Emails:      c.Emails,
		Late:        c.Late,
		Paused:      c.Paused,
		History:     make([][2]string, 0, len(c.History)),
	}
	if p.Emails == nil {
		p.Emails = []string{}
	}
	if c.Deadline != nil {
		d := c.Deadline.UTC().Format(timeLayout)
		p.Deadline = &d
	}
	for _, e := range c.History {
		p.History = append(p.History, [2]string{e.When.UTC().Format(timeLayout), e.Comment})
	}
	for _, r := range schedule {
		p.PeriodicitySchedule = append(p.PeriodicitySchedule, schedulePayload{
			Start:       r.Start.UTC().Format(timeLayout),
			End:         r.End.UTC().Format(timeLayout),
			Periodicity: r.Seconds,
		})
	}
	return p
}

// listItemPayload is the terse list form: id and name only.
type listItemPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeOK writes the success envelope with extra top-level fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"status": "ok"}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeError writes the error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": message})
}
