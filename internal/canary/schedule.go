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
	"time"

	"github.com/coal-mine/coal-mine/internal/cadence"
	"github.com/coal-mine/coal-mine/internal/store"
)

// UpcomingSchedule enumerates the activity windows ahead of a
// schedule-cadence canary, for operator display in single-canary
// responses. It covers at least the next seven days, extended until
// every schedule entry has appeared at least once. Numeric cadences
// have no windows and yield nil.
func (l *Logic) UpcomingSchedule(c *store.Canary) []cadence.Range {
	sched := c.Periodicity.Schedule()
	if sched == nil {
		return nil
	}

	now := l.now()
	week, weekErr := sched.Ranges(now, now.Add(7*24*time.Hour), true)
	all, allErr := sched.Ranges(now, time.Time{}, true)
	if weekErr != nil && allErr != nil {
		l.log.Error(weekErr, "failed to enumerate schedule", "id", c.ID)
		return nil
	}
	if weekErr != nil {
		return all
	}
	if allErr != nil {
		return week
	}
	if len(all) > len(week) {
		return all
	}
	return week
}
