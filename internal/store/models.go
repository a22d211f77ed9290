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
	"encoding/json"
	"fmt"
	"time"

	"github.com/coal-mine/coal-mine/internal/cadence"
)

// canaryRow is the GORM model backing Canary. Emails and history are
// JSON-encoded text columns; periodicity is stored as written. The
// composite indexes serve UpcomingDeadlines and the list filters
// without a full scan.
type canaryRow struct {
	ID          string `gorm:"column:id;primaryKey;size:8"`
	Name        string `gorm:"column:name;not null"`
	Slug        string `gorm:"column:slug;uniqueIndex;not null"`
	Description string `gorm:"column:description;type:text"`
	Periodicity string `gorm:"column:periodicity;not null"`
	Emails      string `gorm:"column:emails;type:text"`
	Paused      bool       `gorm:"column:paused;not null;index:idx_paused_late_deadline,priority:1;index:idx_paused_deadline,priority:1"`
	Late        bool       `gorm:"column:late;not null;index:idx_paused_late_deadline,priority:2;index:idx_late_deadline,priority:1"`
	Deadline    *time.Time `gorm:"column:deadline;index:idx_paused_late_deadline,priority:3;index:idx_paused_deadline,priority:2;index:idx_late_deadline,priority:2"`
	History     string     `gorm:"column:history;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for canaryRow
func (*canaryRow) TableName() string {
	return "canaries"
}

func toRow(c *Canary) (*canaryRow, error) {
	emails, err := json.Marshal(c.Emails)
	if err != nil {
		return nil, fmt.Errorf("encode emails: %w", err)
	}
	history, err := json.Marshal(c.History)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	row := &canaryRow{
		ID:          c.ID,
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Description,
		Periodicity: c.Periodicity.String(),
		Emails:      string(emails),
		Paused:      c.Paused,
		Late:        c.Late,
		History:     string(history),
	}
	if c.Deadline != nil {
		d := c.Deadline.UTC()
		row.Deadline = &d
	}
	return row, nil
}

func fromRow(row *canaryRow) (*Canary, error) {
	periodicity, err := cadence.Parse(row.Periodicity)
	if err != nil {
		return nil, fmt.Errorf("canary %s has bad periodicity: %w", row.ID, err)
	}
	c := &Canary{
		ID:          row.ID,
		Name:        row.Name,
		Slug:        row.Slug,
		Description: row.Description,
		Periodicity: periodicity,
	}
	if row.Emails != "" {
		if err := json.Unmarshal([]byte(row.Emails), &c.Emails); err != nil {
			return nil, fmt.Errorf("canary %s has bad emails: %w", row.ID, err)
		}
	}
	if row.History != "" {
		if err := json.Unmarshal([]byte(row.History), &c.History); err != nil {
			return nil, fmt.Errorf("canary %s has bad history: %w", row.ID, err)
		}
	}
	c.Paused = row.Paused
	c.Late = row.Late
	if row.Deadline != nil {
		d := row.Deadline.UTC()
		c.Deadline = &d
	}
	return c, nil
}
