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
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"github.com/go-logr/logr"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxRetries     = 5
	initialBackoff = 100 * time.Millisecond
)

// GormStore implements Store on a SQL database via GORM.
type GormStore struct {
	db      *gorm.DB
	dialect string
	log     logr.Logger
}

// NewGormStore opens a database connection for the given dialect
// (sqlite, postgres, mysql).
func NewGormStore(dialect, dsn string, log logr.Logger) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &GormStore{db: db, dialect: dialect, log: log}, nil
}

// Init creates the canaries table via auto-migration.
func (s *GormStore) Init() error {
	return s.db.AutoMigrate(&canaryRow{})
}

// Close closes the store and releases resources
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create implements Store.
func (s *GormStore) Create(ctx context.Context, c *Canary) error {
	row, err := toRow(c)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "create", func() error {
		err := s.db.WithContext(ctx).Create(row).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
		}
		return err
	})
}

// Update implements Store. The patch is applied in a single UPDATE
// inside a transaction; a cleared deadline becomes SQL NULL.
func (s *GormStore) Update(ctx context.Context, id string, p Patch) error {
	updates, err := patchColumns(p)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "update", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row canaryRow
			if err := tx.Select("id").First(&row, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: %s", ErrNotFound, id)
				}
				return err
			}
			if len(updates) == 0 {
				return nil
			}
			return tx.Model(&canaryRow{}).Where("id = ?", id).Updates(updates).Error
		})
	})
}

func patchColumns(p Patch) (map[string]any, error) {
	updates := make(map[string]any)
	if p.Name != nil {
		updates["name"] = *p.Name
	}
	if p.Slug != nil {
		updates["slug"] = *p.Slug
	}
	if p.Description != nil {
		updates["description"] = *p.Description
	}
	if p.Periodicity != nil {
		updates["periodicity"] = p.Periodicity.String()
	}
	if p.Emails != nil {
		encoded, err := json.Marshal(*p.Emails)
		if err != nil {
			return nil, fmt.Errorf("encode emails: %w", err)
		}
		updates["emails"] = string(encoded)
	}
	if p.Paused != nil {
		updates["paused"] = *p.Paused
	}
	if p.Late != nil {
		updates["late"] = *p.Late
	}
	switch {
	case p.Deadline.IsSet():
		updates["deadline"] = p.Deadline.Time().UTC()
	case p.Deadline.IsClear():
		updates["deadline"] = nil
	}
	if p.History != nil {
		encoded, err := json.Marshal(*p.History)
		if err != nil {
			return nil, fmt.Errorf("encode history: %w", err)
		}
		updates["history"] = string(encoded)
	}
	return updates, nil
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, id string) (*Canary, error) {
	var row canaryRow
	err := s.withRetry(ctx, "get", func() error {
		err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

// List implements Store. The paused/late predicates are pushed to the
// database; the search regexp is applied here because regexp support
// varies across dialects.
func (s *GormStore) List(ctx context.Context, f ListFilter) ([]*Canary, error) {
	var search *regexp.Regexp
	if f.Search != "" {
		var err error
		search, err = regexp.Compile(f.Search)
		if err != nil {
			return nil, fmt.Errorf("bad search expression: %w", err)
		}
	}

	var rows []canaryRow
	err := s.withRetry(ctx, "list", func() error {
		query := s.db.WithContext(ctx).Model(&canaryRow{})
		if f.Paused != nil {
			query = query.Where("paused = ?", *f.Paused)
		}
		if f.Late != nil {
			query = query.Where("late = ?", *f.Late)
		}
		rows = rows[:0]
		return query.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	var out []*Canary
	for i := range rows {
		c, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		if search != nil && !searchMatches(search, c) {
			continue
		}
		if !f.Verbose {
			c = &Canary{ID: c.ID, Name: c.Name}
		}
		out = append(out, c)
	}
	return out, nil
}

// UpcomingDeadlines implements Store, served by the
// (paused,late,deadline) index.
func (s *GormStore) UpcomingDeadlines(ctx context.Context) ([]*Canary, error) {
	var rows []canaryRow
	err := s.withRetry(ctx, "upcoming-deadlines", func() error {
		rows = rows[:0]
		return s.db.WithContext(ctx).
			Where("paused = ? AND late = ?", false, false).
			Order("deadline ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Canary, 0, len(rows))
	for i := range rows {
		c, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete implements Store.
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete", func() error {
		result := s.db.WithContext(ctx).Delete(&canaryRow{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// FindIdentifier implements Store.
func (s *GormStore) FindIdentifier(ctx context.Context, slug string) (string, error) {
	var row canaryRow
	err := s.withRetry(ctx, "find-identifier", func() error {
		err := s.db.WithContext(ctx).Select("id").First(&row, "slug = ?", slug).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: slug %s", ErrNotFound, slug)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

// Health checks if the store is healthy
func (s *GormStore) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// withRetry retries fn on transient backend errors with bounded
// doubling backoff. Callers only ever see the final outcome.
func (s *GormStore) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !isTransient(err) || attempt >= maxRetries {
			return err
		}
		s.log.Info("transient store error, retrying", "op", op, "attempt", attempt, "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"bad connection",
		"i/o timeout",
		"database is locked",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
