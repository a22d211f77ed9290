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
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// MemoryStore keeps canaries in a map. Primarily for tests and for
// running without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	canaries map[string]*Canary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{canaries: make(map[string]*Canary)}
}

// Init implements Store.
func (s *MemoryStore) Init() error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, c *Canary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.canaries[c.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicate, c.ID)
	}
	for _, existing := range s.canaries {
		if existing.Slug == c.Slug {
			return fmt.Errorf("%w: slug %s", ErrDuplicate, c.Slug)
		}
	}
	s.canaries[c.ID] = c.Copy()
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, p Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.canaries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Slug != nil {
		c.Slug = *p.Slug
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Periodicity != nil {
		c.Periodicity = *p.Periodicity
	}
	if p.Emails != nil {
		c.Emails = append([]string(nil), (*p.Emails)...)
	}
	if p.Paused != nil {
		c.Paused = *p.Paused
	}
	if p.Late != nil {
		c.Late = *p.Late
	}
	c.Deadline = p.Deadline.Apply(c.Deadline)
	if p.History != nil {
		c.History = append([]Event(nil), (*p.History)...)
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Canary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.canaries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Copy(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*Canary, error) {
	var search *regexp.Regexp
	if f.Search != "" {
		var err error
		search, err = regexp.Compile(f.Search)
		if err != nil {
			return nil, fmt.Errorf("bad search expression: %w", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Canary
	for _, c := range s.canaries {
		if f.Paused != nil && c.Paused != *f.Paused {
			continue
		}
		if f.Late != nil && c.Late != *f.Late {
			continue
		}
		if search != nil && !searchMatches(search, c) {
			continue
		}
		if f.Verbose {
			out = append(out, c.Copy())
		} else {
			out = append(out, &Canary{ID: c.ID, Name: c.Name})
		}
	}
	return out, nil
}

func searchMatches(re *regexp.Regexp, c *Canary) bool {
	if re.MatchString(c.Name) || re.MatchString(c.Slug) || re.MatchString(c.ID) {
		return true
	}
	for _, e := range c.Emails {
		if re.MatchString(e) {
			return true
		}
	}
	return false
}

// UpcomingDeadlines implements Store.
func (s *MemoryStore) UpcomingDeadlines(_ context.Context) ([]*Canary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Canary
	for _, c := range s.canaries {
		if c.Paused || c.Late {
			continue
		}
		out = append(out, c.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Deadline.Before(*out[j].Deadline)
	})
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.canaries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.canaries, id)
	return nil
}

// FindIdentifier implements Store.
func (s *MemoryStore) FindIdentifier(_ context.Context, slug string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.canaries {
		if c.Slug == slug {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: slug %s", ErrNotFound, slug)
}

// Health implements Store.
func (s *MemoryStore) Health(_ context.Context) error { return nil }
