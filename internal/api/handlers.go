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
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/coal-mine/coal-mine/internal/cadence"
	"github.com/coal-mine/coal-mine/internal/canary"
	"github.com/coal-mine/coal-mine/internal/metrics"
	"github.com/coal-mine/coal-mine/internal/store"
)

// Handlers implements the canary API endpoints.
type Handlers struct {
	logic   *canary.Logic
	store   store.Store
	authKey string
	log     logr.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(l *canary.Logic, s store.Store, authKey string, log logr.Logger) *Handlers {
	return &Handlers{logic: l, store: s, authKey: authKey, log: log}
}

type handlerFunc func(r *http.Request, p *params) (map[string]any, error)

// endpoint wraps a handler with the shared request envelope: query
// parsing, auth, error mapping, and a request metric.
func (h *Handlers) endpoint(name string, authed bool, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := newParams(r.URL.Query())
		if h.authKey != "" {
			// Accepted everywhere so unauthenticated trigger calls may
			// still carry it; only checked where auth is required.
			key := p.get("auth_key")
			if authed && key != h.authKey {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				metrics.RecordRequest(name, "401")
				return
			}
		}
		fields, err := fn(r, p)
		if err != nil {
			status := statusFor(err)
			writeError(w, status, err.Error())
			metrics.RecordRequest(name, strconv.Itoa(status))
			return
		}
		writeOK(w, fields)
		metrics.RecordRequest(name, "200")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, canary.ErrAlreadyPaused),
		errors.Is(err, canary.ErrNotPaused),
		errors.Is(err, canary.ErrNoChanges),
		errors.Is(err, canary.ErrNameConflict),
		errors.Is(err, canary.ErrNameRequired),
		errors.Is(err, canary.ErrOneIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errBadRequest marks parameter errors so statusFor can tell them apart
// from backend failures.
var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(errBadRequest, err)
}

// resolve finds the canary id from the id, name, or slug parameter.
func (h *Handlers) resolve(r *http.Request, p *params) (string, error) {
	return h.logic.ResolveID(r.Context(), p.get("id"), p.get("name"), p.get("slug"))
}

func (h *Handlers) create(r *http.Request, p *params) (map[string]any, error) {
	name, err := p.required("name")
	if err != nil {
		return nil, badRequest(err)
	}
	rawPeriodicity, err := p.required("periodicity")
	if err != nil {
		return nil, badRequest(err)
	}
	periodicity, err := cadence.Parse(rawPeriodicity)
	if err != nil {
		return nil, badRequest(err)
	}
	description := p.get("description")
	emails, _ := p.emails()
	paused, err := p.boolean("paused")
	if err != nil {
		return nil, badRequest(err)
	}
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}

	c, err := h.logic.Create(r.Context(), canary.CreateParams{
		Name:        name,
		Periodicity: periodicity,
		Description: description,
		Emails:      emails,
		Paused:      paused,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"canary": toPayload(c, h.logic.UpcomingSchedule(c))}, nil
}

func (h *Handlers) deleteCanary(r *http.Request, p *params) (map[string]any, error) {
	id, err := h.resolve(r, p)
	if err != nil {
		return nil, err
	}
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}
	if err := h.logic.Delete(r.Context(), id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handlers) update(r *http.Request, p *params) (map[string]any, error) {
	// Updates identify the canary by id or slug; the name parameter is
	// the new name. Name-based addressing is the client's job.
	id, err := h.logic.ResolveID(r.Context(), p.get("id"), "", p.get("slug"))
	if err != nil {
		return nil, err
	}

	var upd canary.UpdateParams
	if p.has("name") {
		name := p.get("name")
		upd.Name = &name
	}
	if p.has("periodicity") {
		periodicity, err := cadence.Parse(p.get("periodicity"))
		if err != nil {
			return nil, badRequest(err)
		}
		upd.Periodicity = &periodicity
	}
	if p.has("description") {
		description := p.get("description")
		upd.Description = &description
	}
	if emails, ok := p.emails(); ok {
		upd.Emails = &emails
	}
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}

	c, err := h.logic.Update(r.Context(), id, upd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"canary": toPayload(c, h.logic.UpcomingSchedule(c))}, nil
}

func (h *Handlers) get(r *http.Request, p *params) (map[string]any, error) {
	id, err := h.resolve(r, p)
	if err != nil {
		return nil, err
	}
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}
	c, err := h.logic.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"canary": toPayload(c, h.logic.UpcomingSchedule(c))}, nil
}

func (h *Handlers) list(r *http.Request, p *params) (map[string]any, error) {
	verbose, err := p.boolean("verbose")
	if err != nil {
		return nil, badRequest(err)
	}
	paused, err := p.maybeBool("paused")
	if err != nil {
		return nil, badRequest(err)
	}
	late, err := p.maybeBool("late")
	if err != nil {
		return nil, badRequest(err)
	}
	search := p.get("search")
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}

	canaries, err := h.logic.List(r.Context(), store.ListFilter{
		Verbose: verbose,
		Paused:  paused,
		Late:    late,
		Search:  search,
	})
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(canaries))
	for _, c := range canaries {
		if verbose {
			items = append(items, toPayload(c, nil))
		} else {
			items = append(items, listItemPayload{ID: c.ID, Name: c.Name})
		}
	}
	return map[string]any{"canaries": items}, nil
}

func (h *Handlers) trigger(r *http.Request, p *params) (map[string]any, error) {
	id, err := h.resolve(r, p)
	if err != nil {
		return nil, err
	}
	return h.doTrigger(r, p, id)
}

// triggerShort handles the GET /{id} shortcut: the id is the path.
func (h *Handlers) triggerShort(r *http.Request, p *params) (map[string]any, error) {
	return h.doTrigger(r, p, chi.URLParam(r, "id"))
}

func (h *Handlers) doTrigger(r *http.Request, p *params, id string) (map[string]any, error) {
	comment := p.get("comment")
	// m is the short form cron jobs embed in ping URLs.
	if m := p.get("m"); comment == "" {
		comment = m
	}
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}
	_, wasLate, wasPaused, err := h.logic.Trigger(r.Context(), id, comment)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recovered": wasLate, "unpaused": wasPaused}, nil
}

func (h *Handlers) pause(r *http.Request, p *params) (map[string]any, error) {
	id, err := h.resolve(r, p)
	if err != nil {
		return nil, err
	}
	comment := p.get("comment")
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}
	c, err := h.logic.Pause(r.Context(), id, comment)
	if err != nil {
		return nil, err
	}
	return map[string]any{"canary": toPayload(c, h.logic.UpcomingSchedule(c))}, nil
}

func (h *Handlers) unpause(r *http.Request, p *params) (map[string]any, error) {
	id, err := h.resolve(r, p)
	if err != nil {
		return nil, err
	}
	comment := p.get("comment")
	if err := p.finish(); err != nil {
		return nil, badRequest(err)
	}
	c, err := h.logic.Unpause(r.Context(), id, comment)
	if err != nil {
		return nil, err
	}
	return map[string]any{"canary": toPayload(c, h.logic.UpcomingSchedule(c))}, nil
}

// healthz reports liveness plus store reachability.
func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unhealthy",
			"storage": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}
