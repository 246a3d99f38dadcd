package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openfcci/autotune/pkg/workdir"
	"github.com/openfcci/autotune/services/blueprints"
)

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	tags, err := a.catalog.ListTags(ctx)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tags":               tags,
		"blueprint_statuses": blueprints.Statuses,
		"project_statuses":   blueprints.ProjectStatuses,
	})
}

func (a *API) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := blueprints.ListOptions{
		Status: blueprints.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Type:   strings.TrimSpace(q.Get("type")),
		Tag:    strings.ToLower(strings.TrimSpace(q.Get("tag"))),
	}
	if opts.Status != "" && !slices.Contains(blueprints.Statuses, opts.Status) {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", opts.Status))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	items, err := a.catalog.List(ctx, opts)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"blueprints": items})
}

func (a *API) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	if !workdir.ValidSlug(slug) {
		respondError(w, http.StatusBadRequest, errors.New("invalid blueprint slug"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	bp, err := a.catalog.Find(ctx, slug)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"blueprint": bp})
}

func (a *API) handleCreateBlueprint(w http.ResponseWriter, r *http.Request) {
	var req blueprints.NewBlueprint
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	bp, err := a.catalog.Create(ctx, req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	resp := map[string]any{"blueprint": bp}
	// The blueprint exists either way; a failed enqueue leaves it in status
	// new until a manual sync request.
	if job, err := a.enqueuer.Enqueue(ctx, bp.Slug, blueprints.OriginAPI); err != nil {
		a.log.Error().Err(err).Str("blueprint", bp.Slug).Msg("enqueue initial sync")
	} else {
		resp["request_id"] = job.RequestID
	}

	respondJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSyncBlueprint(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	if !workdir.ValidSlug(slug) {
		respondError(w, http.StatusBadRequest, errors.New("invalid blueprint slug"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if _, err := a.catalog.Find(ctx, slug); err != nil {
		respondError(w, statusFor(err), err)
		return
	}

	job, err := a.enqueuer.Enqueue(ctx, slug, blueprints.OriginAPI)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, err)
		return
	}

	a.log.Info().Str("blueprint", slug).Str("request_id", job.RequestID.String()).Msg("sync requested")
	respondJSON(w, http.StatusAccepted, map[string]any{"request_id": job.RequestID, "blueprint": slug})
}
