package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/model"
)

// providerAPI implements the admin service surface over the provider
// registry. All listings pass through the registry, which redacts secret
// config values.
type providerAPI struct {
	registry *provider.Registry
}

func (a *providerAPI) list(w http.ResponseWriter, r *http.Request) {
	services, err := a.registry.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (a *providerAPI) get(w http.ResponseWriter, r *http.Request) {
	s, err := a.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

func (a *providerAPI) create(w http.ResponseWriter, r *http.Request) {
	var d model.ProviderDescriptor
	if err := decodeJSON(r, &d); err != nil {
		WriteError(w, err)
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if err := a.registry.Create(r.Context(), &d); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d.Sanitized())
}

func (a *providerAPI) update(w http.ResponseWriter, r *http.Request) {
	var d model.ProviderDescriptor
	if err := decodeJSON(r, &d); err != nil {
		WriteError(w, err)
		return
	}
	d.ID = chi.URLParam(r, "id")
	if err := a.registry.Update(r.Context(), &d); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d.Sanitized())
}

func (a *providerAPI) delete(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *providerAPI) activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.registry.Activate(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	s, err := a.registry.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

func (a *providerAPI) deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.registry.Deactivate(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	s, err := a.registry.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

func (a *providerAPI) test(w http.ResponseWriter, r *http.Request) {
	latency, err := a.registry.Test(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"latency_ms": latency.Milliseconds(),
	})
}
