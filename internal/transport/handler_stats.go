package transport

import (
	"net/http"

	"github.com/Senneseph/edge-hive/internal/provider"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
)

// statsResponse is the admin stats snapshot. Image counts come from the
// handler registry and are not transactional with the store counts.
type statsResponse struct {
	Endpoints        int           `json:"endpoints"`
	EnabledEndpoints int           `json:"enabled_endpoints"`
	Images           runtime.Stats `json:"images"`
	Services         int           `json:"services"`
	ActiveServices   int           `json:"active_services"`
}

type statsAPI struct {
	store    store.Store
	runtime  *runtime.Registry
	registry *provider.Registry
}

func (a *statsAPI) stats(w http.ResponseWriter, r *http.Request) {
	endpoints, err := a.store.ListEndpoints(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	services, err := a.registry.List(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := statsResponse{
		Endpoints: len(endpoints),
		Images:    a.runtime.Stats(),
		Services:  len(services),
	}
	for _, e := range endpoints {
		if e.Enabled {
			resp.EnabledEndpoints++
		}
	}
	for _, s := range services {
		if s.Active {
			resp.ActiveServices++
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
