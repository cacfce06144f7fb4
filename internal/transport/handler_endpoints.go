package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/dispatch"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/internal/store"
	"github.com/Senneseph/edge-hive/model"
	"github.com/Senneseph/edge-hive/sdk"
)

// HandlerCompiler turns endpoint source into a loadable artifact. The
// native compiler implements it; tests substitute fakes.
type HandlerCompiler interface {
	Compile(ctx context.Context, id, source string) (string, error)
	ArtifactPath(id string) string
}

// endpointAPI implements the admin endpoint surface: CRUD plus the
// compile, start, and stop lifecycle hooks.
type endpointAPI struct {
	store    store.EndpointStore
	index    *dispatch.Index
	runtime  *runtime.Registry
	compiler HandlerCompiler
	drain    time.Duration
	log      *zap.Logger
}

// refreshRoutes rebuilds the route index from the store. Called after
// every mutation that can change what is routable.
func (a *endpointAPI) refreshRoutes(ctx context.Context) {
	endpoints, err := a.store.ListEndpoints(ctx)
	if err != nil {
		a.log.Error("route refresh failed", zap.Error(err))
		return
	}
	a.index.Replace(endpoints)
}

func (a *endpointAPI) list(w http.ResponseWriter, r *http.Request) {
	endpoints, err := a.store.ListEndpoints(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (a *endpointAPI) get(w http.ResponseWriter, r *http.Request) {
	e, err := a.store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (a *endpointAPI) create(w http.ResponseWriter, r *http.Request) {
	var e model.Endpoint
	if err := decodeJSON(r, &e); err != nil {
		WriteError(w, err)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Compiled = false
	if err := e.Validate(); err != nil {
		WriteError(w, err)
		return
	}
	if err := a.store.CreateEndpoint(r.Context(), &e); err != nil {
		WriteError(w, err)
		return
	}
	a.refreshRoutes(r.Context())
	a.log.Info("endpoint created",
		zap.String("endpoint_id", e.ID),
		zap.String("domain", e.Domain),
		zap.String("method", e.Method),
		zap.String("path", e.Path))
	WriteJSON(w, http.StatusCreated, e)
}

func (a *endpointAPI) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, err := a.store.GetEndpoint(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	var e model.Endpoint
	if err := decodeJSON(r, &e); err != nil {
		WriteError(w, err)
		return
	}
	e.ID = id
	// Editing source invalidates the last build; a route-only edit keeps it.
	if e.Code != current.Code {
		e.Compiled = false
	} else {
		e.Compiled = current.Compiled
	}
	if err := e.Validate(); err != nil {
		WriteError(w, err)
		return
	}
	if err := a.store.UpdateEndpoint(r.Context(), &e); err != nil {
		WriteError(w, err)
		return
	}
	a.refreshRoutes(r.Context())
	WriteJSON(w, http.StatusOK, e)
}

func (a *endpointAPI) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.runtime.Unload(id); err != nil && !isCode(err, sdk.ErrNotLoaded) {
		WriteError(w, err)
		return
	}
	if err := a.store.DeleteEndpoint(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	a.refreshRoutes(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// compileResult reports what the compile hook did: a fresh load for an
// endpoint with no image, or a graceful swap when one was already serving.
type compileResult struct {
	EndpointID string              `json:"endpoint_id"`
	Artifact   string              `json:"artifact"`
	Loaded     bool                `json:"loaded"`
	Swap       *runtime.SwapResult `json:"swap,omitempty"`
}

func (a *endpointAPI) compile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := a.store.GetEndpoint(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if e.Code == "" {
		WriteError(w, sdk.NewBadRequestError("endpoint has no handler source"))
		return
	}

	artifact, err := a.compiler.Compile(r.Context(), id, e.Code)
	if err != nil {
		WriteError(w, err)
		return
	}

	result := compileResult{EndpointID: id, Artifact: artifact}
	if a.runtime.Loaded(id) {
		swap, err := a.runtime.SwapGraceful(id, artifact, a.drain)
		if err != nil {
			WriteError(w, err)
			return
		}
		result.Swap = &swap
	} else {
		if err := a.runtime.Load(id, artifact); err != nil {
			WriteError(w, err)
			return
		}
		result.Loaded = true
	}

	e.Compiled = true
	if err := a.store.UpdateEndpoint(r.Context(), e); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (a *endpointAPI) start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := a.store.GetEndpoint(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !e.Compiled {
		WriteError(w, sdk.NewConflictError("endpoint has not been compiled"))
		return
	}
	if err := a.runtime.Load(id, a.compiler.ArtifactPath(id)); err != nil {
		WriteError(w, err)
		return
	}
	e.Enabled = true
	if err := a.store.UpdateEndpoint(r.Context(), e); err != nil {
		WriteError(w, err)
		return
	}
	a.refreshRoutes(r.Context())
	WriteJSON(w, http.StatusOK, e)
}

func (a *endpointAPI) stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := a.store.GetEndpoint(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	// Stopping an endpoint that never loaded still disables its route.
	if err := a.runtime.Unload(id); err != nil && !isCode(err, sdk.ErrNotLoaded) {
		WriteError(w, err)
		return
	}
	e.Enabled = false
	if err := a.store.UpdateEndpoint(r.Context(), e); err != nil {
		WriteError(w, err)
		return
	}
	a.refreshRoutes(r.Context())
	WriteJSON(w, http.StatusOK, e)
}
