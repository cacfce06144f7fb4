// Package dispatch routes inbound gateway requests to endpoints and drives
// each one through the handler registry. The route index is an immutable
// snapshot swapped atomically, so the hot path never takes a lock.
package dispatch

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/model"
)

// route is one compiled path pattern for an endpoint.
type route struct {
	endpointID string
	segments   []segment
}

// segment is one slash-separated element of a pattern. A param segment
// matches any single path element and captures it under name.
type segment struct {
	literal string
	param   string
}

func parsePattern(path string) []segment {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segments = append(segments, segment{param: p[1 : len(p)-1]})
		} else {
			segments = append(segments, segment{literal: p})
		}
	}
	return segments
}

// literalCount counts non-parameter segments; more-literal patterns sort
// ahead so /users/me wins over /users/{id}.
func (r *route) literalCount() int {
	n := 0
	for _, s := range r.segments {
		if s.param == "" {
			n++
		}
	}
	return n
}

func (r *route) match(parts []string) (map[string]string, bool) {
	if len(parts) != len(r.segments) {
		return nil, false
	}
	var params map[string]string
	for i, s := range r.segments {
		if s.param != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[s.param] = parts[i]
			continue
		}
		if s.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// routeKey indexes the ordered pattern lists.
type routeKey struct {
	domain string
	method string
}

// snapshot is an immutable route table.
type snapshot struct {
	routes map[routeKey][]*route
}

// Index resolves (domain, method, path) to an endpoint id. Reads are
// lock-free; Replace installs a freshly built snapshot.
type Index struct {
	snap    atomic.Pointer[snapshot]
	metrics *observability.Metrics
}

// NewIndex returns an Index over the given endpoints.
func NewIndex(endpoints []*model.Endpoint, metrics *observability.Metrics) *Index {
	idx := &Index{metrics: metrics}
	idx.Replace(endpoints)
	return idx
}

// Replace atomically swaps the route table. Disabled endpoints are skipped.
func (idx *Index) Replace(endpoints []*model.Endpoint) {
	s := &snapshot{routes: make(map[routeKey][]*route)}
	indexed := 0
	for _, e := range endpoints {
		if !e.Enabled {
			continue
		}
		domain, method, path := e.RouteKey()
		key := routeKey{domain: domain, method: method}
		s.routes[key] = append(s.routes[key], &route{
			endpointID: e.ID,
			segments:   parsePattern(path),
		})
		indexed++
	}
	for _, list := range s.routes {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].literalCount() > list[j].literalCount()
		})
	}
	idx.snap.Store(s)
	idx.metrics.SetRoutesIndexed(float64(indexed))
}

// Match returns the endpoint id and captured parameters for a request, or
// false when no pattern matches.
func (idx *Index) Match(domain, method, path string) (string, map[string]string, bool) {
	s := idx.snap.Load()
	list := s.routes[routeKey{domain: domain, method: strings.ToUpper(method)}]
	if len(list) == 0 {
		return "", nil, false
	}

	trimmed := strings.Trim(path, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}
	for _, r := range list {
		if params, ok := r.match(parts); ok {
			return r.endpointID, params, true
		}
	}
	return "", nil, false
}
