// Package tileserver is the "simple reference local server" from §6:
// it wraps store.Cache and registry.Registry behind an HTTP API,
// falling back to an async fetch on a cache miss instead of blocking
// the request, the same cache-miss shape as pmtiles/server.go's
// inflight-request/response loop. Grounded on pmtiles/server.go's
// regex-path-plus-dispatcher structure and pmtiles/loop.go's
// background-fetch-then-retry idiom.
package tileserver

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nullisland/planetstream/metrics"
	"github.com/nullisland/planetstream/proxyrace"
	"github.com/nullisland/planetstream/quadtree"
	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/request"
	"github.com/nullisland/planetstream/store"
)

// Server bundles the durable cache, the server registry, and
// (optionally) a running quadtree.Engine for the debug endpoint.
type Server struct {
	Cache    *store.Cache
	Registry *registry.Registry
	Deps     *proxyrace.Deps
	Engine   *quadtree.Engine
	Log      *zap.SugaredLogger
	Metrics  *metrics.M

	// CORSOrigins lists the origins allowed to call the API (§6's
	// "-cors" flag analogue). A nil slice disables CORS entirely.
	CORSOrigins []string
}

var tilePathPattern = regexp.MustCompile(`^/api/tile/([A-Za-z0-9_\-]+)/(\d+)/(\d+)/(\d+)/tile\.([a-zA-Z]+)$`)
var debugPlanetPattern = regexp.MustCompile(`^/debug/planet/([A-Za-z0-9_\-]+)$`)

// Handler builds the routed, CORS-wrapped http.Handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tile/", s.handleTile)
	mux.HandleFunc("/api/config/tileservers.json", s.handleConfig)
	mux.HandleFunc("/debug/planet/", s.handleDebugPlanet)

	if len(s.CORSOrigins) == 0 {
		return mux
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	return c.Handler(mux)
}

// handleTile implements GET /api/tile/{server}/{z}/{x}/{y}/tile.{ext}
// (§6). A cache hit serves the final bytes directly; a cache miss
// dispatches proxyrace.Download in the background and answers 202, so
// the caller is expected to poll.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	m := tilePathPattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	z, _ := strconv.ParseUint(m[2], 10, 8)
	x, _ := strconv.ParseUint(m[3], 10, 64)
	y, _ := strconv.ParseUint(m[4], 10, 64)
	req := request.TileFetchId{ServerName: m[1], X: x, Y: y, Z: uint8(z), Extension: m[5]}

	if err := req.Validate(s.Registry); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, ok, err := store.Get[request.TileResult](s.Cache, req.Kind(), req.Key())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ok {
		if entry.Parsed == nil {
			http.Error(w, entry.ErrorText, http.StatusNotFound)
			return
		}
		data, found, err := s.Cache.ReadFinalBytes(r.Context(), req.FinalPath(s.Registry))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			// Entry says Finished but the blob vanished; fall through to
			// re-fetch rather than serve a broken response.
			s.dispatchFetch(req)
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "image/"+entry.Parsed.Format)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	s.dispatchFetch(req)
	w.Header().Set("Retry-After", "2")
	w.WriteHeader(http.StatusAccepted)
}

// dispatchFetch starts req's download in the background. Concurrent
// calls for the same (kind,key) collapse onto one singleflight group
// inside proxyrace.Download, so firing this on every cache-miss
// request is safe, if wasteful of goroutines under heavy polling.
func (s *Server) dispatchFetch(req request.TileFetchId) {
	if s.Deps == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil && s.Log != nil {
				s.Log.Errorw("tileserver: background fetch panicked", "recovered", r)
			}
		}()
		if _, err := proxyrace.Download(context.Background(), s.Deps, req); err != nil && s.Log != nil {
			s.Log.Debugw("tileserver: background fetch failed", "key", req.Key(), "error", err)
		}
	}()
}

// handleConfig implements GET /api/config/tileservers.json (§6): the
// loaded registry, re-encoded as JSON from its parsed form rather than
// the original file's bytes.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.Registry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

type planetDebugView struct {
	Planet   string `json:"planet"`
	TileType string `json:"tile_type"`
	Nodes    int    `json:"nodes"`
	Leaves   int    `json:"leaves"`
	Pending  int    `json:"pending"`
	Started  int    `json:"started"`
	Finished uint64 `json:"finished"`
}

// handleDebugPlanet implements GET /debug/planet/{name} (§4.9): the
// tree-health summary crooked_earth/src/diagnostics.rs used to print
// to stdout, served as JSON here instead.
func (s *Server) handleDebugPlanet(w http.ResponseWriter, r *http.Request) {
	m := debugPlanetPattern.FindStringSubmatch(r.URL.Path)
	if m == nil || s.Engine == nil {
		http.NotFound(w, r)
		return
	}
	id, ok := s.Engine.PlanetByName(m[1])
	if !ok {
		http.NotFound(w, r)
		return
	}
	planet, _ := s.Engine.Planet(id)
	stats := s.Engine.PlanetStats(id)

	view := planetDebugView{
		Planet:   planet.Name,
		TileType: planet.TileType,
		Nodes:    stats.Nodes,
		Leaves:   stats.Leaves,
		Pending:  stats.Pending,
		Started:  stats.Started,
		Finished: s.Engine.FinishedCount(id),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}
