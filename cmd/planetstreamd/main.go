// Command planetstreamd is the process entrypoint: it wires the
// registry, durable cache, proxy pool, quadtree engine, scheduler, and
// tile server together behind a flag-based subcommand dispatch, the
// same switch-on-os.Args[1] shape as the teacher's own main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/nullisland/planetstream/metrics"
	"github.com/nullisland/planetstream/proxypool"
	"github.com/nullisland/planetstream/proxyrace"
	"github.com/nullisland/planetstream/quadtree"
	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/request"
	"github.com/nullisland/planetstream/scheduler"
	"github.com/nullisland/planetstream/store"
	"github.com/nullisland/planetstream/tilemath"
	"github.com/nullisland/planetstream/tileserver"
)

const usage = `Usage: planetstreamd [COMMAND] [ARGS]

Running the tile server:
planetstreamd serve -config tileservers.json -db planetstream.bbolt -tiles ./tiles

Flying a planet's quadtree without serving HTTP:
planetstreamd fly -config tileservers.json -planet earth -tiletype osm -rootzoom 1 -radius 6371000 -ticks 600

Priming a planet's root tiles ahead of time:
planetstreamd warm -config tileservers.json -db planetstream.bbolt -tiles ./tiles -server osm -rootzoom 2`

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "planetstreamd: build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(log, os.Args[2:])
	case "fly":
		runFly(log, os.Args[2:])
	case "warm":
		runWarm(log, os.Args[2:])
	default:
		fmt.Println(usage)
		os.Exit(1)
	}
}

// openCache loads the registry and durable cache shared by every
// subcommand.
func openCache(log *zap.SugaredLogger, configPath, dbPath, tilesRoot string) (*registry.Registry, *store.Cache) {
	reg := registry.New()
	if err := reg.Load(configPath); err != nil {
		log.Fatalw("load registry", "path", configPath, "error", err)
	}
	cache, err := store.Open(dbPath, tilesRoot)
	if err != nil {
		log.Fatalw("open durable cache", "db", dbPath, "error", err)
	}
	return reg, cache
}

// buildDeps wires a proxyrace.Deps against cache/reg, with a proxy
// pool sharing the cache's bbolt handle per §4.3/§4.4's "same database"
// design.
func buildDeps(log *zap.SugaredLogger, m *metrics.M, reg *registry.Registry, cache *store.Cache, torEndpoints []string) *proxyrace.Deps {
	pool := proxypool.New(cache.DB(), log.Named("proxypool"), m, proxypool.Options{
		TorEndpoints: torEndpoints,
	})
	return &proxyrace.Deps{
		Cache:    cache,
		Registry: reg,
		Pool:     pool,
		Metrics:  m,
		Fetcher:  proxyrace.Socks5Fetcher{},
		Log:      log.Named("proxyrace"),
	}
}

// runServe implements "planetstreamd serve": the §6 local reference
// server, plus a /metrics endpoint for the prometheus collectors every
// other component already registers into.
func runServe(log *zap.SugaredLogger, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "tileservers.json", "tile-server registry JSON file")
	dbPath := fs.String("db", "planetstream.bbolt", "durable cache database path")
	tilesRoot := fs.String("tiles", "./tiles", "final tile/geojson byte storage root")
	port := fs.String("p", "8080", "port to serve on")
	cors := fs.String("cors", "", "CORS allowed origin value")
	fs.Parse(args)

	reg, cache := openCache(log, *configPath, *dbPath, *tilesRoot)
	defer cache.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	deps := buildDeps(log, m, reg, cache, nil)

	var corsOrigins []string
	if *cors != "" {
		corsOrigins = []string{*cors}
	}
	srv := &tileserver.Server{
		Cache:       cache,
		Registry:    reg,
		Deps:        deps,
		Log:         log.Named("tileserver"),
		Metrics:     m,
		CORSOrigins: corsOrigins,
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	log.Infow("serving", "port", *port, "cors", *cors)
	log.Fatal(http.ListenAndServe(":"+*port, mux))
}

// runFly implements "planetstreamd fly": the §5 single-threaded frame
// loop, driving Decide/Materialize/ProcessPostSplit and
// scheduler.Tick for one planet with a fixed, stationary camera,
// without exposing any HTTP surface. Useful for soak-testing the
// quadtree/scheduler pair against a real proxy pool.
func runFly(log *zap.SugaredLogger, args []string) {
	fs := flag.NewFlagSet("fly", flag.ExitOnError)
	configPath := fs.String("config", "tileservers.json", "tile-server registry JSON file")
	dbPath := fs.String("db", "planetstream.bbolt", "durable cache database path")
	tilesRoot := fs.String("tiles", "./tiles", "final tile/geojson byte storage root")
	planetName := fs.String("planet", "earth", "planet name")
	tileType := fs.String("tiletype", "osm", "registry server name this planet streams")
	rootZoom := fs.Int("rootzoom", 1, "root tile zoom level")
	radius := fs.Float64("radius", 6.371e6, "planet radius in meters")
	ticks := fs.Int("ticks", 600, "number of frame-loop ticks to run before exiting")
	camLon := fs.Float64("lon", 0, "camera longitude in degrees")
	camLat := fs.Float64("lat", 0, "camera latitude in degrees")
	camAlt := fs.Float64("alt", 2e7, "camera altitude above the planet surface, in meters")
	fs.Parse(args)

	reg, cache := openCache(log, *configPath, *dbPath, *tilesRoot)
	defer cache.Close()

	m := metrics.New(prometheus.NewRegistry())
	deps := buildDeps(log, m, reg, cache, nil)

	engine := quadtree.New(m, log.Named("quadtree"))
	planetID := engine.AddPlanet(quadtree.Planet{
		Name:         *planetName,
		RootZoom:     uint8(*rootZoom),
		TileType:     *tileType,
		RadiusMeters: *radius,
	})
	sched := scheduler.New(engine, deps, reg, log.Named("scheduler"))

	cameraPos := tilemath.GPSToUnitSphere(*camLon, *camLat).Scale(*radius + *camAlt)
	planetPos := map[quadtree.PlanetId]tilemath.Vec3{planetID: {}}

	postSplitTicker := time.NewTicker(quadtree.PostSplitPollInterval)
	defer postSplitTicker.Stop()

	for i := 0; i < *ticks; i++ {
		now := time.Now()
		plan := engine.Decide(now, cameraPos, planetPos, reg)
		splits, merges, err := engine.Materialize(plan)
		if err != nil {
			log.Warnw("materialize", "error", err)
		}
		select {
		case <-postSplitTicker.C:
			engine.ProcessPostSplit()
		default:
		}
		dispatched, finished, failed := sched.Tick(now)

		if splits > 0 || merges > 0 || dispatched > 0 || finished > 0 || failed > 0 {
			stats := engine.PlanetStats(planetID)
			log.Infow("tick",
				"splits", splits, "merges", merges,
				"dispatched", dispatched, "finished", finished, "failed", failed,
				"leaves", stats.Leaves, "finished_total", engine.FinishedCount(planetID))
		}
		time.Sleep(16 * time.Millisecond)
	}
}

// runWarm implements "planetstreamd warm": fetches every root tile of
// one planet directly through proxyrace.Download, reporting progress
// with schollz/progressbar/v3 the way pmtiles/progress.go's
// defaultProgressWriter does for its own long-running operations.
func runWarm(log *zap.SugaredLogger, args []string) {
	fs := flag.NewFlagSet("warm", flag.ExitOnError)
	configPath := fs.String("config", "tileservers.json", "tile-server registry JSON file")
	dbPath := fs.String("db", "planetstream.bbolt", "durable cache database path")
	tilesRoot := fs.String("tiles", "./tiles", "final tile/geojson byte storage root")
	serverName := fs.String("server", "osm", "registry server name to warm")
	rootZoom := fs.Int("rootzoom", 2, "zoom level to fully warm")
	fs.Parse(args)

	reg, cache := openCache(log, *configPath, *dbPath, *tilesRoot)
	defer cache.Close()

	m := metrics.New(prometheus.NewRegistry())
	deps := buildDeps(log, m, reg, cache, nil)

	cfg, ok := reg.Get(*serverName)
	if !ok {
		log.Fatalw("warm: unknown server", "server", *serverName)
	}

	coords := tilemath.RootTiles(uint8(*rootZoom))
	bar := progressbar.Default(int64(len(coords)), fmt.Sprintf("warming %s z%d", *serverName, *rootZoom))
	defer bar.Close()

	var failures int
	ctx := context.Background()
	for _, c := range coords {
		req := request.TileFetchId{ServerName: *serverName, X: c.X, Y: c.Y, Z: c.Z, Extension: string(cfg.ImgFormat)}
		if _, err := proxyrace.Download(ctx, deps, req); err != nil {
			failures++
			log.Debugw("warm: tile failed", "tile", c.String(), "error", err)
		}
		bar.Add(1)
	}

	log.Infow("warm complete", "server", *serverName, "rootzoom", *rootZoom, "tiles", len(coords), "failures", failures)
}
