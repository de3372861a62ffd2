// Package scheduler is the Fetch Scheduler (§5, component H): it
// bridges quadtree.Engine's per-tile download state with
// proxyrace.Download, rate-limiting new dispatches and bounding
// concurrent in-flight fetches the way pmtiles/loop.go bounds its own
// worker dispatch with buffered channels instead of an unbounded
// goroutine-per-request fan-out.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nullisland/planetstream/proxyrace"
	"github.com/nullisland/planetstream/quadtree"
	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/request"
)

const (
	// MaxDispatchPerTick is the §5 "≤16 new dispatches/frame" rate limit.
	MaxDispatchPerTick = 16
	// MaxConcurrentStarted caps the total number of Started tiles across
	// every planet at once (§5).
	MaxConcurrentStarted = 221
	// ResultBufferSize is the §5 capacity-1000 result delivery channel.
	ResultBufferSize = 1000
	// DispatchTokens is the §5 capacity-16 dispatch-token channel: at
	// most this many proxyrace.Download calls run concurrently.
	DispatchTokens = 16
)

type result struct {
	id  quadtree.NodeId
	err error
}

// Scheduler owns the dispatch/result channels bridging one Engine to
// one proxyrace.Deps. It has no internal goroutine of its own; Tick is
// meant to be called from the same driving loop that calls
// Engine.Decide/Materialize (§5's "single-threaded frame loop").
type Scheduler struct {
	Engine   *quadtree.Engine
	Deps     *proxyrace.Deps
	Registry *registry.Registry
	Log      *zap.SugaredLogger

	dispatchTokens chan struct{}
	results        chan result
}

// New constructs a Scheduler wired to engine and deps.
func New(engine *quadtree.Engine, deps *proxyrace.Deps, reg *registry.Registry, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Engine:         engine,
		Deps:           deps,
		Registry:       reg,
		Log:            log,
		dispatchTokens: make(chan struct{}, DispatchTokens),
		results:        make(chan result, ResultBufferSize),
	}
}

// Tick drains any results delivered since the last call, then
// dispatches up to MaxDispatchPerTick new downloads, bounded by
// MaxConcurrentStarted total in-flight tiles.
func (s *Scheduler) Tick(now time.Time) (dispatched, finished, failed int) {
	finished, failed = s.drainResults(now)

	budget := MaxDispatchPerTick
	if room := MaxConcurrentStarted - s.Engine.StartedCount(); room < budget {
		budget = room
	}
	if budget <= 0 {
		return 0, finished, failed
	}

	for _, id := range s.Engine.ReadyPending(now, budget) {
		if s.dispatch(id) {
			dispatched++
		}
	}
	return dispatched, finished, failed
}

// dispatch starts one tile download if a dispatch token is free,
// marking the node Started and spawning the actual fetch in a
// goroutine that reports back on the results channel. Returns false
// without side effects if no token is currently available or the node
// has since vanished — the leaf stays Pending and is retried next
// tick's ReadyPending scan.
func (s *Scheduler) dispatch(id quadtree.NodeId) bool {
	select {
	case s.dispatchTokens <- struct{}{}:
	default:
		return false
	}

	node, ok := s.Engine.Node(id)
	if !ok {
		<-s.dispatchTokens
		return false
	}
	planet, ok := s.Engine.Planet(node.ParentPlanet)
	if !ok {
		<-s.dispatchTokens
		return false
	}
	cfg, ok := s.Registry.Get(planet.TileType)
	if !ok {
		<-s.dispatchTokens
		return false
	}

	req := request.TileFetchId{
		ServerName: planet.TileType,
		X:          node.Coord.X,
		Y:          node.Coord.Y,
		Z:          node.Coord.Z,
		Extension:  string(cfg.ImgFormat),
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Engine.MarkStarted(id, cancel); err != nil {
		cancel()
		<-s.dispatchTokens
		return false
	}

	go func() {
		defer func() { <-s.dispatchTokens }()
		err := s.runFetch(ctx, req)
		select {
		case s.results <- result{id: id, err: err}:
		default:
			if s.Log != nil {
				s.Log.Warnw("scheduler: result dropped, buffer full", "node", id)
			}
		}
	}()
	return true
}

// runFetch calls proxyrace.Download, recovering a panic into an error
// instead of letting it escape the dispatch goroutine and take the
// whole process down (§2 "no panics escape a goroutine boundary").
func (s *Scheduler) runFetch(ctx context.Context, req request.TileFetchId) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.Log != nil {
				s.Log.Errorw("scheduler: dispatch goroutine panicked", "recovered", r)
			}
			err = fmt.Errorf("scheduler: dispatch panic: %v", r)
		}
	}()
	_, err = proxyrace.Download(ctx, s.Deps, req)
	return err
}

// drainResults applies every buffered result without blocking. A
// result for a node that is no longer Started (a reconfiguration or
// merge reset it back to Pending while the fetch was in flight, per
// §4.7) is discarded as stale rather than corrupting the new state.
func (s *Scheduler) drainResults(now time.Time) (finished, failed int) {
	for {
		select {
		case r := <-s.results:
			node, ok := s.Engine.Node(r.id)
			if !ok || node.Download.Kind != quadtree.StateStarted {
				continue
			}
			if r.err == nil {
				if err := s.Engine.MarkFinished(r.id); err == nil {
					finished++
				}
				continue
			}
			if err := s.Engine.MarkFailed(r.id, now); err == nil {
				failed++
			}
			if s.Log != nil {
				s.Log.Debugw("scheduler: dispatch failed", "node", r.id, "error", r.err)
			}
		default:
			return finished, failed
		}
	}
}
