package quadtree

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.uber.org/zap"

	"github.com/nullisland/planetstream/errs"
	"github.com/nullisland/planetstream/metrics"
	"github.com/nullisland/planetstream/tilemath"
)

// SplitThreshold is SPLIT_THRESHOLD from §6.
const SplitThreshold = 0.3

// MaxLeavesPerFrame bounds the decision loop (§5 "pending decisions
// are bounded to 128 leaves per frame").
const MaxLeavesPerFrame = 128

// PostSplitPollInterval is the ≤10 Hz CheckPostSplit cadence (§4.1).
const PostSplitPollInterval = 100 * time.Millisecond

// Engine owns every planet's quadtree. It is driven entirely by the
// single-threaded frame loop (§5): no internal locking, since the only
// mutator is whoever calls Decide/Materialize/ProcessPostSplit.
type Engine struct {
	planets map[PlanetId]*Planet
	nodes   map[NodeId]*TileNode
	roots   map[PlanetId][]NodeId
	marked  map[NodeId]bool // CheckPostSplit markers, keyed by the split leaf

	// finished tracks, per planet, the Hilbert ids of every tile whose
	// download has reached Finished — FinishedCount, the cover-property
	// diagnostic, queries this instead of walking the tree, the same
	// role pmtiles/bitmap.go's roaring64 sets play for directory
	// coverage. Reconfigure's reset/aborted counts come from a tree walk.
	finished map[PlanetId]*roaring64.Bitmap

	nextPlanet PlanetId
	nextNode   NodeId

	rng     *rand.Rand
	metrics *metrics.M
	log     *zap.SugaredLogger
}

// New constructs an empty Engine.
func New(m *metrics.M, log *zap.SugaredLogger) *Engine {
	return &Engine{
		planets:  make(map[PlanetId]*Planet),
		nodes:    make(map[NodeId]*TileNode),
		roots:    make(map[PlanetId][]NodeId),
		marked:   make(map[NodeId]bool),
		finished: make(map[PlanetId]*roaring64.Bitmap),
		rng:      rand.New(rand.NewSource(1)),
		metrics:  m,
		log:      log,
	}
}

// AddPlanet registers p and spawns its root tiles in state Pending
// (§8 "Root-level spawn" scenario).
func (e *Engine) AddPlanet(p Planet) PlanetId {
	id := e.nextPlanet
	e.nextPlanet++
	cp := p
	e.planets[id] = &cp
	e.finished[id] = roaring64.New()

	roots := tilemath.RootTiles(p.RootZoom)
	ids := make([]NodeId, 0, len(roots))
	for _, coord := range roots {
		nodeID := e.spawnNode(id, coord, nil, p.RadiusMeters)
		ids = append(ids, nodeID)
	}
	e.roots[id] = ids
	return id
}

func (e *Engine) spawnNode(planetID PlanetId, coord tilemath.Coord, parent *NodeId, radius float64) NodeId {
	id := e.nextNode
	e.nextNode++
	patch := coord.Patch(radius)
	e.nodes[id] = &TileNode{
		Coord:             coord,
		ParentNode:        parent,
		ParentPlanet:      planetID,
		CartesianDiagonal: patch.Diagonal,
		Center:            patch.Center,
		Download:          NewPendingState(),
		Visibility:        VisibleSelf,
		CheckAfter:        time.Time{},
	}
	return id
}

// Node returns a read-only snapshot of one node's state.
func (e *Engine) Node(id NodeId) (TileNode, bool) {
	n, ok := e.nodes[id]
	if !ok {
		return TileNode{}, false
	}
	return *n, true
}

// Planet returns a snapshot of a registered planet.
func (e *Engine) Planet(id PlanetId) (Planet, bool) {
	p, ok := e.planets[id]
	if !ok {
		return Planet{}, false
	}
	return *p, true
}

// PlanetByName looks up a planet id by its Name field, for the debug
// HTTP endpoint (§4.9).
func (e *Engine) PlanetByName(name string) (PlanetId, bool) {
	for id, p := range e.planets {
		if p.Name == name {
			return id, true
		}
	}
	return 0, false
}

// RootNodes returns planet id's root node ids.
func (e *Engine) RootNodes(id PlanetId) []NodeId {
	out := make([]NodeId, len(e.roots[id]))
	copy(out, e.roots[id])
	return out
}

// Leaves returns every leaf NodeId across every planet. Map iteration
// order in Go is randomized per run, satisfying the "≤128 randomly
// chosen leaves" requirement without a separate shuffle step.
func (e *Engine) Leaves() []NodeId {
	out := make([]NodeId, 0, len(e.nodes))
	for id, n := range e.nodes {
		if n.IsLeaf() {
			out = append(out, id)
		}
	}
	return out
}

// ReadyPending returns up to limit leaf NodeIds whose download is
// Pending and whose backoff window has elapsed, for the scheduler's
// dispatch pass (§5). Map iteration order randomizes which leaves are
// chosen when more than limit are ready.
func (e *Engine) ReadyPending(now time.Time, limit int) []NodeId {
	out := make([]NodeId, 0, limit)
	for id, n := range e.nodes {
		if limit > 0 && len(out) >= limit {
			break
		}
		if n.IsLeaf() && n.Download.Ready(now) {
			out = append(out, id)
		}
	}
	return out
}

// StartedCount reports how many nodes across every planet are
// currently Started, for the scheduler's concurrency cap (§5).
func (e *Engine) StartedCount() int {
	n := 0
	for _, node := range e.nodes {
		if node.Download.Kind == StateStarted {
			n++
		}
	}
	return n
}

// MarkStarted transitions a leaf's download state to Started, the
// scheduler's dispatch hook (§4.1/§4.2 integration point).
func (e *Engine) MarkStarted(id NodeId, abort func()) error {
	n, ok := e.nodes[id]
	if !ok {
		return errs.Shape{Reason: fmt.Sprintf("node %d vanished before dispatch", id)}
	}
	n.Download.Start(abort)
	if e.metrics != nil {
		e.metrics.StartedTiles.Inc()
	}
	return nil
}

// MarkFinished transitions a node's download state to Finished.
func (e *Engine) MarkFinished(id NodeId) error {
	n, ok := e.nodes[id]
	if !ok {
		return errs.Shape{Reason: fmt.Sprintf("node %d vanished before finish", id)}
	}
	n.Download.Succeed()
	if b := e.finished[n.ParentPlanet]; b != nil {
		b.Add(tilemath.ZxyToID(n.Coord.Z, n.Coord.X, n.Coord.Y))
	}
	if e.metrics != nil {
		e.metrics.StartedTiles.Dec()
	}
	return nil
}

// MarkFailed transitions a node's download state back to Pending with
// backoff, per §4.1's failure edge.
func (e *Engine) MarkFailed(id NodeId, now time.Time) error {
	n, ok := e.nodes[id]
	if !ok {
		return errs.Shape{Reason: fmt.Sprintf("node %d vanished before fail", id)}
	}
	wasStarted := n.Download.Kind == StateStarted
	n.Download.Fail(now, e.rng)
	if wasStarted && e.metrics != nil {
		e.metrics.StartedTiles.Dec()
	}
	return nil
}

// FinishedCount returns how many tiles of planet id currently carry a
// Finished download, via the roaring64 bitmap rather than a tree walk.
func (e *Engine) FinishedCount(id PlanetId) uint64 {
	b, ok := e.finished[id]
	if !ok {
		return 0
	}
	return b.GetCardinality()
}

// Stats summarizes the current tree shape across every planet, for
// diagnostics and tests.
type Stats struct {
	Planets   int
	Nodes     int
	Leaves    int
	Pending   int
	Started   int
	Finished  int
	PostSplit int
}

// Stats computes a fresh snapshot.
func (e *Engine) Stats() Stats {
	s := Stats{Planets: len(e.planets), Nodes: len(e.nodes), PostSplit: len(e.marked)}
	for _, n := range e.nodes {
		if n.IsLeaf() {
			s.Leaves++
		}
		switch n.Download.Kind {
		case StatePending:
			s.Pending++
		case StateStarted:
			s.Started++
		case StateFinished:
			s.Finished++
		}
	}
	return s
}

// PlanetStats computes a Stats snapshot scoped to one planet, backing
// the `/debug/planet/{name}` endpoint (§4.9).
func (e *Engine) PlanetStats(id PlanetId) Stats {
	s := Stats{Planets: 1}
	for leafID, n := range e.nodes {
		if n.ParentPlanet != id {
			continue
		}
		s.Nodes++
		if n.IsLeaf() {
			s.Leaves++
		}
		switch n.Download.Kind {
		case StatePending:
			s.Pending++
		case StateStarted:
			s.Started++
		case StateFinished:
			s.Finished++
		}
		if e.marked[leafID] {
			s.PostSplit++
		}
	}
	return s
}

// CheckInvariants walks every node and returns the first violation
// found, per §4.1's invariants ("children.len() ∈ {0,4}", "no node can
// be simultaneously in children of two parents", parent back-pointers
// resolve). Intended for tests and for a debug assertion pass, not the
// hot path.
func (e *Engine) CheckInvariants() error {
	owner := make(map[NodeId]NodeId)
	for id, n := range e.nodes {
		if len(n.Children) != 0 && len(n.Children) != 4 {
			return errs.Shape{Reason: fmt.Sprintf("node %d has %d children, want 0 or 4", id, len(n.Children))}
		}
		for _, c := range n.Children {
			if prev, dup := owner[c]; dup {
				return errs.Shape{Reason: fmt.Sprintf("node %d claimed by both %d and %d", c, prev, id)}
			}
			owner[c] = id
			child, ok := e.nodes[c]
			if !ok {
				return errs.Shape{Reason: fmt.Sprintf("node %d's child %d does not exist", id, c)}
			}
			if child.ParentNode == nil || *child.ParentNode != id {
				return errs.Shape{Reason: fmt.Sprintf("node %d's child %d has mismatched parent pointer", id, c)}
			}
		}
	}
	return nil
}
