package quadtree

import (
	"fmt"
	"time"

	"github.com/nullisland/planetstream/errs"
	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/tilemath"
)

// Plan is the output of Decide: what Materialize should do next frame
// (§5's PostUpdate-decide / PreUpdate-materialize split, collapsed
// into two explicit calls since this package has no ECS scheduler of
// its own).
type Plan struct {
	Splits       []NodeId
	MergeParents []NodeId
}

// effectiveCoverage computes effective coverage for one leaf against a camera and
// planet position, per §4.1.
func effectiveCoverage(n *TileNode, cameraPos, planetPos tilemath.Vec3) (coverage, facing, effective float64) {
	tilePos := n.Center
	toCamera := tilePos.Sub(cameraPos) // d = ||tile_pos - camera_pos||, order doesn't affect length
	d := toCamera.Length()
	if d == 0 {
		d = 1e-9
	}
	coverage = n.CartesianDiagonal / d

	outward := tilePos.Sub(planetPos)
	toCam := cameraPos.Sub(planetPos)
	denom := outward.Length() * toCam.Length()
	if denom == 0 {
		facing = 0
	} else {
		facing = toCam.Dot(outward) / denom
	}
	effective = coverage * facing
	return
}

// Decide runs the per-leaf decision loop (§4.1) over up to
// MaxLeavesPerFrame leaves whose CheckAfter has elapsed, for every
// planet with a known camera/planet position pair.
func (e *Engine) Decide(now time.Time, cameraPos tilemath.Vec3, planetPos map[PlanetId]tilemath.Vec3, reg *registry.Registry) Plan {
	var plan Plan
	mergeVotes := make(map[NodeId]int)
	candidates := e.Leaves()

	checked := 0
	for _, id := range candidates {
		if checked >= MaxLeavesPerFrame {
			break
		}
		n, ok := e.nodes[id]
		if !ok {
			continue
		}
		if n.CheckAfter.After(now) {
			continue
		}
		checked++

		pPos, ok := planetPos[n.ParentPlanet]
		if !ok {
			continue
		}
		planet := e.planets[n.ParentPlanet]
		if planet == nil {
			continue
		}
		cfg, ok := reg.Get(planet.TileType)
		if !ok {
			continue
		}

		_, _, effective := effectiveCoverage(n, cameraPos, pPos)

		switch {
		case effective > SplitThreshold && n.Coord.Z < cfg.MaxLevel:
			plan.Splits = append(plan.Splits, id)
		case !n.IsRoot() && (n.Coord.Z > cfg.MaxLevel || effective < SplitThreshold/4):
			if n.ParentNode != nil {
				mergeVotes[*n.ParentNode]++
			}
		default:
			n.CheckAfter = now.Add(time.Second + jitter100ms(e.rng))
		}
	}

	for parentID, votes := range mergeVotes {
		if votes >= 4 {
			plan.MergeParents = append(plan.MergeParents, parentID)
		}
	}
	return plan
}

func jitter100ms(rng interface{ Float64() float64 }) time.Duration {
	return time.Duration(rng.Float64() * float64(100*time.Millisecond))
}

// Materialize applies a Plan: splits process before merges, per §4.1's
// tie-breaker ("both sides ... are enforced by processing split
// requests first").
func (e *Engine) Materialize(plan Plan) (splitCount, mergeCount int, err error) {
	for _, id := range plan.Splits {
		if err := e.split(id); err != nil {
			if e.log != nil {
				e.log.Warnw("quadtree: split failed", "node", id, "error", err)
			}
			continue
		}
		splitCount++
	}
	for _, parentID := range plan.MergeParents {
		ok, err := e.merge(parentID)
		if err != nil {
			if e.log != nil {
				e.log.Warnw("quadtree: merge failed", "node", parentID, "error", err)
			}
			continue
		}
		if ok {
			mergeCount++
		}
	}
	if e.metrics != nil {
		e.metrics.SplitCount.Add(float64(splitCount))
		e.metrics.MergeCount.Add(float64(mergeCount))
	}
	return splitCount, mergeCount, nil
}

// split turns leaf L into an interior node with four fresh Pending
// children, and attaches a CheckPostSplit marker (§4.1 step "Split").
func (e *Engine) split(leafID NodeId) error {
	leaf, ok := e.nodes[leafID]
	if !ok {
		return errs.Shape{Reason: fmt.Sprintf("split target %d vanished", leafID)}
	}
	if !leaf.IsLeaf() {
		return errs.Shape{Reason: fmt.Sprintf("split target %d is not a leaf", leafID)}
	}
	planet := e.planets[leaf.ParentPlanet]
	if planet == nil {
		return errs.Shape{Reason: fmt.Sprintf("split target %d's planet vanished", leafID)}
	}

	leaf.Visibility = VisibleUntilReplacement

	children := leaf.Coord.Children()
	ids := make([]NodeId, 0, 4)
	for _, c := range children {
		parentID := leafID
		childID := e.spawnNode(leaf.ParentPlanet, c, &parentID, planet.RadiusMeters)
		ids = append(ids, childID)
	}
	leaf.Children = ids
	e.marked[leafID] = true
	return nil
}

// merge collapses interior node P back into a leaf, aborting any
// Started download in the subtree and despawning descendants (§4.1
// step "Merge"). ok=false means the merge was not honored (a sibling
// already split away from being a leaf, or P vanished, in which case
// any children still pointing at P are despawned).
func (e *Engine) merge(parentID NodeId) (bool, error) {
	parent, ok := e.nodes[parentID]
	if !ok {
		// Despawn any orphans still pointing at the vanished parent.
		for id, n := range e.nodes {
			if n.ParentNode != nil && *n.ParentNode == parentID {
				e.despawnSubtree(id)
			}
		}
		return false, errs.Shape{Reason: fmt.Sprintf("merge target %d vanished", parentID)}
	}
	if len(parent.Children) != 4 {
		return false, nil
	}
	for _, c := range parent.Children {
		child, ok := e.nodes[c]
		if !ok {
			return false, errs.Shape{Reason: fmt.Sprintf("merge target %d's child %d vanished", parentID, c)}
		}
		if !child.IsLeaf() {
			return false, nil
		}
	}

	for _, c := range parent.Children {
		e.despawnSubtree(c)
	}
	parent.Children = nil
	parent.Visibility = VisibleSelf
	parent.CheckAfter = time.Time{}
	delete(e.marked, parentID)
	return true, nil
}

// despawnSubtree removes id and everything below it, aborting any
// in-flight download first.
func (e *Engine) despawnSubtree(id NodeId) {
	n, ok := e.nodes[id]
	if !ok {
		return
	}
	if n.Download.Kind == StateFinished {
		if b := e.finished[n.ParentPlanet]; b != nil {
			b.Remove(tilemath.ZxyToID(n.Coord.Z, n.Coord.X, n.Coord.Y))
		}
	}
	n.Download.Reset()
	for _, c := range n.Children {
		e.despawnSubtree(c)
	}
	delete(e.nodes, id)
	delete(e.marked, id)
}

// ProcessPostSplit polls every CheckPostSplit marker: once all four
// children of a split leaf are Finished, the leaf flips to
// ReplacedByChildren and the marker is dropped (§4.1 step 3). Intended
// to be called at PostSplitPollInterval cadence.
func (e *Engine) ProcessPostSplit() {
	for leafID := range e.marked {
		leaf, ok := e.nodes[leafID]
		if !ok {
			delete(e.marked, leafID)
			continue
		}
		if len(leaf.Children) != 4 {
			delete(e.marked, leafID)
			continue
		}
		allFinished := true
		lost := false
		for _, c := range leaf.Children {
			child, ok := e.nodes[c]
			if !ok {
				lost = true
				break
			}
			if child.Download.Kind != StateFinished {
				allFinished = false
			}
		}
		if lost {
			delete(e.marked, leafID)
			if e.metrics != nil {
				e.metrics.ShapeErrors.Inc()
			}
			continue
		}
		if allFinished {
			leaf.Visibility = ReplacedByChildren
			delete(e.marked, leafID)
		}
	}
}
