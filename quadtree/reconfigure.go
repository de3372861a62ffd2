package quadtree

import (
	"github.com/nullisland/planetstream/errs"
	"github.com/nullisland/planetstream/tilemath"
)

// Reconfigure implements §4.7: when a planet's tile_type changes,
// every Finished or Started descendant is reset to Pending (aborting
// Started handles first), so no leaf keeps displaying stale imagery.
// It returns the counts the diagnostic line from the "Planet reconfig"
// scenario reports: reset=N, aborted=M.
func (e *Engine) Reconfigure(id PlanetId, newTileType string) (reset int, aborted int, err error) {
	planet, ok := e.planets[id]
	if !ok {
		return 0, 0, errs.Shape{Reason: "reconfigure: unknown planet"}
	}
	planet.TileType = newTileType

	for _, rootID := range e.roots[id] {
		r, a := e.resetSubtree(rootID)
		reset += r
		aborted += a
	}

	if e.log != nil {
		e.log.Infow("quadtree: planet reconfigured", "planet", planet.Name, "reset", reset, "aborted", aborted)
	}
	return reset, aborted, nil
}

// resetSubtree walks id and every descendant, resetting any non-
// Pending download state back to Pending and counting aborts.
func (e *Engine) resetSubtree(id NodeId) (reset int, aborted int) {
	n, ok := e.nodes[id]
	if !ok {
		return 0, 0
	}
	if n.Download.Kind != StatePending {
		wasStarted := n.Download.Kind == StateStarted
		wasFinished := n.Download.Kind == StateFinished
		didAbort := n.Download.Reset()
		reset++
		if wasStarted && didAbort {
			aborted++
		}
		if wasFinished {
			if b := e.finished[n.ParentPlanet]; b != nil {
				b.Remove(tilemath.ZxyToID(n.Coord.Z, n.Coord.X, n.Coord.Y))
			}
		}
	}
	for _, c := range n.Children {
		r, a := e.resetSubtree(c)
		reset += r
		aborted += a
	}
	return reset, aborted
}
