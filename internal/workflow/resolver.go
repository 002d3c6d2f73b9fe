package workflow

import (
	"fmt"

	"github.com/pitabwire/stagetrack/model"
)

// Resolution is the outcome of resolving a move. Terminal is set when the
// item has no further position in the requested direction; To is then zero.
type Resolution struct {
	To       model.Position
	Terminal bool
}

func resolved(p model.Position) Resolution {
	return Resolution{To: p}
}

var terminal = Resolution{Terminal: true}

// ResolveForward computes the position after current. With a nil target it
// returns the immediately following position, or a terminal Resolution when
// current is the last one. With a target it returns the target (or the first
// sub-stage of a target stage that has sub-stages), which must lie strictly
// after current.
func ResolveForward(g *Graph, current model.Position, target *model.Position) (Resolution, error) {
	idx, exact, ok := g.locate(current)
	if !ok {
		return Resolution{}, model.NewNoValidTransitionError(
			fmt.Sprintf("current position %s is not part of the workflow", current),
		)
	}

	if target == nil {
		next := idx + 1
		if !exact {
			next = idx
		}
		if next >= g.Len() {
			return terminal, nil
		}
		return resolved(g.At(next)), nil
	}

	dest, err := resolveTarget(g, *target)
	if err != nil {
		return Resolution{}, err
	}
	destIdx, _ := g.IndexOf(dest)
	if destIdx < idx || (exact && destIdx == idx) {
		return Resolution{}, model.NewInvalidTargetError(fmt.Sprintf(
			"target %s is not after current position %s", dest, current,
		))
	}
	return resolved(dest), nil
}

// ResolvePrevious computes the position immediately before current, or a
// terminal Resolution when current is the first position. Because bare
// stages with sub-stages are never occupiable, the step back from a first
// sub-stage lands on the preceding stage's last sub-stage or bare position.
func ResolvePrevious(g *Graph, current model.Position) (Resolution, error) {
	idx, _, ok := g.locate(current)
	if !ok {
		return Resolution{}, model.NewNoValidTransitionError(
			fmt.Sprintf("current position %s is not part of the workflow", current),
		)
	}
	if idx == 0 {
		return terminal, nil
	}
	return resolved(g.At(idx - 1)), nil
}

// resolveTarget turns a requested target into an occupiable position.
func resolveTarget(g *Graph, target model.Position) (model.Position, error) {
	if !g.HasStage(target.StageID) {
		return model.Position{}, model.NewInvalidTargetError(
			fmt.Sprintf("target stage %q is not part of the workflow", target.StageID),
		)
	}
	if target.SubStageID == "" {
		entry, _ := g.StageEntry(target.StageID)
		return entry, nil
	}
	if _, ok := g.IndexOf(target); !ok {
		return model.Position{}, model.NewInvalidTargetError(fmt.Sprintf(
			"target sub-stage %q does not belong to stage %q", target.SubStageID, target.StageID,
		))
	}
	return target, nil
}
