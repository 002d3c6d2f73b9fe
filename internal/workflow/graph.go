package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/pitabwire/stagetrack/model"
)

// StageSource supplies the configured stages of an organization.
type StageSource interface {
	// ListStages returns every stage of the organization with its sub-stages.
	// Order is not significant.
	ListStages(ctx context.Context, organizationID string) ([]model.Stage, error)
}

// Graph is the immutable, totally ordered view of an organization's stages
// and sub-stages. A stage with sub-stages contributes one position per
// sub-stage; a stage without contributes its bare position once.
type Graph struct {
	organizationID string
	positions      []model.GraphPosition
	index          map[model.Position]int
	stages         map[string]stageSpan
}

// stageSpan records where a stage's positions sit in the effective order.
type stageSpan struct {
	first, last  int
	hasSubStages bool
}

// LoadGraph reads an organization's stages and builds its graph.
func LoadGraph(ctx context.Context, source StageSource, organizationID string) (*Graph, error) {
	stages, err := source.ListStages(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("load stages for organization %q: %w", organizationID, err)
	}
	return BuildGraph(organizationID, stages)
}

// BuildGraph orders stages by sequence_order and expands sub-stages. It
// returns a CONFIGURATION_ERROR when the organization has no stages or when
// sequence_order values collide.
func BuildGraph(organizationID string, stages []model.Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("organization %q has no workflow stages", organizationID),
		)
	}

	sorted := make([]model.Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SequenceOrder < sorted[j].SequenceOrder
	})

	g := &Graph{
		organizationID: organizationID,
		index:          make(map[model.Position]int),
		stages:         make(map[string]stageSpan, len(sorted)),
	}

	for i, stage := range sorted {
		if i > 0 && sorted[i-1].SequenceOrder == stage.SequenceOrder {
			return nil, model.NewConfigurationError(fmt.Sprintf(
				"stages %q and %q share sequence_order %d",
				sorted[i-1].ID, stage.ID, stage.SequenceOrder,
			))
		}
		if _, dup := g.stages[stage.ID]; dup {
			return nil, model.NewConfigurationError(fmt.Sprintf("stage %q is listed twice", stage.ID))
		}

		subs, err := orderedSubStages(stage)
		if err != nil {
			return nil, err
		}

		span := stageSpan{first: len(g.positions), hasSubStages: len(subs) > 0}
		if len(subs) == 0 {
			g.append(model.Position{StageID: stage.ID}, stage.Name, "")
		}
		for _, sub := range subs {
			g.append(model.Position{StageID: stage.ID, SubStageID: sub.ID}, stage.Name, sub.Name)
		}
		span.last = len(g.positions) - 1
		g.stages[stage.ID] = span
	}

	return g, nil
}

func orderedSubStages(stage model.Stage) ([]model.SubStage, error) {
	if len(stage.SubStages) == 0 {
		return nil, nil
	}
	subs := make([]model.SubStage, len(stage.SubStages))
	copy(subs, stage.SubStages)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].SequenceOrder < subs[j].SequenceOrder
	})
	for i, sub := range subs {
		if sub.StageID != "" && sub.StageID != stage.ID {
			return nil, model.NewConfigurationError(fmt.Sprintf(
				"sub-stage %q is listed under stage %q but belongs to %q",
				sub.ID, stage.ID, sub.StageID,
			))
		}
		if i > 0 && subs[i-1].SequenceOrder == sub.SequenceOrder {
			return nil, model.NewConfigurationError(fmt.Sprintf(
				"sub-stages %q and %q of stage %q share sequence_order %d",
				subs[i-1].ID, sub.ID, stage.ID, sub.SequenceOrder,
			))
		}
	}
	return subs, nil
}

func (g *Graph) append(p model.Position, stageName, subName string) {
	idx := len(g.positions)
	g.positions = append(g.positions, model.GraphPosition{
		Index:        idx,
		Position:     p,
		StageName:    stageName,
		SubStageName: subName,
	})
	g.index[p] = idx
}

// OrganizationID returns the organization the graph was built for.
func (g *Graph) OrganizationID() string {
	return g.organizationID
}

// Len returns the number of occupiable positions.
func (g *Graph) Len() int {
	return len(g.positions)
}

// At returns the position at index i.
func (g *Graph) At(i int) model.Position {
	return g.positions[i].Position
}

// Positions returns a copy of the ordered positions with their indices.
func (g *Graph) Positions() []model.GraphPosition {
	out := make([]model.GraphPosition, len(g.positions))
	copy(out, g.positions)
	return out
}

// Describe returns the named graph entry for p, if p is occupiable.
func (g *Graph) Describe(p model.Position) (model.GraphPosition, bool) {
	idx, ok := g.index[p]
	if !ok {
		return model.GraphPosition{}, false
	}
	return g.positions[idx], true
}

// IndexOf returns the index of an occupiable position.
func (g *Graph) IndexOf(p model.Position) (int, bool) {
	idx, ok := g.index[p]
	return idx, ok
}

// HasStage reports whether the stage belongs to the graph.
func (g *Graph) HasStage(stageID string) bool {
	_, ok := g.stages[stageID]
	return ok
}

// StageEntry returns the first occupiable position of a stage: its first
// sub-stage when it has any, otherwise the bare stage.
func (g *Graph) StageEntry(stageID string) (model.Position, bool) {
	span, ok := g.stages[stageID]
	if !ok {
		return model.Position{}, false
	}
	return g.positions[span.first].Position, true
}

// StageNames returns the display names for a position, falling back to the
// raw identifiers for positions that are no longer configured.
func (g *Graph) StageNames(p model.Position) (string, string) {
	if gp, ok := g.Describe(p); ok {
		return gp.StageName, gp.SubStageName
	}
	if span, ok := g.stages[p.StageID]; ok {
		return g.positions[span.first].StageName, p.SubStageID
	}
	return p.StageID, p.SubStageID
}

// locate maps a current position onto the effective order. exact is false
// when p is a bare stage that has sub-stages; idx is then the index of that
// stage's first sub-stage and p is treated as sitting just before it.
func (g *Graph) locate(p model.Position) (idx int, exact bool, ok bool) {
	if i, found := g.index[p]; found {
		return i, true, true
	}
	if p.SubStageID == "" {
		if span, found := g.stages[p.StageID]; found && span.hasSubStages {
			return span.first, false, true
		}
	}
	return 0, false, false
}
