package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stagetrack/model"
)

// Bottleneck list bounds and the default rework window.
const (
	DefaultBottleneckLimit = 10
	MaxBottleneckLimit     = 100
	DefaultReworkWindow    = 7 * 24 * time.Hour
	DefaultActivityLimit   = 15

	maxStageNameLength = 200
)

// Insights answers the read-side questions about an organization's workflow
// and manages its stage configuration.
type Insights struct {
	store  Store
	graphs *GraphCache
	now    func() time.Time
}

// NewInsights creates the read service. Graphs are served from graphs.
func NewInsights(store Store, graphs *GraphCache) *Insights {
	return &Insights{
		store:  store,
		graphs: graphs,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Workflow returns the organization's ordered positions.
func (s *Insights) Workflow(ctx context.Context, organizationID string) ([]model.GraphPosition, error) {
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return g.Positions(), nil
}

// ItemHistory returns the item's history with names and dwell times, oldest
// first. Open entries dwell until now.
func (s *Insights) ItemHistory(ctx context.Context, organizationID, itemID string) ([]model.HistoryView, error) {
	entries, err := s.store.ItemHistory(ctx, organizationID, itemID)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.views(g, entries), nil
}

// ReworkTargets lists where a rework of the item would land. The list is empty
// when the item rests at the first position.
func (s *Insights) ReworkTargets(ctx context.Context, organizationID, itemID string) ([]model.GraphPosition, error) {
	item, err := s.store.GetItem(ctx, organizationID, itemID)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	res, err := ResolvePrevious(g, item.Position)
	if err != nil {
		return nil, err
	}
	if res.Terminal {
		return []model.GraphPosition{}, nil
	}
	gp, _ := g.Describe(res.To)
	return []model.GraphPosition{gp}, nil
}

// Bottlenecks returns the open entries that have dwelt the longest. limit
// defaults to DefaultBottleneckLimit and is capped at MaxBottleneckLimit.
func (s *Insights) Bottlenecks(ctx context.Context, organizationID string, limit int) ([]model.HistoryView, error) {
	switch {
	case limit <= 0:
		limit = DefaultBottleneckLimit
	case limit > MaxBottleneckLimit:
		limit = MaxBottleneckLimit
	}
	entries, err := s.store.LongestOpenEntries(ctx, organizationID, limit)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.views(g, entries), nil
}

// ItemsAt lists the items resting at a position with how long each has been
// there. A stage that has sub-stages must be queried per sub-stage.
func (s *Insights) ItemsAt(ctx context.Context, organizationID string, p model.Position) ([]model.PositionItem, error) {
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if !g.HasStage(p.StageID) {
		return nil, model.Errorf(model.ErrNotFound, "stage %q not found", p.StageID)
	}
	if _, ok := g.IndexOf(p); !ok {
		if p.SubStageID == "" {
			return nil, model.Errorf(model.ErrBadRequest, "stage %q has sub-stages; a sub-stage is required", p.StageID)
		}
		return nil, model.Errorf(model.ErrNotFound, "sub-stage %q not found in stage %q", p.SubStageID, p.StageID)
	}

	items, err := s.store.ItemsAtPosition(ctx, organizationID, p)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range items {
		if at := items[i].EnteredAt; at != nil {
			items[i].DwellSeconds = int64(now.Sub(*at) / time.Second)
		}
	}
	if items == nil {
		items = []model.PositionItem{}
	}
	return items, nil
}

// RecentActivity returns the newest history entries, most recent first.
// limit defaults to DefaultActivityLimit and is capped at MaxBottleneckLimit.
func (s *Insights) RecentActivity(ctx context.Context, organizationID string, limit int) ([]model.HistoryView, error) {
	switch {
	case limit <= 0:
		limit = DefaultActivityLimit
	case limit > MaxBottleneckLimit:
		limit = MaxBottleneckLimit
	}
	entries, err := s.store.RecentEntries(ctx, organizationID, limit)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return s.views(g, entries), nil
}

// Overview counts the items at every position in graph order. Empty
// positions are reported with a zero count.
func (s *Insights) Overview(ctx context.Context, organizationID string) ([]model.PositionCount, error) {
	g, err := s.graphs.Graph(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByPosition(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	out := make([]model.PositionCount, 0, g.Len())
	for _, gp := range g.Positions() {
		out = append(out, model.PositionCount{GraphPosition: gp, ItemCount: counts[gp.Position]})
	}
	return out, nil
}

// ReworkCount returns the number of reworks entered since the cutoff. A zero
// cutoff counts the last DefaultReworkWindow.
func (s *Insights) ReworkCount(ctx context.Context, organizationID string, since time.Time) (int, error) {
	if since.IsZero() {
		since = s.now().Add(-DefaultReworkWindow)
	}
	return s.store.CountReworks(ctx, organizationID, since)
}

// CreateStage appends a stage to the organization's workflow.
func (s *Insights) CreateStage(ctx context.Context, organizationID, name string) (model.Stage, error) {
	name, err := stageName(name)
	if err != nil {
		return model.Stage{}, err
	}
	stage, err := s.store.CreateStage(ctx, organizationID, name)
	if err != nil {
		return model.Stage{}, err
	}
	s.graphs.Invalidate(organizationID)
	return stage, nil
}

// CreateSubStage appends a sub-stage to a stage. It fails with CONFLICT while
// items rest on the bare stage.
func (s *Insights) CreateSubStage(ctx context.Context, organizationID, stageID, name string) (model.SubStage, error) {
	name, err := stageName(name)
	if err != nil {
		return model.SubStage{}, err
	}
	sub, err := s.store.CreateSubStage(ctx, organizationID, stageID, name)
	if err != nil {
		return model.SubStage{}, err
	}
	s.graphs.Invalidate(organizationID)
	return sub, nil
}

// RegisterItem places a new item on the first position of the workflow and
// opens its first history entry.
func (s *Insights) RegisterItem(ctx context.Context, rctx *model.RequestContext, orderID string, details json.RawMessage) (model.Item, error) {
	g, err := LoadGraph(ctx, s.store, rctx.OrganizationID)
	if err != nil {
		return model.Item{}, err
	}
	now := s.now()
	item := model.Item{
		ID:             uuid.New().String(),
		OrganizationID: rctx.OrganizationID,
		OrderID:        strings.TrimSpace(orderID),
		Position:       g.At(0),
		Details:        details,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry := model.HistoryEntry{
		ID:             uuid.New().String(),
		ItemID:         item.ID,
		OrganizationID: item.OrganizationID,
		Position:       item.Position,
		EnteredAt:      now,
		UserID:         rctx.SubjectID,
	}
	if err := s.store.InsertItem(ctx, item, entry); err != nil {
		return model.Item{}, err
	}
	return item, nil
}

func (s *Insights) views(g *Graph, entries []model.HistoryEntry) []model.HistoryView {
	now := s.now()
	out := make([]model.HistoryView, 0, len(entries))
	for _, e := range entries {
		stageName, subName := g.StageNames(e.Position)
		end := now
		if e.ExitedAt != nil {
			end = *e.ExitedAt
		}
		out = append(out, model.HistoryView{
			HistoryEntry: e,
			StageName:    stageName,
			SubStageName: subName,
			DwellSeconds: int64(end.Sub(e.EnteredAt) / time.Second),
		})
	}
	return out
}

func stageName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", model.NewValidationError([]model.FieldError{{
			Field: "name", Code: "REQUIRED", Message: "name is required",
		}})
	}
	if len(name) > maxStageNameLength {
		return "", model.NewValidationError([]model.FieldError{{
			Field: "name", Code: "MAX_LENGTH", Message: fmt.Sprintf("name must be at most %d characters", maxStageNameLength),
		}})
	}
	return name, nil
}
