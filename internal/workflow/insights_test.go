package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/stagetrack/model"
)

func newTestInsights(t *testing.T) (*Insights, *MemoryStore) {
	t.Helper()
	mem := NewMemoryStore()
	mem.PutStages(testOrg, abStages())
	graphs := NewGraphCache(mem, time.Minute)
	t.Cleanup(graphs.Close)
	in := NewInsights(mem, graphs)
	in.now = func() time.Time { return t0 }
	return in, mem
}

func TestInsights_Workflow(t *testing.T) {
	in, _ := newTestInsights(t)
	got, err := in.Workflow(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("Workflow error: %v", err)
	}
	want := []model.Position{posA, posB1, posB2}
	if len(got) != len(want) {
		t.Fatalf("Workflow = %+v", got)
	}
	for i, p := range want {
		if got[i].Position != p || got[i].Index != i {
			t.Errorf("entry %d = %+v, want %s at %d", i, got[i], p, i)
		}
	}
	if got[1].StageName != "Sewing" || got[1].SubStageName != "Stitching" {
		t.Errorf("names = %q/%q", got[1].StageName, got[1].SubStageName)
	}
}

func TestInsights_ItemHistory(t *testing.T) {
	in, mem := newTestInsights(t)
	ex := NewExecutor(mem, &stubGate{}, WithClock(func() time.Time { return t0.Add(-30 * time.Minute) }))
	id := seedItem(t, mem, testOrg, posA, t0.Add(-time.Hour))

	if _, err := ex.Execute(context.Background(), testRctx(), model.MoveRequest{
		ItemIDs: []string{id}, Operation: model.OperationForward,
	}); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	views, err := in.ItemHistory(context.Background(), testOrg, id)
	if err != nil {
		t.Fatalf("ItemHistory error: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("views = %+v, want 2", views)
	}
	if views[0].StageName != "Cutting" || views[0].DwellSeconds != 1800 {
		t.Errorf("first view = %+v, want Cutting dwelling 1800s", views[0])
	}
	if views[1].SubStageName != "Stitching" || views[1].DwellSeconds != 1800 || !views[1].IsOpen() {
		t.Errorf("second view = %+v, want open Stitching dwelling 1800s", views[1])
	}

	_, err = in.ItemHistory(context.Background(), testOrg, "missing")
	expectCode(t, err, model.ErrNotFound)
}

func TestInsights_ReworkTargets(t *testing.T) {
	in, mem := newTestInsights(t)
	first := seedItem(t, mem, testOrg, posA, t0)
	second := seedItem(t, mem, testOrg, posB1, t0)
	legacy := seedItem(t, mem, testOrg, posB, t0)

	got, err := in.ReworkTargets(context.Background(), testOrg, first)
	if err != nil {
		t.Fatalf("ReworkTargets error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("first position targets = %+v, want none", got)
	}

	for _, id := range []string{second, legacy} {
		got, err = in.ReworkTargets(context.Background(), testOrg, id)
		if err != nil {
			t.Fatalf("ReworkTargets error: %v", err)
		}
		if len(got) != 1 || got[0].Position != posA || got[0].StageName != "Cutting" {
			t.Errorf("targets = %+v, want only %s", got, posA)
		}
	}
}

func TestInsights_Bottlenecks(t *testing.T) {
	in, mem := newTestInsights(t)
	for i := range 12 {
		seedItem(t, mem, testOrg, posA, t0.Add(-time.Duration(i+1)*time.Hour))
	}

	got, err := in.Bottlenecks(context.Background(), testOrg, 0)
	if err != nil {
		t.Fatalf("Bottlenecks error: %v", err)
	}
	if len(got) != DefaultBottleneckLimit {
		t.Fatalf("len = %d, want %d", len(got), DefaultBottleneckLimit)
	}
	if got[0].DwellSeconds != 12*3600 || got[9].DwellSeconds != 3*3600 {
		t.Errorf("dwell order = %d..%d", got[0].DwellSeconds, got[9].DwellSeconds)
	}

	got, _ = in.Bottlenecks(context.Background(), testOrg, 1000)
	if len(got) != 12 {
		t.Errorf("capped len = %d, want all 12", len(got))
	}
}

func TestInsights_OverviewIncludesEmptyPositions(t *testing.T) {
	in, mem := newTestInsights(t)
	seedItem(t, mem, testOrg, posA, t0)
	seedItem(t, mem, testOrg, posA, t0)
	seedItem(t, mem, testOrg, posB2, t0)

	got, err := in.Overview(context.Background(), testOrg)
	if err != nil {
		t.Fatalf("Overview error: %v", err)
	}
	want := []int{2, 0, 1}
	if len(got) != len(want) {
		t.Fatalf("Overview = %+v", got)
	}
	for i, n := range want {
		if got[i].ItemCount != n {
			t.Errorf("%s count = %d, want %d", got[i].Position, got[i].ItemCount, n)
		}
	}
}

func TestInsights_ReworkCountDefaultsToLastWeek(t *testing.T) {
	in, mem := newTestInsights(t)
	ex := NewExecutor(mem, &stubGate{}, WithClock(func() time.Time { return t0.Add(-8 * 24 * time.Hour) }))
	old := seedItem(t, mem, testOrg, posB1, t0.Add(-9*24*time.Hour))
	rework := model.MoveRequest{Operation: model.OperationRework, ReworkReason: "loose seam"}

	rework.ItemIDs = []string{old}
	if _, err := ex.Execute(context.Background(), testRctx(), rework); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	recent := seedItem(t, mem, testOrg, posB1, t0.Add(-2*time.Hour))
	ex = NewExecutor(mem, &stubGate{}, WithClock(func() time.Time { return t0.Add(-time.Hour) }))
	rework.ItemIDs = []string{recent}
	if _, err := ex.Execute(context.Background(), testRctx(), rework); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	n, err := in.ReworkCount(context.Background(), testOrg, time.Time{})
	if err != nil {
		t.Fatalf("ReworkCount error: %v", err)
	}
	if n != 1 {
		t.Errorf("ReworkCount = %d, want 1", n)
	}
	n, _ = in.ReworkCount(context.Background(), testOrg, t0.Add(-30*24*time.Hour))
	if n != 2 {
		t.Errorf("ReworkCount over 30 days = %d, want 2", n)
	}
}

func TestInsights_CreateStageInvalidatesGraph(t *testing.T) {
	in, _ := newTestInsights(t)
	ctx := context.Background()

	if _, err := in.Workflow(ctx, testOrg); err != nil {
		t.Fatalf("Workflow error: %v", err)
	}
	stage, err := in.CreateStage(ctx, testOrg, "  Packing ")
	if err != nil {
		t.Fatalf("CreateStage error: %v", err)
	}
	if stage.Name != "Packing" || stage.SequenceOrder != 3 {
		t.Errorf("stage = %+v, want Packing at order 3", stage)
	}
	sub, err := in.CreateSubStage(ctx, testOrg, stage.ID, "Boxing")
	if err != nil {
		t.Fatalf("CreateSubStage error: %v", err)
	}

	positions, _ := in.Workflow(ctx, testOrg)
	last := positions[len(positions)-1]
	if len(positions) != 4 || last.Position != (model.Position{StageID: stage.ID, SubStageID: sub.ID}) {
		t.Errorf("workflow after create = %+v", positions)
	}

	_, err = in.CreateStage(ctx, testOrg, "   ")
	expectCode(t, err, model.ErrValidationError)
}

func TestInsights_RegisterItem(t *testing.T) {
	in, mem := newTestInsights(t)
	ctx := context.Background()
	rctx := &model.RequestContext{SubjectID: "user-alice", OrganizationID: testOrg}

	item, err := in.RegisterItem(ctx, rctx, " order-7 ", nil)
	if err != nil {
		t.Fatalf("RegisterItem error: %v", err)
	}
	if item.Position != posA || item.OrderID != "order-7" {
		t.Errorf("item = %+v, want order-7 at %s", item, posA)
	}

	history, err := mem.ItemHistory(ctx, testOrg, item.ID)
	if err != nil {
		t.Fatalf("ItemHistory error: %v", err)
	}
	if len(history) != 1 || !history[0].IsOpen() || history[0].UserID != "user-alice" || !history[0].EnteredAt.Equal(t0) {
		t.Errorf("history = %+v, want one open entry by user-alice", history)
	}
}

func TestInsights_RegisterItem_noStages(t *testing.T) {
	in, _ := newTestInsights(t)
	rctx := &model.RequestContext{SubjectID: "user-alice", OrganizationID: "org-empty"}

	_, err := in.RegisterItem(context.Background(), rctx, "", nil)
	expectCode(t, err, model.ErrConfiguration)
}

func TestInsights_ItemsAt(t *testing.T) {
	in, mem := newTestInsights(t)
	ctx := context.Background()
	waiting := seedItem(t, mem, testOrg, posB1, t0.Add(-3*time.Hour))
	fresh := seedItem(t, mem, testOrg, posB1, t0.Add(-time.Hour))
	seedItem(t, mem, testOrg, posB2, t0)

	got, err := in.ItemsAt(ctx, testOrg, posB1)
	if err != nil {
		t.Fatalf("ItemsAt error: %v", err)
	}
	if len(got) != 2 || got[0].ID != waiting || got[1].ID != fresh {
		t.Fatalf("ItemsAt = %+v, want %s then %s", got, waiting, fresh)
	}
	if got[0].DwellSeconds != 3*3600 || !got[0].EnteredAt.Equal(t0.Add(-3*time.Hour)) {
		t.Errorf("first item = %+v, want 3h dwell", got[0])
	}

	empty, err := in.ItemsAt(ctx, testOrg, posA)
	if err != nil {
		t.Fatalf("ItemsAt error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("empty position = %#v, want empty non-nil list", empty)
	}

	tests := []struct {
		name string
		p    model.Position
		code string
	}{
		{"stage with sub-stages needs a sub-stage", posB, model.ErrBadRequest},
		{"unknown stage", model.Position{StageID: "nope"}, model.ErrNotFound},
		{"unknown sub-stage", model.Position{StageID: posB.StageID, SubStageID: "nope"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.ItemsAt(ctx, testOrg, tt.p)
			expectCode(t, err, tt.code)
		})
	}
}

func TestInsights_RecentActivity(t *testing.T) {
	in, mem := newTestInsights(t)
	for i := range 20 {
		seedItem(t, mem, testOrg, posA, t0.Add(-time.Duration(i+1)*time.Minute))
	}
	seedItem(t, mem, "org-other", posA, t0)

	got, err := in.RecentActivity(context.Background(), testOrg, 0)
	if err != nil {
		t.Fatalf("RecentActivity error: %v", err)
	}
	if len(got) != DefaultActivityLimit {
		t.Fatalf("len = %d, want %d", len(got), DefaultActivityLimit)
	}
	if !got[0].EnteredAt.Equal(t0.Add(-time.Minute)) || got[0].StageName != "Cutting" {
		t.Errorf("newest = %+v", got[0])
	}
	for i := 1; i < len(got); i++ {
		if got[i].EnteredAt.After(got[i-1].EnteredAt) {
			t.Fatalf("entry %d is newer than entry %d", i, i-1)
		}
	}
}
