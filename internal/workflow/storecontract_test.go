package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stagetrack/model"
)

// storeFactory returns a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) Store

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("stages", func(t *testing.T) { contractStages(t, newStore(t)) })
	t.Run("items", func(t *testing.T) { contractItems(t, newStore(t)) })
	t.Run("tx commit", func(t *testing.T) { contractTxCommit(t, newStore(t)) })
	t.Run("tx rollback", func(t *testing.T) { contractTxRollback(t, newStore(t)) })
	t.Run("tx compare and swap", func(t *testing.T) { contractTxCAS(t, newStore(t)) })
	t.Run("insights", func(t *testing.T) { contractInsights(t, newStore(t)) })
	t.Run("items at position", func(t *testing.T) { contractItemsAtPosition(t, newStore(t)) })
	t.Run("recent entries", func(t *testing.T) { contractRecentEntries(t, newStore(t)) })
	t.Run("concurrent batches", func(t *testing.T) { contractConcurrentBatches(t, newStore(t)) })
	t.Run("anomalies", func(t *testing.T) { contractAnomalies(t, newStore(t)) })
	t.Run("sub-stage on occupied stage", func(t *testing.T) { contractOccupiedStage(t, newStore(t)) })
}

// contractOrg isolates each run in its own organization so shared databases
// can be reused between runs.
func contractOrg() string {
	return "org-" + uuid.New().String()
}

var contractT0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seedWorkflow creates stages A and B(B1, B2) and returns their positions.
func seedWorkflow(t *testing.T, s Store, org string) (a, b1, b2 model.Position) {
	t.Helper()
	ctx := context.Background()
	stA, err := s.CreateStage(ctx, org, "Cutting")
	if err != nil {
		t.Fatalf("CreateStage error: %v", err)
	}
	stB, err := s.CreateStage(ctx, org, "Sewing")
	if err != nil {
		t.Fatalf("CreateStage error: %v", err)
	}
	sub1, err := s.CreateSubStage(ctx, org, stB.ID, "Stitching")
	if err != nil {
		t.Fatalf("CreateSubStage error: %v", err)
	}
	sub2, err := s.CreateSubStage(ctx, org, stB.ID, "Hemming")
	if err != nil {
		t.Fatalf("CreateSubStage error: %v", err)
	}
	return model.Position{StageID: stA.ID},
		model.Position{StageID: stB.ID, SubStageID: sub1.ID},
		model.Position{StageID: stB.ID, SubStageID: sub2.ID}
}

func seedItem(t *testing.T, s Store, org string, p model.Position, at time.Time) string {
	t.Helper()
	id := uuid.New().String()
	item := model.Item{ID: id, OrganizationID: org, OrderID: "order-1", Position: p, CreatedAt: at, UpdatedAt: at}
	entry := model.HistoryEntry{ID: uuid.New().String(), ItemID: id, OrganizationID: org, Position: p, EnteredAt: at, UserID: "user-alice"}
	if err := s.InsertItem(context.Background(), item, entry); err != nil {
		t.Fatalf("InsertItem error: %v", err)
	}
	return id
}

func contractStages(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, b2 := seedWorkflow(t, s, org)

	stages, err := s.ListStages(ctx, org)
	if err != nil {
		t.Fatalf("ListStages error: %v", err)
	}
	g, err := BuildGraph(org, stages)
	if err != nil {
		t.Fatalf("BuildGraph error: %v", err)
	}
	want := []model.Position{a, b1, b2}
	if g.Len() != len(want) {
		t.Fatalf("graph has %d positions, want %d", g.Len(), len(want))
	}
	for i, p := range want {
		if g.At(i) != p {
			t.Errorf("position %d = %s, want %s", i, g.At(i), p)
		}
	}

	other, err := s.ListStages(ctx, contractOrg())
	if err != nil {
		t.Fatalf("ListStages error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other organization sees %d stages", len(other))
	}

	_, err = s.CreateSubStage(ctx, contractOrg(), a.StageID, "Foreign")
	expectCode(t, err, model.ErrNotFound)
}

func contractItems(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, _, _ := seedWorkflow(t, s, org)
	id := seedItem(t, s, org, a, contractT0)

	item, err := s.GetItem(ctx, org, id)
	if err != nil {
		t.Fatalf("GetItem error: %v", err)
	}
	if item.Position != a || item.OrderID != "order-1" {
		t.Errorf("item = %+v", item)
	}

	_, err = s.GetItem(ctx, contractOrg(), id)
	expectCode(t, err, model.ErrNotFound)
	_, err = s.ItemHistory(ctx, contractOrg(), id)
	expectCode(t, err, model.ErrNotFound)

	called := false
	err = s.WithItemTx(ctx, org, "missing", func(context.Context, ItemTx) error {
		called = true
		return nil
	})
	expectCode(t, err, model.ErrNotFound)
	if called {
		t.Error("fn must not run for a missing item")
	}
}

func contractTxCommit(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, _ := seedWorkflow(t, s, org)
	id := seedItem(t, s, org, a, contractT0)
	at := contractT0.Add(2 * time.Hour)

	err := s.WithItemTx(ctx, org, id, func(ctx context.Context, tx ItemTx) error {
		if tx.Item().Position != a {
			t.Errorf("tx item position = %s", tx.Item().Position)
		}
		_, err := NewLedger(nil).Advance(ctx, tx, Advance{OrganizationID: org, ItemID: id, From: a, To: b1, UserID: "user-bob", At: at})
		if err != nil {
			return err
		}
		return tx.UpdatePosition(ctx, a, b1, at)
	})
	if err != nil {
		t.Fatalf("WithItemTx error: %v", err)
	}

	item, _ := s.GetItem(ctx, org, id)
	if item.Position != b1 {
		t.Errorf("position = %s, want %s", item.Position, b1)
	}
	history, err := s.ItemHistory(ctx, org, id)
	if err != nil {
		t.Fatalf("ItemHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].IsOpen() || !history[0].ExitedAt.Equal(at) {
		t.Errorf("first entry = %+v, want closed at %v", history[0], at)
	}
	if !history[1].IsOpen() || history[1].Position != b1 || history[1].UserID != "user-bob" {
		t.Errorf("second entry = %+v", history[1])
	}
}

func contractTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, _ := seedWorkflow(t, s, org)
	id := seedItem(t, s, org, a, contractT0)
	boom := errors.New("crash between writes")

	err := s.WithItemTx(ctx, org, id, func(ctx context.Context, tx ItemTx) error {
		at := contractT0.Add(time.Hour)
		if _, err := NewLedger(nil).Close(ctx, tx, Advance{ItemID: id, At: at}); err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, a, b1, at); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithItemTx error = %v, want %v", err, boom)
	}

	item, _ := s.GetItem(ctx, org, id)
	if item.Position != a {
		t.Errorf("position = %s after rollback, want %s", item.Position, a)
	}
	history, _ := s.ItemHistory(ctx, org, id)
	if len(history) != 1 || !history[0].IsOpen() {
		t.Errorf("history after rollback = %+v, want one open entry", history)
	}
}

func contractTxCAS(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, b2 := seedWorkflow(t, s, org)
	id := seedItem(t, s, org, a, contractT0)

	err := s.WithItemTx(ctx, org, id, func(ctx context.Context, tx ItemTx) error {
		return tx.UpdatePosition(ctx, b1, b2, contractT0)
	})
	expectCode(t, err, model.ErrConflict)

	item, _ := s.GetItem(ctx, org, id)
	if item.Position != a {
		t.Errorf("position = %s, want unchanged %s", item.Position, a)
	}
}

func contractInsights(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, _ := seedWorkflow(t, s, org)

	old := seedItem(t, s, org, a, contractT0)
	mid := seedItem(t, s, org, a, contractT0.Add(time.Hour))
	seedItem(t, s, org, b1, contractT0.Add(2*time.Hour))
	seedItem(t, s, contractOrg(), a, contractT0.Add(-time.Hour))

	open, err := s.LongestOpenEntries(ctx, org, 2)
	if err != nil {
		t.Fatalf("LongestOpenEntries error: %v", err)
	}
	if len(open) != 2 || open[0].ItemID != old || open[1].ItemID != mid {
		t.Errorf("LongestOpenEntries = %+v, want %s then %s", open, old, mid)
	}

	all, err := s.LongestOpenEntries(ctx, "", 1000)
	if err != nil {
		t.Fatalf("LongestOpenEntries across organizations error: %v", err)
	}
	if len(all) < 4 || !all[0].EnteredAt.Before(contractT0) {
		t.Errorf("LongestOpenEntries across organizations = %+v", all)
	}

	counts, err := s.CountByPosition(ctx, org)
	if err != nil {
		t.Fatalf("CountByPosition error: %v", err)
	}
	if counts[a] != 2 || counts[b1] != 1 || len(counts) != 2 {
		t.Errorf("CountByPosition = %v", counts)
	}

	// Move mid with a rework reason recorded on the new entry.
	at := contractT0.Add(3 * time.Hour)
	err = s.WithItemTx(ctx, org, mid, func(ctx context.Context, tx ItemTx) error {
		if err := tx.UpdatePosition(ctx, a, b1, at); err != nil {
			return err
		}
		_, err := NewLedger(nil).Advance(ctx, tx, Advance{OrganizationID: org, ItemID: mid, From: a, To: b1, At: at, ReworkReason: "recut"})
		return err
	})
	if err != nil {
		t.Fatalf("WithItemTx error: %v", err)
	}

	n, err := s.CountReworks(ctx, org, contractT0)
	if err != nil {
		t.Fatalf("CountReworks error: %v", err)
	}
	if n != 1 {
		t.Errorf("CountReworks = %d, want 1", n)
	}
	n, _ = s.CountReworks(ctx, org, at.Add(time.Second))
	if n != 0 {
		t.Errorf("CountReworks after cutoff = %d, want 0", n)
	}
}

func contractAnomalies(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, _ := seedWorkflow(t, s, org)
	healthy := seedItem(t, s, org, a, contractT0)
	broken := seedItem(t, s, org, a, contractT0)

	// A second open entry without closing the first.
	err := s.WithItemTx(ctx, org, broken, func(ctx context.Context, tx ItemTx) error {
		_, err := NewLedger(nil).Open(ctx, tx, Advance{OrganizationID: org, ItemID: broken, To: b1, At: contractT0.Add(time.Minute)})
		return err
	})
	if err != nil {
		t.Fatalf("WithItemTx error: %v", err)
	}

	anomalies, err := s.FindLedgerAnomalies(ctx)
	if err != nil {
		t.Fatalf("FindLedgerAnomalies error: %v", err)
	}
	var found bool
	for _, an := range anomalies {
		if an.ItemID == healthy {
			t.Errorf("healthy item reported: %+v", an)
		}
		if an.ItemID == broken {
			found = true
			if an.OpenEntries != 2 || an.OrganizationID != org {
				t.Errorf("anomaly = %+v", an)
			}
		}
	}
	if !found {
		t.Errorf("anomalies = %+v, missing %s", anomalies, broken)
	}
}

func contractOccupiedStage(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	st, err := s.CreateStage(ctx, org, "Dyeing")
	if err != nil {
		t.Fatalf("CreateStage error: %v", err)
	}
	seedItem(t, s, org, model.Position{StageID: st.ID}, contractT0)

	_, err = s.CreateSubStage(ctx, org, st.ID, "Rinse")
	expectCode(t, err, model.ErrConflict)
}

func contractItemsAtPosition(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, b2 := seedWorkflow(t, s, org)

	fresh := seedItem(t, s, org, b1, contractT0.Add(2*time.Hour))
	waiting := seedItem(t, s, org, b1, contractT0)
	seedItem(t, s, org, b2, contractT0)
	seedItem(t, s, org, a, contractT0)
	seedItem(t, s, contractOrg(), b1, contractT0)

	// moved reaches b1 later than waiting, through a closed entry at a.
	moved := seedItem(t, s, org, a, contractT0.Add(-time.Hour))
	movedAt := contractT0.Add(time.Hour)
	err := s.WithItemTx(ctx, org, moved, func(ctx context.Context, tx ItemTx) error {
		if _, err := NewLedger(nil).Advance(ctx, tx, Advance{OrganizationID: org, ItemID: moved, From: a, To: b1, At: movedAt}); err != nil {
			return err
		}
		return tx.UpdatePosition(ctx, a, b1, movedAt)
	})
	if err != nil {
		t.Fatalf("WithItemTx error: %v", err)
	}

	got, err := s.ItemsAtPosition(ctx, org, b1)
	if err != nil {
		t.Fatalf("ItemsAtPosition error: %v", err)
	}
	want := []struct {
		id string
		at time.Time
	}{{waiting, contractT0}, {moved, movedAt}, {fresh, contractT0.Add(2 * time.Hour)}}
	if len(got) != len(want) {
		t.Fatalf("ItemsAtPosition = %+v, want %d items", got, len(want))
	}
	for i, w := range want {
		if got[i].ID != w.id || got[i].EnteredAt == nil || !got[i].EnteredAt.Equal(w.at) {
			t.Errorf("item %d = %s entered %v, want %s entered %v", i, got[i].ID, got[i].EnteredAt, w.id, w.at)
		}
		if got[i].Position != b1 || got[i].OrganizationID != org {
			t.Errorf("item %d = %+v", i, got[i].Item)
		}
	}

	bare, err := s.ItemsAtPosition(ctx, org, model.Position{StageID: b1.StageID})
	if err != nil {
		t.Fatalf("ItemsAtPosition error: %v", err)
	}
	if len(bare) != 0 {
		t.Errorf("bare stage lists %d items, want none", len(bare))
	}
}

func contractRecentEntries(t *testing.T, s Store) {
	ctx := context.Background()
	org := contractOrg()
	a, b1, _ := seedWorkflow(t, s, org)

	first := seedItem(t, s, org, a, contractT0)
	second := seedItem(t, s, org, a, contractT0.Add(time.Minute))
	seedItem(t, s, contractOrg(), a, contractT0.Add(time.Hour))
	at := contractT0.Add(2 * time.Minute)
	err := s.WithItemTx(ctx, org, first, func(ctx context.Context, tx ItemTx) error {
		if _, err := NewLedger(nil).Advance(ctx, tx, Advance{OrganizationID: org, ItemID: first, From: a, To: b1, At: at, UserID: "user-bob"}); err != nil {
			return err
		}
		return tx.UpdatePosition(ctx, a, b1, at)
	})
	if err != nil {
		t.Fatalf("WithItemTx error: %v", err)
	}

	got, err := s.RecentEntries(ctx, org, 2)
	if err != nil {
		t.Fatalf("RecentEntries error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentEntries = %+v, want 2", got)
	}
	if got[0].ItemID != first || got[0].Position != b1 || got[0].UserID != "user-bob" {
		t.Errorf("newest = %+v, want %s entering %s", got[0], first, b1)
	}
	if got[1].ItemID != second {
		t.Errorf("second newest = %+v, want %s", got[1], second)
	}

	all, _ := s.RecentEntries(ctx, org, 100)
	if len(all) != 3 {
		t.Errorf("RecentEntries = %d entries, want 3", len(all))
	}
}

type allowAll struct{}

func (allowAll) Authorize(*model.RequestContext, string) error { return nil }

// contractConcurrentBatches races single-item forward batches for one item.
// The moves must serialize: two succeed, the rest find the item at the end.
func contractConcurrentBatches(t *testing.T, s Store) {
	const movers = 12
	org := contractOrg()
	a, b1, b2 := seedWorkflow(t, s, org)
	id := seedItem(t, s, org, a, contractT0)

	var tick atomic.Int64
	ex := NewExecutor(s, allowAll{}, WithClock(func() time.Time {
		return contractT0.Add(time.Duration(tick.Add(1)) * time.Minute)
	}))
	rctx := &model.RequestContext{SubjectID: "user-bob", OrganizationID: org, Roles: []string{model.RoleWorker}}
	req := model.MoveRequest{ItemIDs: []string{id}, Operation: model.OperationForward}

	results := make([]model.BatchResult, movers)
	errs := make([]error, movers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range movers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = ex.Execute(context.Background(), rctx, req)
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("batch %d error: %v", i, errs[i])
		}
		succeeded += len(res.Succeeded)
		for _, f := range res.Failed {
			if f.Code != model.ErrNoValidTransition {
				t.Errorf("batch %d failure = %+v, want NO_VALID_TRANSITION", i, f)
			}
		}
	}
	if succeeded != 2 {
		t.Errorf("succeeded moves = %d, want 2", succeeded)
	}

	ctx := context.Background()
	item, err := s.GetItem(ctx, org, id)
	if err != nil {
		t.Fatalf("GetItem error: %v", err)
	}
	if item.Position != b2 {
		t.Errorf("position = %s, want %s", item.Position, b2)
	}

	history, err := s.ItemHistory(ctx, org, id)
	if err != nil {
		t.Fatalf("ItemHistory error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %+v, want 3 entries", history)
	}
	for i, want := range []model.Position{a, b1, b2} {
		if history[i].Position != want {
			t.Errorf("entry %d at %s, want %s", i, history[i].Position, want)
		}
	}
	open := 0
	for i, e := range history {
		if e.IsOpen() {
			open++
			continue
		}
		if i+1 < len(history) && !e.ExitedAt.Equal(history[i+1].EnteredAt) {
			t.Errorf("entry %d exited %v, next entered %v", i, e.ExitedAt, history[i+1].EnteredAt)
		}
	}
	if open != 1 || !history[2].IsOpen() {
		t.Errorf("open entries = %d, want only the last", open)
	}
}
