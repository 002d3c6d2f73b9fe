package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stagetrack/model"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Item transactions are serialized on one mutex and stage their writes on
// copies, so a failed unit leaves no trace.
type MemoryStore struct {
	mu      sync.RWMutex
	stages  map[string][]model.Stage // key: organization ID
	items   map[string]model.Item    // key: item ID
	history map[string][]model.HistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stages:  make(map[string][]model.Stage),
		items:   make(map[string]model.Item),
		history: make(map[string][]model.HistoryEntry),
	}
}

// PutStages replaces an organization's stage configuration. For seeding.
func (s *MemoryStore) PutStages(organizationID string, stages []model.Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[organizationID] = cloneStages(stages)
}

// ListStages returns the organization's stages with their sub-stages.
func (s *MemoryStore) ListStages(_ context.Context, organizationID string) ([]model.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneStages(s.stages[organizationID]), nil
}

// GetItem retrieves an item by ID, scoped to organization.
func (s *MemoryStore) GetItem(_ context.Context, organizationID, itemID string) (model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok || item.OrganizationID != organizationID {
		return model.Item{}, itemNotFound(itemID)
	}
	return item, nil
}

// InsertItem creates an item with its first open history entry.
func (s *MemoryStore) InsertItem(_ context.Context, item model.Item, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return model.Errorf(model.ErrConflict, "item %q already exists", item.ID)
	}
	s.items[item.ID] = item
	s.history[item.ID] = append(s.history[item.ID], entry)
	return nil
}

// WithItemTx runs fn with exclusive access to the store. Writes are applied
// only when fn succeeds.
func (s *MemoryStore) WithItemTx(ctx context.Context, organizationID, itemID string, fn func(context.Context, ItemTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.OrganizationID != organizationID {
		return itemNotFound(itemID)
	}

	tx := &memTx{
		item:    item,
		stored:  item.Position,
		history: append([]model.HistoryEntry(nil), s.history[itemID]...),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("item transaction aborted: %w", err)
	}

	s.items[itemID] = tx.item
	s.history[itemID] = tx.history
	return nil
}

// ItemHistory returns the item's entries ordered by entered_at.
func (s *MemoryStore) ItemHistory(_ context.Context, organizationID, itemID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok || item.OrganizationID != organizationID {
		return nil, itemNotFound(itemID)
	}
	out := append([]model.HistoryEntry(nil), s.history[itemID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnteredAt.Before(out[j].EnteredAt)
	})
	return out, nil
}

// LongestOpenEntries returns up to limit open entries, oldest first.
func (s *MemoryStore) LongestOpenEntries(_ context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []model.HistoryEntry
	for _, entries := range s.history {
		for _, e := range entries {
			if (organizationID == "" || e.OrganizationID == organizationID) && e.IsOpen() {
				open = append(open, e)
			}
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].EnteredAt.Equal(open[j].EnteredAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].EnteredAt.Before(open[j].EnteredAt)
	})
	if limit > 0 && limit < len(open) {
		open = open[:limit]
	}
	return open, nil
}

// ItemsAtPosition returns the items at p, longest waiting first.
func (s *MemoryStore) ItemsAtPosition(_ context.Context, organizationID string, p model.Position) ([]model.PositionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionItem
	for id, item := range s.items {
		if item.OrganizationID != organizationID || item.Position != p {
			continue
		}
		pi := model.PositionItem{Item: item}
		for _, e := range s.history[id] {
			if e.IsOpen() && (pi.EnteredAt == nil || e.EnteredAt.After(*pi.EnteredAt)) {
				at := e.EnteredAt
				pi.EnteredAt = &at
			}
		}
		out = append(out, pi)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].EnteredAt, out[j].EnteredAt
		switch {
		case a == nil || b == nil:
			if (a == nil) != (b == nil) {
				return b == nil
			}
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RecentEntries returns up to limit entries, newest first.
func (s *MemoryStore) RecentEntries(_ context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HistoryEntry
	for _, entries := range s.history {
		for _, e := range entries {
			if e.OrganizationID == organizationID {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].EnteredAt.After(out[j].EnteredAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CountByPosition returns the number of items at each position.
func (s *MemoryStore) CountByPosition(_ context.Context, organizationID string) (map[model.Position]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Position]int)
	for _, item := range s.items {
		if item.OrganizationID == organizationID {
			counts[item.Position]++
		}
	}
	return counts, nil
}

// CountReworks returns the number of rework entries entered since the cutoff.
func (s *MemoryStore) CountReworks(_ context.Context, organizationID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entries := range s.history {
		for _, e := range entries {
			if e.OrganizationID == organizationID && e.ReworkReason != "" && !e.EnteredAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

// FindLedgerAnomalies lists items with more than one open entry.
func (s *MemoryStore) FindLedgerAnomalies(_ context.Context) ([]model.LedgerAnomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerAnomaly
	for itemID, entries := range s.history {
		open := 0
		for _, e := range entries {
			if e.IsOpen() {
				open++
			}
		}
		if open > 1 {
			out = append(out, model.LedgerAnomaly{
				OrganizationID: s.items[itemID].OrganizationID,
				ItemID:         itemID,
				OpenEntries:    open,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// CreateStage appends a stage after the organization's last stage.
func (s *MemoryStore) CreateStage(_ context.Context, organizationID, name string) (model.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	for _, st := range s.stages[organizationID] {
		if st.SequenceOrder >= next {
			next = st.SequenceOrder + 1
		}
	}
	stage := model.Stage{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Name:           name,
		SequenceOrder:  next,
	}
	s.stages[organizationID] = append(s.stages[organizationID], stage)
	return stage, nil
}

// CreateSubStage appends a sub-stage to a stage.
func (s *MemoryStore) CreateSubStage(_ context.Context, organizationID, stageID, name string) (model.SubStage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages := s.stages[organizationID]
	for i := range stages {
		if stages[i].ID != stageID {
			continue
		}
		for _, item := range s.items {
			if item.OrganizationID == organizationID && item.Position == (model.Position{StageID: stageID}) {
				return model.SubStage{}, bareStageOccupied(stageID)
			}
		}
		next := 1
		for _, sub := range stages[i].SubStages {
			if sub.SequenceOrder >= next {
				next = sub.SequenceOrder + 1
			}
		}
		sub := model.SubStage{
			ID:            uuid.New().String(),
			StageID:       stageID,
			Name:          name,
			SequenceOrder: next,
		}
		stages[i].SubStages = append(stages[i].SubStages, sub)
		return sub, nil
	}
	return model.SubStage{}, model.Errorf(model.ErrNotFound, "stage %q not found", stageID)
}

// Len returns the total number of items. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

type memTx struct {
	item    model.Item
	stored  model.Position
	history []model.HistoryEntry
}

func (t *memTx) Item() model.Item { return t.item }

func (t *memTx) OpenEntries(_ context.Context, itemID string) ([]model.HistoryEntry, error) {
	if itemID != t.item.ID {
		return nil, fmt.Errorf("transaction holds item %q, not %q", t.item.ID, itemID)
	}
	var open []model.HistoryEntry
	for _, e := range t.history {
		if e.IsOpen() {
			open = append(open, e)
		}
	}
	return open, nil
}

func (t *memTx) CloseEntry(_ context.Context, entryID string, exitedAt time.Time) error {
	for i := range t.history {
		if t.history[i].ID == entryID && t.history[i].IsOpen() {
			at := exitedAt
			t.history[i].ExitedAt = &at
			return nil
		}
	}
	return fmt.Errorf("open history entry %q not found", entryID)
}

func (t *memTx) InsertEntry(_ context.Context, entry model.HistoryEntry) error {
	if entry.ItemID != t.item.ID {
		return fmt.Errorf("transaction holds item %q, not %q", t.item.ID, entry.ItemID)
	}
	t.history = append(t.history, entry)
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, from, to model.Position, at time.Time) error {
	if t.stored != from {
		return positionConflict(t.item.ID, from)
	}
	t.item.Position = to
	t.item.UpdatedAt = at
	t.stored = to
	return nil
}

func cloneStages(in []model.Stage) []model.Stage {
	if in == nil {
		return nil
	}
	out := make([]model.Stage, len(in))
	for i, st := range in {
		out[i] = st
		out[i].SubStages = append([]model.SubStage(nil), st.SubStages...)
	}
	return out
}

func itemNotFound(itemID string) error {
	return model.Errorf(model.ErrNotFound, "item %q not found", itemID)
}

func positionConflict(itemID string, expected model.Position) error {
	return model.NewConflictError(fmt.Sprintf(
		"item %q is no longer at %s", itemID, expected,
	))
}

func bareStageOccupied(stageID string) error {
	return model.NewConflictError(fmt.Sprintf(
		"stage %q has items resting on it and cannot gain sub-stages", stageID,
	))
}
