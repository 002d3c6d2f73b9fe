package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/model"
)

// Advance describes one ledger step for an item.
type Advance struct {
	OrganizationID string
	ItemID         string
	From           model.Position
	To             model.Position
	UserID         string
	At             time.Time
	ReworkReason   string
}

// Ledger maintains the append-only history of item positions. It never
// repairs data: an item with more than one open entry is reported and left
// untouched.
type Ledger struct {
	logger          *zap.Logger
	onInconsistency func()
}

// NewLedger creates a ledger that reports data-integrity alerts to logger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger}
}

// Advance closes the item's open entry, if any, and opens a new one at a.To.
func (l *Ledger) Advance(ctx context.Context, tx LedgerTx, a Advance) (model.HistoryEntry, error) {
	if _, err := l.Close(ctx, tx, a); err != nil {
		return model.HistoryEntry{}, err
	}
	return l.Open(ctx, tx, a)
}

// Close sets exited_at on the item's open entry. It returns the closed entry,
// or nil for an item that has never been placed.
func (l *Ledger) Close(ctx context.Context, tx LedgerTx, a Advance) (*model.HistoryEntry, error) {
	open, err := tx.OpenEntries(ctx, a.ItemID)
	if err != nil {
		return nil, fmt.Errorf("read open history for item %q: %w", a.ItemID, err)
	}

	switch len(open) {
	case 0:
		return nil, nil
	case 1:
	default:
		l.alert(a, open)
		return nil, model.NewLedgerInconsistencyError(fmt.Sprintf(
			"item %q has %d open history entries", a.ItemID, len(open),
		))
	}

	entry := open[0]
	if err := tx.CloseEntry(ctx, entry.ID, a.At); err != nil {
		return nil, fmt.Errorf("close history entry %q: %w", entry.ID, err)
	}
	exited := a.At
	entry.ExitedAt = &exited
	return &entry, nil
}

// Open inserts the new open entry at a.To. The rework reason is recorded
// verbatim; callers pass it only for rework moves.
func (l *Ledger) Open(ctx context.Context, tx LedgerTx, a Advance) (model.HistoryEntry, error) {
	entry := model.HistoryEntry{
		ID:             uuid.New().String(),
		ItemID:         a.ItemID,
		OrganizationID: a.OrganizationID,
		Position:       a.To,
		EnteredAt:      a.At,
		ReworkReason:   a.ReworkReason,
		UserID:         a.UserID,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return model.HistoryEntry{}, fmt.Errorf("open history entry for item %q: %w", a.ItemID, err)
	}
	return entry, nil
}

func (l *Ledger) alert(a Advance, open []model.HistoryEntry) {
	ids := make([]string, len(open))
	for i, e := range open {
		ids[i] = e.ID
	}
	l.logger.Error("ledger inconsistency: multiple open history entries",
		zap.String("alert", "data_integrity"),
		zap.String("organization_id", a.OrganizationID),
		zap.String("item_id", a.ItemID),
		zap.Strings("open_entry_ids", ids),
	)
	if l.onInconsistency != nil {
		l.onInconsistency()
	}
}
