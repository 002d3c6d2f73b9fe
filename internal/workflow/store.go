package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/stagetrack/model"
)

// Store persists stages, items, and their history for every organization.
// All methods are scoped to an organization; an item belonging to another
// organization is reported as NOT_FOUND.
type Store interface {
	StageSource

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, organizationID, itemID string) (model.Item, error)

	// WithItemTx runs fn as one atomic unit with the item row locked against
	// concurrent movers. Returns NOT_FOUND without calling fn when the item
	// does not exist. Writes made through tx commit only when fn returns nil.
	WithItemTx(ctx context.Context, organizationID, itemID string, fn func(ctx context.Context, tx ItemTx) error) error

	// InsertItem creates an item together with its first open history entry.
	InsertItem(ctx context.Context, item model.Item, entry model.HistoryEntry) error

	// ItemHistory returns an item's entries ordered by entered_at.
	ItemHistory(ctx context.Context, organizationID, itemID string) ([]model.HistoryEntry, error)

	// LongestOpenEntries returns up to limit open entries, oldest first. An
	// empty organizationID spans every organization.
	LongestOpenEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error)

	// ItemsAtPosition returns the items resting exactly at p with the
	// entered_at of their open entry, longest waiting first.
	ItemsAtPosition(ctx context.Context, organizationID string, p model.Position) ([]model.PositionItem, error)

	// RecentEntries returns up to limit history entries, newest first.
	RecentEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error)

	// CountByPosition returns the number of items resting at each position.
	CountByPosition(ctx context.Context, organizationID string) (map[model.Position]int, error)

	// CountReworks returns the number of rework entries entered at or after since.
	CountReworks(ctx context.Context, organizationID string, since time.Time) (int, error)

	// FindLedgerAnomalies lists items, across organizations, holding more
	// than one open history entry.
	FindLedgerAnomalies(ctx context.Context) ([]model.LedgerAnomaly, error)

	// CreateStage appends a stage after the organization's last stage.
	CreateStage(ctx context.Context, organizationID, name string) (model.Stage, error)

	// CreateSubStage appends a sub-stage after the stage's last sub-stage.
	// Returns CONFLICT while items rest on the bare stage.
	CreateSubStage(ctx context.Context, organizationID, stageID, name string) (model.SubStage, error)
}

// LedgerTx is the slice of a transaction the history ledger works through.
type LedgerTx interface {
	// OpenEntries returns the item's entries whose exited_at is null.
	OpenEntries(ctx context.Context, itemID string) ([]model.HistoryEntry, error)

	// CloseEntry sets exited_at on an open entry.
	CloseEntry(ctx context.Context, entryID string, exitedAt time.Time) error

	// InsertEntry appends a new entry.
	InsertEntry(ctx context.Context, entry model.HistoryEntry) error
}

// ItemTx is an open per-item transaction.
type ItemTx interface {
	LedgerTx

	// Item returns the locked item as read at the start of the transaction.
	Item() model.Item

	// UpdatePosition moves the item from one position to another. It fails
	// with CONFLICT when the stored position no longer equals from.
	UpdatePosition(ctx context.Context, from, to model.Position, at time.Time) error
}
