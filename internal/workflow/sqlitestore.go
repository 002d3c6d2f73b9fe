package workflow

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/stagetrack/model"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// sqliteSchemaVersion is bumped whenever sqlite_schema.sql changes.
const sqliteSchemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLiteStore is a single-node Store backed by an embedded SQLite database.
// Writers are serialized on one connection and every item transaction starts
// with an immediate write lock.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.execTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
			return nil
		})
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d",
			ErrSchemaMismatch, s.path, version, sqliteSchemaVersion)
	}
	return nil
}

// execTx runs fn in a transaction, rolling back unless fn and commit succeed.
func (s *SQLiteStore) execTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListStages returns the organization's stages with their sub-stages.
func (s *SQLiteStore) ListStages(ctx context.Context, organizationID string) ([]model.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.organization_id, s.name, s.sequence_order,
		       ss.id, ss.name, ss.sequence_order
		FROM workflow_stages s
		LEFT JOIN workflow_sub_stages ss ON ss.stage_id = s.id
		WHERE s.organization_id = ?
		ORDER BY s.sequence_order, ss.sequence_order`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow stages: %w", err)
	}
	defer rows.Close()

	var stages []model.Stage
	byID := make(map[string]int)
	for rows.Next() {
		var (
			st       model.Stage
			subID    sql.NullString
			subName  sql.NullString
			subOrder sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.OrganizationID, &st.Name, &st.SequenceOrder, &subID, &subName, &subOrder); err != nil {
			return nil, fmt.Errorf("scan workflow stage: %w", err)
		}
		i, seen := byID[st.ID]
		if !seen {
			stages = append(stages, st)
			i = len(stages) - 1
			byID[st.ID] = i
		}
		if subID.Valid {
			stages[i].SubStages = append(stages[i].SubStages, model.SubStage{
				ID: subID.String, StageID: st.ID, Name: subName.String, SequenceOrder: int(subOrder.Int64),
			})
		}
	}
	return stages, rows.Err()
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetItem retrieves an item by ID, scoped to organization.
func (s *SQLiteStore) GetItem(ctx context.Context, organizationID, itemID string) (model.Item, error) {
	return sqliteGetItem(ctx, s.db, organizationID, itemID)
}

func sqliteGetItem(ctx context.Context, q sqlRowQuerier, organizationID, itemID string) (model.Item, error) {
	var (
		item             model.Item
		orderID, sub     sql.NullString
		details          sql.NullString
		created, updated int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, organization_id, order_id, stage_id, sub_stage_id, details, created_at, updated_at
		FROM items
		WHERE id = ? AND organization_id = ?`,
		itemID, organizationID,
	).Scan(&item.ID, &item.OrganizationID, &orderID, &item.Position.StageID, &sub, &details, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, itemNotFound(itemID)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("query item: %w", err)
	}
	item.OrderID = orderID.String
	item.Position.SubStageID = sub.String
	if details.Valid {
		item.Details = []byte(details.String)
	}
	item.CreatedAt = fromMicros(created)
	item.UpdatedAt = fromMicros(updated)
	return item, nil
}

// InsertItem creates an item together with its first open history entry.
func (s *SQLiteStore) InsertItem(ctx context.Context, item model.Item, entry model.HistoryEntry) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (id, organization_id, order_id, stage_id, sub_stage_id, details, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			item.ID, item.OrganizationID, nullable(item.OrderID), item.Position.StageID,
			nullable(item.Position.SubStageID), nullable(string(item.Details)),
			toMicros(item.CreatedAt), toMicros(item.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errorf(model.ErrConflict, "item %q already exists", item.ID)
		}
		return sqliteInsertEntry(ctx, tx, entry)
	})
}

// WithItemTx runs fn in an immediate transaction.
func (s *SQLiteStore) WithItemTx(ctx context.Context, organizationID, itemID string, fn func(context.Context, ItemTx) error) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		item, err := sqliteGetItem(ctx, tx, organizationID, itemID)
		if err != nil {
			return err
		}
		return fn(ctx, &sqliteItemTx{tx: tx, item: item})
	})
}

// ItemHistory returns the item's entries ordered by entered_at.
func (s *SQLiteStore) ItemHistory(ctx context.Context, organizationID, itemID string) ([]model.HistoryEntry, error) {
	if _, err := s.GetItem(ctx, organizationID, itemID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, historySelect+`
		WHERE item_id = ?
		ORDER BY entered_at, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query item history: %w", err)
	}
	return scanSQLEntries(rows)
}

// LongestOpenEntries returns up to limit open entries, oldest first.
func (s *SQLiteStore) LongestOpenEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, historySelect+`
		WHERE (?1 = '' OR organization_id = ?1) AND exited_at IS NULL
		ORDER BY entered_at, id
		LIMIT ?2`,
		organizationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query open history: %w", err)
	}
	return scanSQLEntries(rows)
}

// ItemsAtPosition returns the items at p, longest waiting first.
func (s *SQLiteStore) ItemsAtPosition(ctx context.Context, organizationID string, p model.Position) ([]model.PositionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.organization_id, i.order_id, i.stage_id, i.sub_stage_id, i.details,
		       i.created_at, i.updated_at,
		       (SELECT MAX(h.entered_at) FROM item_stage_history h
		        WHERE h.item_id = i.id AND h.exited_at IS NULL) AS entered_at
		FROM items i
		WHERE i.organization_id = ? AND i.stage_id = ? AND i.sub_stage_id IS ?
		ORDER BY entered_at ASC NULLS LAST, i.id`,
		organizationID, p.StageID, nullable(p.SubStageID),
	)
	if err != nil {
		return nil, fmt.Errorf("query items at position: %w", err)
	}
	defer rows.Close()

	var out []model.PositionItem
	for rows.Next() {
		var (
			pi               model.PositionItem
			orderID, sub     sql.NullString
			details          sql.NullString
			created, updated int64
			entered          sql.NullInt64
		)
		if err := rows.Scan(
			&pi.ID, &pi.OrganizationID, &orderID, &pi.Position.StageID, &sub, &details,
			&created, &updated, &entered,
		); err != nil {
			return nil, fmt.Errorf("scan item at position: %w", err)
		}
		pi.OrderID = orderID.String
		pi.Position.SubStageID = sub.String
		if details.Valid {
			pi.Details = []byte(details.String)
		}
		pi.CreatedAt = fromMicros(created)
		pi.UpdatedAt = fromMicros(updated)
		if entered.Valid {
			at := fromMicros(entered.Int64)
			pi.EnteredAt = &at
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

// RecentEntries returns up to limit entries, newest first.
func (s *SQLiteStore) RecentEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, historySelect+`
		WHERE organization_id = ?
		ORDER BY entered_at DESC, id DESC
		LIMIT ?`,
		organizationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	return scanSQLEntries(rows)
}

// CountByPosition returns the number of items at each position.
func (s *SQLiteStore) CountByPosition(ctx context.Context, organizationID string) (map[model.Position]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, sub_stage_id, COUNT(*)
		FROM items
		WHERE organization_id = ?
		GROUP BY stage_id, sub_stage_id`,
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("count items by position: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Position]int)
	for rows.Next() {
		var (
			p   model.Position
			sub sql.NullString
			n   int
		)
		if err := rows.Scan(&p.StageID, &sub, &n); err != nil {
			return nil, fmt.Errorf("scan position count: %w", err)
		}
		p.SubStageID = sub.String
		counts[p] = n
	}
	return counts, rows.Err()
}

// CountReworks returns the number of rework entries entered since the cutoff.
func (s *SQLiteStore) CountReworks(ctx context.Context, organizationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM item_stage_history
		WHERE organization_id = ? AND rework_reason IS NOT NULL AND entered_at >= ?`,
		organizationID, toMicros(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reworks: %w", err)
	}
	return n, nil
}

// FindLedgerAnomalies lists items with more than one open entry.
func (s *SQLiteStore) FindLedgerAnomalies(ctx context.Context) ([]model.LedgerAnomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, item_id, COUNT(*)
		FROM item_stage_history
		WHERE exited_at IS NULL
		GROUP BY organization_id, item_id
		HAVING COUNT(*) > 1
		ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("query ledger anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerAnomaly
	for rows.Next() {
		var a model.LedgerAnomaly
		if err := rows.Scan(&a.OrganizationID, &a.ItemID, &a.OpenEntries); err != nil {
			return nil, fmt.Errorf("scan ledger anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateStage appends a stage after the organization's last stage.
func (s *SQLiteStore) CreateStage(ctx context.Context, organizationID, name string) (model.Stage, error) {
	stage := model.Stage{ID: uuid.New().String(), OrganizationID: organizationID, Name: name}
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM workflow_stages WHERE organization_id = ?",
			organizationID,
		).Scan(&stage.SequenceOrder); err != nil {
			return fmt.Errorf("next stage order: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO workflow_stages (id, organization_id, name, sequence_order) VALUES (?, ?, ?, ?)",
			stage.ID, organizationID, name, stage.SequenceOrder,
		); err != nil {
			return fmt.Errorf("insert workflow stage: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Stage{}, err
	}
	return stage, nil
}

// CreateSubStage appends a sub-stage to a stage.
func (s *SQLiteStore) CreateSubStage(ctx context.Context, organizationID, stageID, name string) (model.SubStage, error) {
	sub := model.SubStage{ID: uuid.New().String(), StageID: stageID, Name: name}
	err := s.execTx(ctx, func(tx *sql.Tx) error {
		var found int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM workflow_stages WHERE id = ? AND organization_id = ?",
			stageID, organizationID,
		).Scan(&found); err != nil {
			return fmt.Errorf("look up workflow stage: %w", err)
		}
		if found == 0 {
			return model.Errorf(model.ErrNotFound, "stage %q not found", stageID)
		}

		var occupied int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM items WHERE organization_id = ? AND stage_id = ? AND sub_stage_id IS NULL",
			organizationID, stageID,
		).Scan(&occupied); err != nil {
			return fmt.Errorf("check stage occupancy: %w", err)
		}
		if occupied > 0 {
			return bareStageOccupied(stageID)
		}

		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM workflow_sub_stages WHERE stage_id = ?",
			stageID,
		).Scan(&sub.SequenceOrder); err != nil {
			return fmt.Errorf("next sub-stage order: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO workflow_sub_stages (id, stage_id, name, sequence_order) VALUES (?, ?, ?, ?)",
			sub.ID, stageID, name, sub.SequenceOrder,
		); err != nil {
			return fmt.Errorf("insert workflow sub-stage: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.SubStage{}, err
	}
	return sub, nil
}

// sqliteItemTx is an ItemTx over an open SQLite transaction.
type sqliteItemTx struct {
	tx   *sql.Tx
	item model.Item
}

func (t *sqliteItemTx) Item() model.Item { return t.item }

func (t *sqliteItemTx) OpenEntries(ctx context.Context, itemID string) ([]model.HistoryEntry, error) {
	rows, err := t.tx.QueryContext(ctx, historySelect+`
		WHERE item_id = ? AND exited_at IS NULL
		ORDER BY entered_at, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query open history: %w", err)
	}
	return scanSQLEntries(rows)
}

func (t *sqliteItemTx) CloseEntry(ctx context.Context, entryID string, exitedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE item_stage_history SET exited_at = ? WHERE id = ? AND exited_at IS NULL",
		toMicros(exitedAt), entryID,
	)
	if err != nil {
		return fmt.Errorf("close history entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open history entry %q not found", entryID)
	}
	return nil
}

func (t *sqliteItemTx) InsertEntry(ctx context.Context, entry model.HistoryEntry) error {
	return sqliteInsertEntry(ctx, t.tx, entry)
}

func (t *sqliteItemTx) UpdatePosition(ctx context.Context, from, to model.Position, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items SET stage_id = ?, sub_stage_id = ?, updated_at = ?
		WHERE id = ? AND organization_id = ?
		  AND stage_id = ? AND sub_stage_id IS ?`,
		to.StageID, nullable(to.SubStageID), toMicros(at),
		t.item.ID, t.item.OrganizationID,
		from.StageID, nullable(from.SubStageID),
	)
	if err != nil {
		return fmt.Errorf("update item position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return positionConflict(t.item.ID, from)
	}
	t.item.Position = to
	t.item.UpdatedAt = at
	return nil
}

func sqliteInsertEntry(ctx context.Context, tx *sql.Tx, e model.HistoryEntry) error {
	var exited any
	if e.ExitedAt != nil {
		exited = toMicros(*e.ExitedAt)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO item_stage_history (
			id, item_id, organization_id, stage_id, sub_stage_id,
			entered_at, exited_at, rework_reason, user_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ItemID, e.OrganizationID, e.Position.StageID, nullable(e.Position.SubStageID),
		toMicros(e.EnteredAt), exited, nullable(e.ReworkReason), e.UserID,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func scanSQLEntries(rows *sql.Rows) ([]model.HistoryEntry, error) {
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e           model.HistoryEntry
			sub, reason sql.NullString
			entered     int64
			exited      sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &e.ItemID, &e.OrganizationID, &e.Position.StageID, &sub,
			&entered, &exited, &reason, &e.UserID,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Position.SubStageID = sub.String
		e.ReworkReason = reason.String
		e.EnteredAt = fromMicros(entered)
		if exited.Valid {
			at := fromMicros(exited.Int64)
			e.ExitedAt = &at
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
