package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stagetrack/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Each item transaction
// holds a row lock on the item and moves it with a compare-and-swap update.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Ping verifies the database is reachable.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgRowQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type pgRowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ListStages returns the organization's stages with their sub-stages.
func (s *PgStore) ListStages(ctx context.Context, organizationID string) ([]model.Stage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.organization_id, s.name, s.sequence_order,
		       ss.id, ss.name, ss.sequence_order
		FROM workflow_stages s
		LEFT JOIN workflow_sub_stages ss ON ss.stage_id = s.id
		WHERE s.organization_id = $1
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
			subID    *string
			subName  *string
			subOrder *int
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
		if subID != nil {
			stages[i].SubStages = append(stages[i].SubStages, model.SubStage{
				ID: *subID, StageID: st.ID, Name: deref(subName), SequenceOrder: derefInt(subOrder),
			})
		}
	}
	return stages, rows.Err()
}

// GetItem retrieves an item by ID, scoped to organization.
func (s *PgStore) GetItem(ctx context.Context, organizationID, itemID string) (model.Item, error) {
	return pgGetItem(ctx, s.pool, organizationID, itemID, "")
}

func pgGetItem(ctx context.Context, q pgRowQuerier, organizationID, itemID, lock string) (model.Item, error) {
	var (
		item    model.Item
		orderID *string
		sub     *string
		details []byte
	)
	err := q.QueryRow(ctx, `
		SELECT id, organization_id, order_id, stage_id, sub_stage_id, details, created_at, updated_at
		FROM items
		WHERE id = $1 AND organization_id = $2 `+lock,
		itemID, organizationID,
	).Scan(&item.ID, &item.OrganizationID, &orderID, &item.Position.StageID, &sub, &details, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, itemNotFound(itemID)
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("query item: %w", err)
	}
	item.OrderID = deref(orderID)
	item.Position.SubStageID = deref(sub)
	item.Details = details
	return item, nil
}

// InsertItem creates an item together with its first open history entry.
func (s *PgStore) InsertItem(ctx context.Context, item model.Item, entry model.HistoryEntry) error {
	return s.execTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO items (id, organization_id, order_id, stage_id, sub_stage_id, details, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			item.ID, item.OrganizationID, nullable(item.OrderID), item.Position.StageID,
			nullable(item.Position.SubStageID), nullJSON(item.Details), item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.Errorf(model.ErrConflict, "item %q already exists", item.ID)
		}
		return pgInsertEntry(ctx, tx, entry)
	})
}

// WithItemTx runs fn in a transaction holding a row lock on the item.
func (s *PgStore) WithItemTx(ctx context.Context, organizationID, itemID string, fn func(context.Context, ItemTx) error) error {
	return s.execTx(ctx, func(tx pgx.Tx) error {
		item, err := pgGetItem(ctx, tx, organizationID, itemID, "FOR UPDATE")
		if err != nil {
			return err
		}
		return fn(ctx, &pgItemTx{tx: tx, item: item})
	})
}

// execTx runs fn in a transaction, rolling back unless fn and commit succeed.
func (s *PgStore) execTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	closed := false
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if !closed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	closed = true
	return nil
}

// ItemHistory returns the item's entries ordered by entered_at.
func (s *PgStore) ItemHistory(ctx context.Context, organizationID, itemID string) ([]model.HistoryEntry, error) {
	if _, err := s.GetItem(ctx, organizationID, itemID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, historySelect+`
		WHERE item_id = $1
		ORDER BY entered_at, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query item history: %w", err)
	}
	return collectEntries(rows)
}

// LongestOpenEntries returns up to limit open entries, oldest first.
func (s *PgStore) LongestOpenEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, historySelect+`
		WHERE ($1 = '' OR organization_id = $1) AND exited_at IS NULL
		ORDER BY entered_at, id
		LIMIT $2`,
		organizationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query open history: %w", err)
	}
	return collectEntries(rows)
}

// ItemsAtPosition returns the items at p, longest waiting first.
func (s *PgStore) ItemsAtPosition(ctx context.Context, organizationID string, p model.Position) ([]model.PositionItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT i.id, i.organization_id, i.order_id, i.stage_id, i.sub_stage_id, i.details,
		       i.created_at, i.updated_at,
		       (SELECT MAX(h.entered_at) FROM item_stage_history h
		        WHERE h.item_id = i.id AND h.exited_at IS NULL) AS entered_at
		FROM items i
		WHERE i.organization_id = $1 AND i.stage_id = $2
		  AND i.sub_stage_id IS NOT DISTINCT FROM $3
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
			pi      model.PositionItem
			orderID *string
			sub     *string
			details []byte
		)
		if err := rows.Scan(
			&pi.ID, &pi.OrganizationID, &orderID, &pi.Position.StageID, &sub, &details,
			&pi.CreatedAt, &pi.UpdatedAt, &pi.EnteredAt,
		); err != nil {
			return nil, fmt.Errorf("scan item at position: %w", err)
		}
		pi.OrderID = deref(orderID)
		pi.Position.SubStageID = deref(sub)
		pi.Details = details
		out = append(out, pi)
	}
	return out, rows.Err()
}

// RecentEntries returns up to limit entries, newest first.
func (s *PgStore) RecentEntries(ctx context.Context, organizationID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, historySelect+`
		WHERE organization_id = $1
		ORDER BY entered_at DESC, id DESC
		LIMIT $2`,
		organizationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	return collectEntries(rows)
}

// CountByPosition returns the number of items at each position.
func (s *PgStore) CountByPosition(ctx context.Context, organizationID string) (map[model.Position]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage_id, sub_stage_id, COUNT(*)
		FROM items
		WHERE organization_id = $1
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
			sub *string
			n   int
		)
		if err := rows.Scan(&p.StageID, &sub, &n); err != nil {
			return nil, fmt.Errorf("scan position count: %w", err)
		}
		p.SubStageID = deref(sub)
		counts[p] = n
	}
	return counts, rows.Err()
}

// CountReworks returns the number of rework entries entered since the cutoff.
func (s *PgStore) CountReworks(ctx context.Context, organizationID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM item_stage_history
		WHERE organization_id = $1 AND rework_reason IS NOT NULL AND entered_at >= $2`,
		organizationID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count reworks: %w", err)
	}
	return n, nil
}

// FindLedgerAnomalies lists items with more than one open entry.
func (s *PgStore) FindLedgerAnomalies(ctx context.Context) ([]model.LedgerAnomaly, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PgStore) CreateStage(ctx context.Context, organizationID, name string) (model.Stage, error) {
	stage := model.Stage{ID: uuid.New().String(), OrganizationID: organizationID, Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_stages (id, organization_id, name, sequence_order)
		SELECT $1, $2, $3, COALESCE(MAX(sequence_order), 0) + 1
		FROM workflow_stages
		WHERE organization_id = $2
		RETURNING sequence_order`,
		stage.ID, organizationID, name,
	).Scan(&stage.SequenceOrder)
	if err != nil {
		return model.Stage{}, fmt.Errorf("insert workflow stage: %w", err)
	}
	return stage, nil
}

// CreateSubStage appends a sub-stage to a stage.
func (s *PgStore) CreateSubStage(ctx context.Context, organizationID, stageID, name string) (model.SubStage, error) {
	sub := model.SubStage{ID: uuid.New().String(), StageID: stageID, Name: name}
	err := s.execTx(ctx, func(tx pgx.Tx) error {
		var found string
		err := tx.QueryRow(ctx, `
			SELECT id FROM workflow_stages
			WHERE id = $1 AND organization_id = $2
			FOR UPDATE`,
			stageID, organizationID,
		).Scan(&found)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Errorf(model.ErrNotFound, "stage %q not found", stageID)
		}
		if err != nil {
			return fmt.Errorf("lock workflow stage: %w", err)
		}

		var occupied bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM items
				WHERE organization_id = $1 AND stage_id = $2 AND sub_stage_id IS NULL
			)`,
			organizationID, stageID,
		).Scan(&occupied)
		if err != nil {
			return fmt.Errorf("check stage occupancy: %w", err)
		}
		if occupied {
			return bareStageOccupied(stageID)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO workflow_sub_stages (id, stage_id, name, sequence_order)
			SELECT $1, $2, $3, COALESCE(MAX(sequence_order), 0) + 1
			FROM workflow_sub_stages
			WHERE stage_id = $2
			RETURNING sequence_order`,
			sub.ID, stageID, name,
		).Scan(&sub.SequenceOrder)
	})
	if err != nil {
		return model.SubStage{}, err
	}
	return sub, nil
}

// pgItemTx is an ItemTx over an open pgx transaction.
type pgItemTx struct {
	tx   pgx.Tx
	item model.Item
}

func (t *pgItemTx) Item() model.Item { return t.item }

func (t *pgItemTx) OpenEntries(ctx context.Context, itemID string) ([]model.HistoryEntry, error) {
	rows, err := t.tx.Query(ctx, historySelect+`
		WHERE item_id = $1 AND exited_at IS NULL
		ORDER BY entered_at, id`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query open history: %w", err)
	}
	return collectEntries(rows)
}

func (t *pgItemTx) CloseEntry(ctx context.Context, entryID string, exitedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE item_stage_history SET exited_at = $1
		WHERE id = $2 AND exited_at IS NULL`,
		exitedAt, entryID,
	)
	if err != nil {
		return fmt.Errorf("close history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open history entry %q not found", entryID)
	}
	return nil
}

func (t *pgItemTx) InsertEntry(ctx context.Context, entry model.HistoryEntry) error {
	return pgInsertEntry(ctx, t.tx, entry)
}

func (t *pgItemTx) UpdatePosition(ctx context.Context, from, to model.Position, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE items SET stage_id = $1, sub_stage_id = $2, updated_at = $3
		WHERE id = $4 AND organization_id = $5
		  AND stage_id = $6 AND sub_stage_id IS NOT DISTINCT FROM $7`,
		to.StageID, nullable(to.SubStageID), at,
		t.item.ID, t.item.OrganizationID,
		from.StageID, nullable(from.SubStageID),
	)
	if err != nil {
		return fmt.Errorf("update item position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return positionConflict(t.item.ID, from)
	}
	t.item.Position = to
	t.item.UpdatedAt = at
	return nil
}

const historySelect = `
		SELECT id, item_id, organization_id, stage_id, sub_stage_id,
		       entered_at, exited_at, rework_reason, user_id
		FROM item_stage_history`

func pgInsertEntry(ctx context.Context, tx pgx.Tx, e model.HistoryEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO item_stage_history (
			id, item_id, organization_id, stage_id, sub_stage_id,
			entered_at, exited_at, rework_reason, user_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ItemID, e.OrganizationID, e.Position.StageID, nullable(e.Position.SubStageID),
		e.EnteredAt, e.ExitedAt, nullable(e.ReworkReason), e.UserID,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]model.HistoryEntry, error) {
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e      model.HistoryEntry
			sub    *string
			reason *string
		)
		if err := rows.Scan(
			&e.ID, &e.ItemID, &e.OrganizationID, &e.Position.StageID, &sub,
			&e.EnteredAt, &e.ExitedAt, &reason, &e.UserID,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Position.SubStageID = deref(sub)
		e.ReworkReason = deref(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
