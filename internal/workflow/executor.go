package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/model"
)

const defaultItemTimeout = 10 * time.Second

// Authorizer decides once per batch whether the caller may run an operation.
type Authorizer interface {
	Authorize(rctx *model.RequestContext, operation string) error
}

// Publisher emits notifications for committed moves.
type Publisher interface {
	PublishItemMoved(ctx context.Context, event model.ItemMovedEvent) error
}

// Recorder receives executor measurements.
type Recorder interface {
	RecordTransition(operation, outcome string)
	RecordBatch(operation, status string, duration time.Duration)
	RecordDwell(stageName string, dwell time.Duration)
	RecordLedgerInconsistency()
	RecordPublishFailure()
}

type nopPublisher struct{}

func (nopPublisher) PublishItemMoved(context.Context, model.ItemMovedEvent) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordTransition(string, string)           {}
func (nopRecorder) RecordBatch(string, string, time.Duration) {}
func (nopRecorder) RecordDwell(string, time.Duration)         {}
func (nopRecorder) RecordLedgerInconsistency()                {}
func (nopRecorder) RecordPublishFailure()                     {}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithPublisher sets where committed moves are announced.
func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithItemTimeout bounds each item's transaction.
func WithItemTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.itemTimeout = d
		}
	}
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor moves batches of items through an organization's workflow. Each
// item is moved in its own store transaction; items are processed one at a
// time in request order.
type Executor struct {
	store       Store
	gate        Authorizer
	ledger      *Ledger
	publisher   Publisher
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
	itemTimeout time.Duration
}

// NewExecutor creates an executor over store, authorizing batches with gate.
func NewExecutor(store Store, gate Authorizer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       store,
		gate:        gate,
		publisher:   nopPublisher{},
		recorder:    nopRecorder{},
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		itemTimeout: defaultItemTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(e.logger)
	e.ledger.onInconsistency = e.recorder.RecordLedgerInconsistency
	return e
}

// Execute validates and authorizes the batch, loads the organization's graph
// once, then moves every item. Validation, authorization and configuration
// problems abort the whole batch and are returned as the error; per-item
// failures are collected in the result and never stop sibling items.
func (e *Executor) Execute(ctx context.Context, rctx *model.RequestContext, req model.MoveRequest) (result model.BatchResult, err error) {
	start := time.Now()
	ctx, span := observability.StartBatchSpan(ctx, rctx.OrganizationID, rctx.SubjectID, req.Operation, len(req.ItemIDs))
	defer func() { observability.EndSpanWithError(span, err) }()

	logger := e.logger.With(
		zap.String("organization_id", rctx.OrganizationID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("operation", req.Operation),
	)

	req, err = ValidateMoveRequest(req)
	if err != nil {
		return model.BatchResult{}, err
	}
	if err = e.gate.Authorize(rctx, req.Operation); err != nil {
		logger.Warn("batch move rejected", zap.Error(err))
		return model.BatchResult{}, err
	}

	graph, err := LoadGraph(ctx, e.store, rctx.OrganizationID)
	if err != nil {
		if model.CodeOf(err) == "" {
			logger.Error("loading workflow graph failed", zap.Error(err))
			err = model.NewPersistenceError("workflow configuration could not be read")
		}
		return model.BatchResult{}, err
	}

	result = model.BatchResult{
		Succeeded: make([]model.ItemMove, 0, len(req.ItemIDs)),
		Failed:    make([]model.ItemFailure, 0),
	}
	target := targetOf(req)

	for _, itemID := range req.ItemIDs {
		move, event, moveErr := e.moveItem(ctx, rctx, graph, req, target, itemID)
		if moveErr != nil {
			failure := toFailure(itemID, moveErr)
			result.Failed = append(result.Failed, failure)
			e.recorder.RecordTransition(req.Operation, failure.Code)
			logFailure(logger, failure, moveErr)
			continue
		}
		result.Succeeded = append(result.Succeeded, move)
		e.recorder.RecordTransition(req.Operation, "succeeded")
		logger.Debug("item moved",
			zap.String("item_id", itemID),
			zap.Stringer("from", move.FromPosition),
			zap.Stringer("to", move.ToPosition),
		)
		e.publish(ctx, logger, event)
	}

	status := result.Status()
	e.recorder.RecordBatch(req.Operation, status, time.Since(start))
	logger.Info("batch move completed",
		zap.String("status", status),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// moveItem runs the per-item unit: load, resolve, close history, update
// position, open history. The unit commits or rolls back as a whole.
func (e *Executor) moveItem(
	ctx context.Context,
	rctx *model.RequestContext,
	graph *Graph,
	req model.MoveRequest,
	target *model.Position,
	itemID string,
) (move model.ItemMove, event model.ItemMovedEvent, err error) {
	// Client cancellation must not interrupt a batch halfway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.itemTimeout)
	defer cancel()

	ctx, span := observability.StartItemSpan(ctx, itemID, req.Operation)
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = toFailure(itemID, err).Code
		}
		observability.EndItemSpan(span, outcome, err)
	}()

	var closed *model.HistoryEntry
	err = e.store.WithItemTx(ctx, rctx.OrganizationID, itemID, func(ctx context.Context, tx ItemTx) error {
		item := tx.Item()
		from := item.Position

		res, err := e.resolve(graph, req, from, target)
		if err != nil {
			return err
		}
		if res.Terminal {
			return terminalError(req.Operation, from)
		}

		at := e.now()
		step := Advance{
			OrganizationID: rctx.OrganizationID,
			ItemID:         itemID,
			From:           from,
			To:             res.To,
			UserID:         rctx.SubjectID,
			At:             at,
		}
		if req.Operation == model.OperationRework {
			step.ReworkReason = req.ReworkReason
		}

		closed, err = e.ledger.Close(ctx, tx, step)
		if err != nil {
			return err
		}
		if err := tx.UpdatePosition(ctx, from, res.To, at); err != nil {
			return err
		}
		if _, err := e.ledger.Open(ctx, tx, step); err != nil {
			return err
		}

		move = model.ItemMove{ItemID: itemID, FromPosition: from, ToPosition: res.To}
		event = model.ItemMovedEvent{
			EventID:        uuid.New().String(),
			OrganizationID: rctx.OrganizationID,
			ItemID:         itemID,
			Operation:      req.Operation,
			From:           from,
			To:             res.To,
			ReworkReason:   step.ReworkReason,
			UserID:         rctx.SubjectID,
			OccurredAt:     at,
		}
		return nil
	})
	if err != nil {
		return model.ItemMove{}, model.ItemMovedEvent{}, err
	}

	if closed != nil && closed.ExitedAt != nil {
		stageName, _ := graph.StageNames(closed.Position)
		e.recorder.RecordDwell(stageName, closed.ExitedAt.Sub(closed.EnteredAt))
	}
	return move, event, nil
}

func (e *Executor) resolve(graph *Graph, req model.MoveRequest, from model.Position, target *model.Position) (Resolution, error) {
	if req.Operation == model.OperationRework {
		return ResolvePrevious(graph, from)
	}
	return ResolveForward(graph, from, target)
}

func (e *Executor) publish(ctx context.Context, logger *zap.Logger, event model.ItemMovedEvent) {
	if err := e.publisher.PublishItemMoved(context.WithoutCancel(ctx), event); err != nil {
		e.recorder.RecordPublishFailure()
		logger.Error("publishing item moved event failed",
			zap.String("item_id", event.ItemID),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}

func terminalError(operation string, from model.Position) error {
	if operation == model.OperationRework {
		return model.NewNoValidTransitionError(fmt.Sprintf(
			"item is at the first position %s and cannot be reworked", from,
		))
	}
	return model.NewNoValidTransitionError(fmt.Sprintf(
		"item is at the last position %s and cannot move forward", from,
	))
}

// itemFailureCodes are reported as-is; anything else is a persistence failure.
var itemFailureCodes = map[string]bool{
	model.ErrNotFound:            true,
	model.ErrNoValidTransition:   true,
	model.ErrInvalidTarget:       true,
	model.ErrLedgerInconsistency: true,
	model.ErrPersistence:         true,
}

func toFailure(itemID string, err error) model.ItemFailure {
	code := model.CodeOf(err)
	if itemFailureCodes[code] {
		return model.ItemFailure{ItemID: itemID, Code: code, Reason: messageOf(err)}
	}
	reason := "the move could not be saved"
	if code == model.ErrConflict {
		reason = "the item was moved concurrently: " + messageOf(err)
	}
	return model.ItemFailure{ItemID: itemID, Code: model.ErrPersistence, Reason: reason}
}

func messageOf(err error) string {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}

func logFailure(logger *zap.Logger, failure model.ItemFailure, err error) {
	fields := []zap.Field{
		zap.String("item_id", failure.ItemID),
		zap.String("code", failure.Code),
		zap.Error(err),
	}
	if failure.Code == model.ErrPersistence || failure.Code == model.ErrLedgerInconsistency {
		logger.Error("item move failed", fields...)
		return
	}
	logger.Warn("item move failed", fields...)
}
