package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/idempotency"
	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/internal/openapi"
	"github.com/pitabwire/stagetrack/internal/workflow"
	"github.com/pitabwire/stagetrack/model"
)

const (
	maxBodyBytes = 1 << 20

	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	// reservationTTL bounds how long a crashed request blocks its key.
	reservationTTL = 5 * time.Minute
)

// BatchExecutor runs batch moves.
type BatchExecutor interface {
	Execute(ctx context.Context, rctx *model.RequestContext, req model.MoveRequest) (model.BatchResult, error)
}

// IdempotencyRecorder observes idempotent replays.
type IdempotencyRecorder interface {
	RecordIdempotencyReplay()
	RecordIdempotencyConflict()
}

type nopIdempotencyRecorder struct{}

func (nopIdempotencyRecorder) RecordIdempotencyReplay()   {}
func (nopIdempotencyRecorder) RecordIdempotencyConflict() {}

type handlers struct {
	executor    BatchExecutor
	insights    *workflow.Insights
	doc         *openapi.Document
	idempotency idempotency.Store
	idemTTL     time.Duration
	recorder    IdempotencyRecorder
	logger      *zap.Logger
}

func (h *handlers) log(r *http.Request) *zap.Logger {
	return observability.LoggerFrom(r.Context(), h.logger)
}

// fail writes err, logging anything that maps to a server error.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusOf(err) >= http.StatusInternalServerError {
		h.log(r).Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}

// readBody reads the request body and validates it against operationID.
func (h *handlers) readBody(r *http.Request, w http.ResponseWriter, operationID string) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, model.NewBadRequestError("request body is too large")
		}
		return nil, model.NewBadRequestError("request body could not be read")
	}
	if h.doc != nil {
		if err := h.doc.ValidateRequest(operationID, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (h *handlers) moveItems(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return
	}

	body, err := h.readBody(r, w, "moveItems")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req model.MoveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}

	var idemKey, inputHash string
	if key := r.Header.Get(headerIdempotencyKey); key != "" && h.idempotency != nil {
		idemKey = idempotency.FormatKey(rctx.OrganizationID, rctx.SubjectID, key)
		inputHash = idempotency.HashInput(body)

		stored, found, err := h.idempotency.Check(r.Context(), idemKey, inputHash)
		switch {
		case err != nil && model.CodeOf(err) == model.ErrConflict:
			h.recorder.RecordIdempotencyConflict()
			WriteError(w, err)
			return
		case err != nil:
			h.log(r).Error("idempotency lookup failed", zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		case found:
			h.recorder.RecordIdempotencyReplay()
			w.Header().Set(headerReplayed, "true")
			writeRaw(w, stored.Status, stored.Body)
			return
		}

		reserved, err := h.idempotency.Reserve(r.Context(), idemKey, inputHash, reservationTTL)
		if err != nil {
			h.log(r).Error("idempotency reservation failed", zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		}
		if !reserved {
			h.recorder.RecordIdempotencyConflict()
			WriteError(w, model.NewConflictError("a request with this idempotency key is still being processed"))
			return
		}
	}

	result, err := h.executor.Execute(r.Context(), rctx, req)
	var (
		status  int
		encoded []byte
	)
	if err == nil {
		var resp batchResponse
		status, resp = batchStatus(result, rctx.TraceID)
		encoded, err = json.Marshal(resp)
	}

	if idemKey != "" {
		// Recorded even when the client has gone: the moves have committed.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err != nil {
			if relErr := h.idempotency.Release(storeCtx, idemKey); relErr != nil {
				h.log(r).Warn("idempotency release failed", zap.Error(relErr))
			}
		} else if saveErr := h.idempotency.Save(storeCtx, idemKey, inputHash, idempotency.Response{Status: status, Body: encoded}, h.idemTTL); saveErr != nil {
			h.log(r).Warn("idempotency save failed", zap.Error(saveErr))
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRaw(w, status, encoded)
}

func (h *handlers) registerItem(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	body, err := h.readBody(r, w, "registerItem")
	if err != nil {
		WriteError(w, err)
		return
	}
	var req struct {
		OrderID string          `json:"order_id"`
		Details json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return
	}

	item, err := h.insights.RegisterItem(r.Context(), rctx, req.OrderID, req.Details)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, item)
}

func (h *handlers) itemHistory(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	views, err := h.insights.ItemHistory(r.Context(), rctx.OrganizationID, chi.URLParam(r, "itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *handlers) reworkTargets(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	targets, err := h.insights.ReworkTargets(r.Context(), rctx.OrganizationID, chi.URLParam(r, "itemId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": targets})
}

func (h *handlers) bottlenecks(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	limit, ok := limitParam(w, r, workflow.DefaultBottleneckLimit)
	if !ok {
		return
	}
	views, err := h.insights.Bottlenecks(r.Context(), rctx.OrganizationID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *handlers) itemsAtPosition(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	q := r.URL.Query()
	p := model.Position{StageID: q.Get("stage_id"), SubStageID: q.Get("sub_stage_id")}
	if p.StageID == "" {
		WriteError(w, model.NewBadRequestError("stage_id is required"))
		return
	}
	items, err := h.insights.ItemsAt(r.Context(), rctx.OrganizationID, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": items})
}

func (h *handlers) recentActivity(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	limit, ok := limitParam(w, r, workflow.DefaultActivityLimit)
	if !ok {
		return
	}
	views, err := h.insights.RecentActivity(r.Context(), rctx.OrganizationID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": views})
}

// limitParam parses the optional positive limit query parameter.
func limitParam(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		WriteError(w, model.NewBadRequestError("limit must be a positive integer"))
		return 0, false
	}
	return n, true
}

func (h *handlers) overview(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	counts, err := h.insights.Overview(r.Context(), rctx.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": counts})
}

func (h *handlers) reworkCount(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	since := time.Now().UTC().Add(-workflow.DefaultReworkWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, model.NewBadRequestError("since must be an RFC 3339 timestamp"))
			return
		}
		since = t
	}
	n, err := h.insights.ReworkCount(r.Context(), rctx.OrganizationID, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"since": since, "count": n})
}

func (h *handlers) workflowPositions(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	positions, err := h.insights.Workflow(r.Context(), rctx.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"data": positions})
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *handlers) createStage(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var req nameRequest
	if !h.decodeName(w, r, "createStage", &req) {
		return
	}
	stage, err := h.insights.CreateStage(r.Context(), rctx.OrganizationID, req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log(r).Info("stage created", zap.String("stage_id", stage.ID), zap.String("name", stage.Name))
	WriteJSON(w, http.StatusCreated, stage)
}

func (h *handlers) createSubStage(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	var req nameRequest
	if !h.decodeName(w, r, "createSubStage", &req) {
		return
	}
	sub, err := h.insights.CreateSubStage(r.Context(), rctx.OrganizationID, chi.URLParam(r, "stageId"), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log(r).Info("sub-stage created",
		zap.String("stage_id", sub.StageID),
		zap.String("sub_stage_id", sub.ID),
		zap.String("name", sub.Name),
	)
	WriteJSON(w, http.StatusCreated, sub)
}

func (h *handlers) decodeName(w http.ResponseWriter, r *http.Request, operationID string, req *nameRequest) bool {
	body, err := h.readBody(r, w, operationID)
	if err != nil {
		WriteError(w, err)
		return false
	}
	if err := json.Unmarshal(body, req); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

func (h *handlers) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	writeRaw(w, http.StatusOK, h.doc.JSON())
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
