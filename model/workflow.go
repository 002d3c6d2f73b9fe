package model

import (
	"encoding/json"
	"time"
)

// Move operations accepted by the transition executor.
const (
	OperationForward   = "forward"
	OperationForwardTo = "forward_to"
	OperationRework    = "rework"
)

// Batch status constants.
const (
	BatchStatusSucceeded = "succeeded"
	BatchStatusPartial   = "partial"
	BatchStatusFailed    = "failed"
)

// MinReworkReasonLength is the minimum trimmed length of a rework reason.
const MinReworkReasonLength = 3

// Stage is one ordered step of an organization's workflow.
type Stage struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	SequenceOrder  int        `json:"sequence_order"`
	SubStages      []SubStage `json:"sub_stages,omitempty"`
}

// SubStage is an ordered subdivision of a Stage.
type SubStage struct {
	ID            string `json:"id"`
	StageID       string `json:"stage_id"`
	Name          string `json:"name"`
	SequenceOrder int    `json:"sequence_order"`
}

// Position identifies where an item rests. An empty SubStageID means the item
// sits directly in a stage without sub-stages.
type Position struct {
	StageID    string
	SubStageID string
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.StageID == "" && p.SubStageID == ""
}

// String renders the position as "stage" or "stage/sub".
func (p Position) String() string {
	if p.SubStageID == "" {
		return p.StageID
	}
	return p.StageID + "/" + p.SubStageID
}

type positionJSON struct {
	StageID    string  `json:"stage_id"`
	SubStageID *string `json:"sub_stage_id"`
}

// MarshalJSON encodes an empty sub-stage as null.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{StageID: p.StageID}
	if p.SubStageID != "" {
		sub := p.SubStageID
		out.SubStageID = &sub
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts a null or missing sub-stage.
func (p *Position) UnmarshalJSON(data []byte) error {
	var in positionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.StageID = in.StageID
	p.SubStageID = ""
	if in.SubStageID != nil {
		p.SubStageID = *in.SubStageID
	}
	return nil
}

// Item is a tracked unit of work that holds exactly one current position.
type Item struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	OrderID        string          `json:"order_id,omitempty"`
	Position       Position        `json:"position"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HistoryEntry records one interval an item spent at one position. It is
// open while ExitedAt is nil.
type HistoryEntry struct {
	ID             string     `json:"id"`
	ItemID         string     `json:"item_id"`
	OrganizationID string     `json:"organization_id"`
	Position       Position   `json:"position"`
	EnteredAt      time.Time  `json:"entered_at"`
	ExitedAt       *time.Time `json:"exited_at"`
	ReworkReason   string     `json:"rework_reason,omitempty"`
	UserID         string     `json:"user_id"`
}

// IsOpen reports whether the entry represents the item's current dwell.
func (h HistoryEntry) IsOpen() bool {
	return h.ExitedAt == nil
}

// MoveRequest is the batch move contract.
type MoveRequest struct {
	ItemIDs          []string `json:"item_ids"`
	Operation        string   `json:"operation"`
	TargetStageID    string   `json:"target_stage_id,omitempty"`
	TargetSubStageID string   `json:"target_sub_stage_id,omitempty"`
	ReworkReason     string   `json:"rework_reason,omitempty"`
}

// ItemMove is one successfully moved item.
type ItemMove struct {
	ItemID       string   `json:"item_id"`
	FromPosition Position `json:"from_position"`
	ToPosition   Position `json:"to_position"`
}

// ItemFailure is one item that could not be moved.
type ItemFailure struct {
	ItemID string `json:"item_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BatchResult separates the per-item outcomes of a batch move.
type BatchResult struct {
	Succeeded []ItemMove    `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
}

// Status returns the batch-level status derived from the per-item outcomes.
func (r BatchResult) Status() string {
	switch {
	case len(r.Failed) == 0:
		return BatchStatusSucceeded
	case len(r.Succeeded) == 0:
		return BatchStatusFailed
	default:
		return BatchStatusPartial
	}
}

// GraphPosition is one entry of an organization's effective position order,
// carrying display names.
type GraphPosition struct {
	Index        int      `json:"index"`
	Position     Position `json:"position"`
	StageName    string   `json:"stage_name"`
	SubStageName string   `json:"sub_stage_name,omitempty"`
}

// HistoryView is a history entry decorated with names and dwell time.
type HistoryView struct {
	HistoryEntry
	StageName    string `json:"stage_name"`
	SubStageName string `json:"sub_stage_name,omitempty"`
	DwellSeconds int64  `json:"dwell_seconds"`
}

// PositionCount is the number of items resting at a position.
type PositionCount struct {
	GraphPosition
	ItemCount int `json:"item_count"`
}

// PositionItem is an item resting at a position together with the time it
// entered that position. EnteredAt is nil for an item without an open entry.
type PositionItem struct {
	Item
	EnteredAt    *time.Time `json:"entered_at"`
	DwellSeconds int64      `json:"dwell_seconds"`
}

// LedgerAnomaly is an item holding more than one open history entry.
type LedgerAnomaly struct {
	OrganizationID string `json:"organization_id"`
	ItemID         string `json:"item_id"`
	OpenEntries    int    `json:"open_entries"`
}

// ItemMovedEvent is published after an item's move has committed.
type ItemMovedEvent struct {
	EventID        string    `json:"event_id"`
	OrganizationID string    `json:"organization_id"`
	ItemID         string    `json:"item_id"`
	Operation      string    `json:"operation"`
	From           Position  `json:"from_position"`
	To             Position  `json:"to_position"`
	ReworkReason   string    `json:"rework_reason,omitempty"`
	UserID         string    `json:"user_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}
