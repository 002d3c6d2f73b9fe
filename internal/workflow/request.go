package workflow

import (
	"fmt"
	"strings"

	"github.com/pitabwire/stagetrack/model"
)

// ValidateMoveRequest checks a batch move request and returns it normalized:
// whitespace around the rework reason is trimmed. All problems are reported
// together as one VALIDATION_ERROR.
func ValidateMoveRequest(req model.MoveRequest) (model.MoveRequest, error) {
	var errs []model.FieldError
	add := func(field, code, msg string) {
		errs = append(errs, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if len(req.ItemIDs) == 0 {
		add("item_ids", "REQUIRED", "at least one item is required")
	}
	seen := make(map[string]int, len(req.ItemIDs))
	for i, id := range req.ItemIDs {
		field := fmt.Sprintf("item_ids[%d]", i)
		if strings.TrimSpace(id) == "" {
			add(field, "REQUIRED", "item id must not be empty")
			continue
		}
		if first, dup := seen[id]; dup {
			add(field, "DUPLICATE", fmt.Sprintf("item %q already listed at index %d", id, first))
			continue
		}
		seen[id] = i
	}

	req.ReworkReason = strings.TrimSpace(req.ReworkReason)

	switch req.Operation {
	case model.OperationForward, model.OperationRework, model.OperationForwardTo:
	case "":
		add("operation", "REQUIRED", "operation is required")
	default:
		add("operation", "INVALID", fmt.Sprintf("unknown operation %q", req.Operation))
	}

	if req.Operation == model.OperationForwardTo {
		if req.TargetStageID == "" {
			add("target_stage_id", "REQUIRED", "target_stage_id is required for forward_to")
		}
	} else {
		if req.TargetStageID != "" {
			add("target_stage_id", "NOT_ALLOWED", "target_stage_id is only accepted for forward_to")
		}
		if req.TargetSubStageID != "" {
			add("target_sub_stage_id", "NOT_ALLOWED", "target_sub_stage_id is only accepted for forward_to")
		}
	}
	if req.TargetSubStageID != "" && req.TargetStageID == "" && req.Operation == model.OperationForwardTo {
		add("target_sub_stage_id", "INVALID", "target_sub_stage_id requires target_stage_id")
	}

	if req.Operation == model.OperationRework {
		if len([]rune(req.ReworkReason)) < model.MinReworkReasonLength {
			add("rework_reason", "MIN_LENGTH", fmt.Sprintf(
				"rework_reason must be at least %d characters", model.MinReworkReasonLength,
			))
		}
	} else if req.ReworkReason != "" {
		add("rework_reason", "NOT_ALLOWED", "rework_reason is only accepted for rework")
	}

	if len(errs) > 0 {
		return req, model.NewValidationError(errs)
	}
	return req, nil
}

// targetOf returns the explicit target of a forward_to request.
func targetOf(req model.MoveRequest) *model.Position {
	if req.Operation != model.OperationForwardTo {
		return nil
	}
	return &model.Position{StageID: req.TargetStageID, SubStageID: req.TargetSubStageID}
}
