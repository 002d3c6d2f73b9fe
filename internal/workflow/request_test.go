package workflow

import (
	"errors"
	"testing"

	"github.com/pitabwire/stagetrack/model"
)

func TestValidateMoveRequest(t *testing.T) {
	tests := []struct {
		name       string
		req        model.MoveRequest
		wantFields []string
	}{
		{"forward", model.MoveRequest{ItemIDs: []string{"i1", "i2"}, Operation: "forward"}, nil},
		{"forward_to", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "forward_to", TargetStageID: "B"}, nil},
		{"forward_to sub-stage", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "forward_to", TargetStageID: "B", TargetSubStageID: "B2"}, nil},
		{"rework", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "rework", ReworkReason: "bad stitching"}, nil},
		{"no items", model.MoveRequest{Operation: "forward"}, []string{"item_ids"}},
		{"blank item", model.MoveRequest{ItemIDs: []string{"i1", " "}, Operation: "forward"}, []string{"item_ids[1]"}},
		{"duplicate item", model.MoveRequest{ItemIDs: []string{"i1", "i2", "i1"}, Operation: "forward"}, []string{"item_ids[2]"}},
		{"missing operation", model.MoveRequest{ItemIDs: []string{"i1"}}, []string{"operation"}},
		{"unknown operation", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "backward"}, []string{"operation"}},
		{"forward_to without target", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "forward_to"}, []string{"target_stage_id"}},
		{"forward with target", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "forward", TargetStageID: "B", TargetSubStageID: "B1"}, []string{"target_stage_id", "target_sub_stage_id"}},
		{"rework without reason", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "rework"}, []string{"rework_reason"}},
		{"rework reason too short after trim", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "rework", ReworkReason: "  ab  "}, []string{"rework_reason"}},
		{"forward with reason", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "forward", ReworkReason: "why not"}, []string{"rework_reason"}},
		{"rework with target", model.MoveRequest{ItemIDs: []string{"i1"}, Operation: "rework", ReworkReason: "torn", TargetStageID: "A"}, []string{"target_stage_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateMoveRequest(tt.req)
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("error: %v", err)
				}
				return
			}
			expectCode(t, err, model.ErrValidationError)
			var ee *model.ErrorEnvelope
			errors.As(err, &ee)
			got := make(map[string]bool)
			for _, d := range ee.Details {
				got[d.Field] = true
			}
			for _, f := range tt.wantFields {
				if !got[f] {
					t.Errorf("details %+v missing field %q", ee.Details, f)
				}
			}
		})
	}
}

func TestValidateMoveRequest_trimsReworkReason(t *testing.T) {
	req, err := ValidateMoveRequest(model.MoveRequest{
		ItemIDs: []string{"i1"}, Operation: "rework", ReworkReason: "  wrong size \n",
	})
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if req.ReworkReason != "wrong size" {
		t.Errorf("ReworkReason = %q", req.ReworkReason)
	}
}

func TestTargetOf(t *testing.T) {
	if targetOf(model.MoveRequest{Operation: "forward"}) != nil {
		t.Error("forward should have no target")
	}
	got := targetOf(model.MoveRequest{Operation: "forward_to", TargetStageID: "B", TargetSubStageID: "B2"})
	if got == nil || *got != posB2 {
		t.Errorf("targetOf = %v, want B/B2", got)
	}
}
