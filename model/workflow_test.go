package model

import "testing"

func TestBatchResult_Status(t *testing.T) {
	move := ItemMove{ItemID: "a"}
	fail := ItemFailure{ItemID: "b", Code: ErrNotFound}
	tests := []struct {
		name   string
		result BatchResult
		want   string
	}{
		{"all succeeded", BatchResult{Succeeded: []ItemMove{move}}, BatchStatusSucceeded},
		{"partial", BatchResult{Succeeded: []ItemMove{move}, Failed: []ItemFailure{fail}}, BatchStatusPartial},
		{"all failed", BatchResult{Failed: []ItemFailure{fail}}, BatchStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Status(); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPosition_JSON(t *testing.T) {
	bare, err := Position{StageID: "a"}.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(bare) != `{"stage_id":"a","sub_stage_id":null}` {
		t.Errorf("bare = %s", bare)
	}

	var p Position
	if err := p.UnmarshalJSON([]byte(`{"stage_id":"b","sub_stage_id":"b1"}`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if p != (Position{StageID: "b", SubStageID: "b1"}) {
		t.Errorf("decoded = %+v", p)
	}
	if p.String() != "b/b1" {
		t.Errorf("String() = %q, want b/b1", p.String())
	}
}
