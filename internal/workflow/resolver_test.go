package workflow

import (
	"testing"

	"github.com/pitabwire/stagetrack/model"
)

func forward(t *testing.T, g *Graph, from model.Position) Resolution {
	t.Helper()
	res, err := ResolveForward(g, from, nil)
	if err != nil {
		t.Fatalf("ResolveForward(%s) error: %v", from, err)
	}
	return res
}

func previous(t *testing.T, g *Graph, from model.Position) Resolution {
	t.Helper()
	res, err := ResolvePrevious(g, from)
	if err != nil {
		t.Fatalf("ResolvePrevious(%s) error: %v", from, err)
	}
	return res
}

// --- Worked examples ---

func TestResolve_walkThroughSubStages(t *testing.T) {
	g := mustGraph(t, abStages())

	res := forward(t, g, posA)
	if res.Terminal || res.To != posB1 {
		t.Fatalf("forward from A = %+v, want B/B1", res)
	}
	res = forward(t, g, res.To)
	if res.Terminal || res.To != posB2 {
		t.Fatalf("forward from B/B1 = %+v, want B/B2", res)
	}
	res = forward(t, g, res.To)
	if !res.Terminal {
		t.Fatalf("forward from B/B2 = %+v, want terminal", res)
	}
	if !res.To.IsZero() {
		t.Errorf("terminal resolution should carry no position, got %s", res.To)
	}

	res = previous(t, g, posB2)
	if res.Terminal || res.To != posB1 {
		t.Fatalf("previous from B/B2 = %+v, want B/B1", res)
	}
	res = previous(t, g, res.To)
	if res.Terminal || res.To != posA {
		t.Fatalf("previous from B/B1 = %+v, want A", res)
	}
	res = previous(t, g, res.To)
	if !res.Terminal {
		t.Fatalf("previous from A = %+v, want terminal", res)
	}
}

func TestResolveForward_explicitTarget(t *testing.T) {
	g := mustGraph(t, abStages())

	_, err := ResolveForward(g, posA, &model.Position{StageID: "A"})
	expectCode(t, err, model.ErrInvalidTarget)

	res, err := ResolveForward(g, posA, &model.Position{StageID: "B"})
	if err != nil {
		t.Fatalf("ResolveForward(A -> B) error: %v", err)
	}
	if res.To != posB1 {
		t.Errorf("ResolveForward(A -> B) = %s, want B/B1", res.To)
	}
}

// --- Forward ---

func TestResolveForward_targets(t *testing.T) {
	g := mustGraph(t, longStages())

	tests := []struct {
		name    string
		from    model.Position
		target  model.Position
		want    model.Position
		wantErr string
	}{
		{"skip stages", posA, model.Position{StageID: "C"}, posC, ""},
		{"stage with sub-stages enters first", posA, model.Position{StageID: "D"}, posD1, ""},
		{"explicit sub-stage", posA, posB2, posB2, ""},
		{"next sub-stage of own stage", posB1, posB2, posB2, ""},
		{"own stage entry is behind", posB2, model.Position{StageID: "B"}, model.Position{}, model.ErrInvalidTarget},
		{"same position", posC, posC, model.Position{}, model.ErrInvalidTarget},
		{"earlier stage", posC, posA, model.Position{}, model.ErrInvalidTarget},
		{"unknown stage", posA, model.Position{StageID: "Z"}, model.Position{}, model.ErrInvalidTarget},
		{"unknown sub-stage", posA, model.Position{StageID: "B", SubStageID: "B9"}, model.Position{}, model.ErrInvalidTarget},
		{"sub-stage of another stage", posA, model.Position{StageID: "C", SubStageID: "B1"}, model.Position{}, model.ErrInvalidTarget},
		{"unknown current", model.Position{StageID: "gone"}, posC, model.Position{}, model.ErrNoValidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.target
			res, err := ResolveForward(g, tt.from, &target)
			if tt.wantErr != "" {
				expectCode(t, err, tt.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("error: %v", err)
			}
			if res.Terminal || res.To != tt.want {
				t.Errorf("got %+v, want %s", res, tt.want)
			}
		})
	}
}

func TestResolveForward_subStagesBeforeNextStage(t *testing.T) {
	g := mustGraph(t, longStages())
	if res := forward(t, g, posB1); res.To != posB2 {
		t.Errorf("forward from B/B1 = %s, want B/B2", res.To)
	}
	if res := forward(t, g, posB2); res.To != posC {
		t.Errorf("forward from B/B2 = %s, want C", res.To)
	}
	if res := forward(t, g, posC); res.To != posD1 {
		t.Errorf("forward from C = %s, want D/D1", res.To)
	}
}

func TestResolveForward_unknownCurrent(t *testing.T) {
	g := mustGraph(t, abStages())
	_, err := ResolveForward(g, model.Position{StageID: "A", SubStageID: "A9"}, nil)
	expectCode(t, err, model.ErrNoValidTransition)
}

// --- Previous ---

func TestResolvePrevious_crossesStageBoundary(t *testing.T) {
	g := mustGraph(t, longStages())
	if res := previous(t, g, posD1); res.To != posC {
		t.Errorf("previous from D/D1 = %s, want C", res.To)
	}
	if res := previous(t, g, posC); res.To != posB2 {
		t.Errorf("previous from C = %s, want B/B2 (last sub-stage)", res.To)
	}
}

func TestResolvePrevious_unknownCurrent(t *testing.T) {
	g := mustGraph(t, abStages())
	_, err := ResolvePrevious(g, model.Position{StageID: "gone"})
	expectCode(t, err, model.ErrNoValidTransition)
}

// --- Legacy bare positions ---

func TestResolve_bareStageWithSubStages(t *testing.T) {
	g := mustGraph(t, longStages())

	if res := forward(t, g, posB); res.To != posB1 {
		t.Errorf("forward from bare B = %s, want B/B1", res.To)
	}
	if res := previous(t, g, posB); res.To != posA {
		t.Errorf("previous from bare B = %s, want A", res.To)
	}

	res, err := ResolveForward(g, posB, &model.Position{StageID: "B"})
	if err != nil {
		t.Fatalf("forward_to B from bare B error: %v", err)
	}
	if res.To != posB1 {
		t.Errorf("forward_to B from bare B = %s, want B/B1", res.To)
	}

	_, err = ResolveForward(g, posB, &model.Position{StageID: "A"})
	expectCode(t, err, model.ErrInvalidTarget)
}

// --- Properties ---

func TestResolve_localInvertibility(t *testing.T) {
	for _, stages := range [][]model.Stage{abStages(), longStages()} {
		g := mustGraph(t, stages)
		for i := 0; i < g.Len()-1; i++ {
			p := g.At(i)
			next := forward(t, g, p)
			if next.Terminal {
				t.Fatalf("forward from %s is terminal before the last position", p)
			}
			back := previous(t, g, next.To)
			if back.Terminal || back.To != p {
				t.Errorf("previous(forward(%s)) = %+v, want %s", p, back, p)
			}
		}
	}
}

func TestResolveForward_explicitTargetAlwaysAfterCurrent(t *testing.T) {
	g := mustGraph(t, longStages())
	for i := 0; i < g.Len(); i++ {
		from := g.At(i)
		for j := 0; j < g.Len(); j++ {
			target := g.At(j)
			res, err := ResolveForward(g, from, &target)
			if j <= i {
				expectCode(t, err, model.ErrInvalidTarget)
				continue
			}
			if err != nil {
				t.Fatalf("%s -> %s error: %v", from, target, err)
			}
			idx, _ := g.IndexOf(res.To)
			if idx <= i {
				t.Errorf("%s -> %s resolved to %s, not after current", from, target, res.To)
			}
		}
	}
}

func TestResolveForward_enteringStage(t *testing.T) {
	g := mustGraph(t, longStages())

	// Stage without sub-stages is entered at its bare position.
	res, err := ResolveForward(g, posA, &model.Position{StageID: "C"})
	if err != nil || res.To != posC {
		t.Errorf("enter C = %+v, %v; want C", res, err)
	}
	// Stage with sub-stages is never entered at its bare position.
	res, err = ResolveForward(g, posC, &model.Position{StageID: "D"})
	if err != nil || res.To != posD1 {
		t.Errorf("enter D = %+v, %v; want D/D1", res, err)
	}
}
