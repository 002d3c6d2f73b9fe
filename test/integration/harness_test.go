package integration

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/healthz", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/readyz", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_APIDocumentIsPublic(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/openapi.json", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "/api/items/move") {
		t.Error("API document does not describe the move endpoint")
	}
}

func TestHarness_SeededWorkflow(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(WorkerClaims())

	var wf struct {
		Data []struct {
			StageName    string `json:"stage_name"`
			SubStageName string `json:"sub_stage_name"`
		} `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/workflow", token), http.StatusOK, &wf)

	want := []string{"Cutting/", "Sewing/Stitching", "Sewing/Hemming", "Packing/"}
	if len(wf.Data) != len(want) {
		t.Fatalf("positions = %d, want %d", len(wf.Data), len(want))
	}
	for i, p := range wf.Data {
		if got := p.StageName + "/" + p.SubStageName; got != want[i] {
			t.Errorf("position %d = %q, want %q", i, got, want[i])
		}
	}
}
