// Package integration runs the stagetrack HTTP API end to end against
// in-memory stores and a local token issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/capability"
	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/internal/events"
	"github.com/pitabwire/stagetrack/internal/idempotency"
	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/internal/openapi"
	"github.com/pitabwire/stagetrack/internal/transport"
	"github.com/pitabwire/stagetrack/internal/workflow"
	"github.com/pitabwire/stagetrack/model"
)

// Organization IDs seeded by the harness.
const (
	OrgAcme  = "acme-garments"
	OrgOther = "other-garments"
)

// TestHarness is a stagetrack server wired with in-memory stores and an
// event collector, fronted by a real JWT verifier.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Store       *workflow.MemoryStore
	Graphs      *workflow.GraphCache
	Executor    *workflow.Executor
	Events      *events.Collector
	Idempotency *idempotency.MemoryStore
	Resolver    *capability.Resolver
}

// HarnessOption adjusts the harness before the server starts.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile string
	stages     map[string][]model.Stage
}

// WithPolicyFile replaces the built-in Owner/Worker policy with a YAML file.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithStages replaces the seeded workflow of one organization.
func WithStages(organizationID string, stages []model.Stage) HarnessOption {
	return func(c *harnessConfig) { c.stages[organizationID] = stages }
}

// NewTestHarness starts a server seeded with GarmentStages for OrgAcme and
// OrgOther. It is shut down when the test ends.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{stages: map[string][]model.Stage{
		OrgAcme:  GarmentStages(OrgAcme),
		OrgOther: GarmentStages(OrgOther),
	}}
	for _, opt := range opts {
		opt(hc)
	}

	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}

	h := &TestHarness{
		t:           t,
		issuer:      newTokenIssuer(t),
		Store:       workflow.NewMemoryStore(),
		Events:      events.NewCollector(0),
		Idempotency: idempotency.NewMemoryStore(),
	}
	for org, stages := range hc.stages {
		h.Store.PutStages(org, stages)
	}
	h.Graphs = workflow.NewGraphCache(h.Store, time.Minute)
	t.Cleanup(h.Graphs.Close)

	evaluator := capability.NewDefaultPolicyEvaluator()
	if hc.policyFile != "" {
		if evaluator, err = capability.NewStaticPolicyEvaluator(hc.policyFile); err != nil {
			t.Fatalf("load policy %s: %v", hc.policyFile, err)
		}
	}
	h.Resolver = capability.NewResolver(evaluator, time.Minute, 100)
	h.Executor = workflow.NewExecutor(h.Store, capability.NewGate(evaluator, h.Resolver),
		workflow.WithPublisher(h.Events),
		workflow.WithItemTimeout(5*time.Second),
	)

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	h.server = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             zap.NewNop(),
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, zap.NewNop())),
		CapabilityResolver: h.Resolver,
		Executor:           h.Executor,
		Insights:           workflow.NewInsights(h.Store, h.Graphs),
		OpenAPI:            doc,
		Idempotency:        h.Idempotency,
		Readiness: observability.ReadinessChecks{
			OpenAPILoaded:    func() bool { return true },
			IdempotencyStore: h.Idempotency,
			EventPublisher:   h.Events,
		},
	}))
	t.Cleanup(h.server.Close)

	return h
}

// GenerateToken mints a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken mints a token past its expiry.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET sends a GET, authenticated when token is non-empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, token, nil)
}

// POST sends body as JSON.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders sends body as JSON with extra request headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(h.t.Context(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// AssertStatus closes resp and reports a status mismatch with the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("%s %s: status = %d, want %d\nbody: %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// AssertJSON requires status want, then decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d\nbody: %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		t.Fatalf("decode body: %v\nbody: %s", err, body)
	}
}

// RegisterItem places a new item at the first position of the caller's
// workflow and returns it.
func (h *TestHarness) RegisterItem(t *testing.T, token, orderID string) model.Item {
	t.Helper()
	var item model.Item
	h.AssertJSON(t, h.POST("/api/items", map[string]any{"order_id": orderID}, token), http.StatusCreated, &item)
	return item
}

// MoveResponse is the batch move response body.
type MoveResponse struct {
	Succeeded []model.ItemMove     `json:"succeeded"`
	Failed    []model.ItemFailure  `json:"failed"`
	Error     *model.ErrorEnvelope `json:"error"`
}

// Move posts a batch move and decodes the response, asserting the status.
func (h *TestHarness) Move(t *testing.T, token string, req map[string]any, expected int) MoveResponse {
	t.Helper()
	var out MoveResponse
	h.AssertJSON(t, h.POST("/api/items/move", req, token), expected, &out)
	return out
}

// History returns an item's history views in chronological order.
func (h *TestHarness) History(t *testing.T, token, itemID string) []model.HistoryView {
	t.Helper()
	var out struct {
		Data []model.HistoryView `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/items/"+itemID+"/history", token), http.StatusOK, &out)
	return out.Data
}

// OwnerClaims returns TestClaims for an Owner in OrgAcme.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-owner",
		OrganizationID: OrgAcme,
		Email:          "owner@acme.example.com",
		Roles:          []string{model.RoleOwner},
	}
}

// WorkerClaims returns TestClaims for a Worker in OrgAcme.
func WorkerClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-worker",
		OrganizationID: OrgAcme,
		Email:          "worker@acme.example.com",
		Roles:          []string{model.RoleWorker},
	}
}

// OtherOwnerClaims returns TestClaims for an Owner in OrgOther.
func OtherOwnerClaims() TestClaims {
	return TestClaims{
		SubjectID:      "user-other",
		OrganizationID: OrgOther,
		Email:          "owner@other.example.com",
		Roles:          []string{model.RoleOwner},
	}
}

// GarmentStages is Cutting, Sewing (Stitching, Hemming), Packing with IDs
// prefixed by the organization.
func GarmentStages(org string) []model.Stage {
	sew := org + "-sew"
	return []model.Stage{
		{ID: org + "-cut", OrganizationID: org, Name: "Cutting", SequenceOrder: 1},
		{ID: sew, OrganizationID: org, Name: "Sewing", SequenceOrder: 2, SubStages: []model.SubStage{
			{ID: org + "-stitch", StageID: sew, Name: "Stitching", SequenceOrder: 1},
			{ID: org + "-hem", StageID: sew, Name: "Hemming", SequenceOrder: 2},
		}},
		{ID: org + "-pack", OrganizationID: org, Name: "Packing", SequenceOrder: 3},
	}
}
