package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/document/pdftest"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/statement"
)

// staticQueue routes every tenant to one bus queue.
type staticQueue string

func (q staticQueue) Route(string) string { return string(q) }

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
	engine *rules.Engine
}

// createTestServer creates a server backed by a temporary SQLite database.
func createTestServer(t *testing.T, cfg domain.ServerConfig, queue Queue) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	c := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(10)
	t.Cleanup(func() { eventBus.Close() })
	m := metrics.New()

	svc := intake.NewService(
		statement.NewAnalyzer(statement.WithChecker(engine)),
		decision.NewProcessor(80, 50),
		repo,
		intake.Config{Cache: c, Bus: eventBus, Metrics: m, ResultTTL: time.Minute},
	)

	server := NewServer(cfg, Dependencies{
		Intake:  svc,
		Repo:    repo,
		Cache:   c,
		Bus:     eventBus,
		Queue:   queue,
		Engine:  engine,
		Metrics: m,
	}, "test-v1")

	return &testEnv{server: server, repo: repo, bus: eventBus, engine: engine}
}

func defaultServerConfig() domain.ServerConfig {
	return domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
}

func statementPDF() []byte {
	return pdftest.Build(pdftest.Lines(
		"Account Name: Jane Doe",
		"Account Number: 0123456789",
		"Bank Name: First Bank",
		"Statement Period: March 2025",
		"05-Mar-2025 Salary 1,234.56",
		"07-Mar-2025 Rent -800.00",
	))
}

func (e *testEnv) do(req *http.Request, tenantID string) *httptest.ResponseRecorder {
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) analyze(t *testing.T, tenantID string, data []byte) *domain.AnalysisResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/analyze?filename=march.pdf", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/pdf")

	rr := e.do(req, tenantID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp domain.AnalysisResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return &resp
}

func TestAnalyzeEndpoint(t *testing.T) {
	env := createTestServer(t, defaultServerConfig(), nil)

	t.Run("RawPDF", func(t *testing.T) {
		resp := env.analyze(t, "tenant-001", statementPDF())

		if resp.AnalysisID == "" {
			t.Error("expected analysisId in response")
		}
		if resp.Status != domain.StatusGenuine {
			t.Errorf("expected status GENUINE, got %s", resp.Status)
		}
		if resp.Score != 100 {
			t.Errorf("expected score 100, got %d", resp.Score)
		}
		if resp.Result.Identity["name"] != "Jane Doe" {
			t.Errorf("expected name Jane Doe, got %q", resp.Result.Identity["name"])
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
		if resp.Metadata.EngineVersion != decision.EngineVersion {
			t.Errorf("expected engine version %s, got %s", decision.EngineVersion, resp.Metadata.EngineVersion)
		}
	})

	t.Run("Multipart", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("file", "upload.pdf")
		part.Write(pdftest.Build(pdftest.Lines("Bank Name: First Bank")))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		rr := env.do(req, "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.AnalysisResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		// Missing name, number, period (3 x 5) and no transactions (30).
		if resp.Score != 55 {
			t.Errorf("expected score 55, got %d", resp.Score)
		}
		if resp.Status != domain.StatusReview {
			t.Errorf("expected status REVIEW, got %s", resp.Status)
		}

		stored, err := env.repo.GetAnalysis(context.Background(), "tenant-001", resp.AnalysisID)
		if err != nil {
			t.Fatalf("analysis not stored: %v", err)
		}
		if stored.Filename != "upload.pdf" {
			t.Errorf("expected filename upload.pdf, got %s", stored.Filename)
		}
	})

	t.Run("MultipartMissingFile", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("other", "x")
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		if rr := env.do(req, "tenant-001"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(statementPDF()))
		if rr := env.do(req, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MalformedTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(statementPDF()))
		if rr := env.do(req, "acme.>"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", http.NoBody)
		if rr := env.do(req, "tenant-001"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnreadableDocument", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader("definitely not a pdf"))
		req.Header.Set("Content-Type", "application/pdf")
		rr := env.do(req, "tenant-001")
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(statementPDF()))
		req.Header.Set(RequestIDHeader, "req-123")
		rr := env.do(req, "tenant-001")

		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request id echoed, got %q", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
	})
}

func TestUploadLimit(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.MaxUploadBytes = 64
	env := createTestServer(t, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(statementPDF()))
	req.Header.Set("Content-Type", "application/pdf")

	if rr := env.do(req, "tenant-001"); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rr.Code)
	}
}

func TestAnalysesEndpoints(t *testing.T) {
	env := createTestServer(t, defaultServerConfig(), nil)
	created := env.analyze(t, "tenant-001", statementPDF())

	t.Run("List", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses?limit=10", nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Analyses []domain.AnalysisResponse `json:"analyses"`
			Count    int                       `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 || resp.Analyses[0].AnalysisID != created.AnalysisID {
			t.Errorf("expected the created analysis, got %+v", resp)
		}
	})

	t.Run("ListBadLimit", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses?limit=ten", nil), "tenant-001")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/"+created.AnalysisID, nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp domain.AnalysisResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Score != created.Score {
			t.Errorf("expected score %d, got %d", created.Score, resp.Score)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/"+created.AnalysisID, nil), "tenant-002")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("TransactionsCSV", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/"+created.AnalysisID+"/transactions.csv", nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("expected text/csv, got %s", ct)
		}

		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		want := []string{
			"bucket,date,description,amount",
			"credit,2025-03-05,Salary,1234.56",
			"debit,2025-03-07,Rent,-800.00",
		}
		if len(lines) != len(want) {
			t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
		}
		for i := range want {
			if strings.TrimSpace(lines[i]) != want[i] {
				t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
			}
		}
	})

	t.Run("TransactionsCSVNotFound", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/analyses/missing/transactions.csv", nil), "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestAnalyzeAsync(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		env := createTestServer(t, defaultServerConfig(), nil)
		req := httptest.NewRequest(http.MethodPost, "/analyze/async", bytes.NewReader(statementPDF()))
		if rr := env.do(req, "tenant-001"); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Queued", func(t *testing.T) {
		env := createTestServer(t, defaultServerConfig(), staticQueue("_global"))

		received := make(chan bus.SubmittedEvent, 1)
		env.bus.Subscribe(context.Background(), "_global", domain.TopicStatementSubmitted, func(ctx context.Context, msg *domain.Message) error {
			var event bus.SubmittedEvent
			if err := bus.DecodeJSON(msg, &event); err != nil {
				return err
			}
			received <- event
			return nil
		})

		data := statementPDF()
		req := httptest.NewRequest(http.MethodPost, "/analyze/async?filename=q.pdf", bytes.NewReader(data))
		rr := env.do(req, "tenant-001")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["digest"] != intake.Digest(data) {
			t.Errorf("expected digest %s, got %s", intake.Digest(data), resp["digest"])
		}

		select {
		case event := <-received:
			if event.TenantID != "tenant-001" || event.Filename != "q.pdf" {
				t.Errorf("unexpected event %+v", event)
			}
			if !bytes.Equal(event.Document, data) {
				t.Error("document bytes not preserved")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for submitted event")
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	env := createTestServer(t, defaultServerConfig(), nil)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/rules", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req, "tenant-001")
	}

	t.Run("Create", func(t *testing.T) {
		rr := post(`{"id":"few-credits","name":"Few credits","expression":"credit_count < 2","indicator":"Too few credits","penalty":10,"enabled":true}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.engine.RulesCount() != 1 {
			t.Errorf("expected 1 loaded rule, got %d", env.engine.RulesCount())
		}
		stored, err := env.repo.GetCheckRule(context.Background(), domain.GlobalTenantID, "few-credits")
		if err != nil {
			t.Fatalf("rule not stored under the global tenant: %v", err)
		}
		if stored.TenantID != domain.GlobalTenantID {
			t.Errorf("stored tenant = %q, want %q", stored.TenantID, domain.GlobalTenantID)
		}
	})

	t.Run("RuleAppliesToAnalysis", func(t *testing.T) {
		resp := env.analyze(t, "tenant-001", statementPDF())
		if resp.Score != 90 {
			t.Errorf("expected score 90, got %d", resp.Score)
		}
		if resp.Metadata.RulesEvaluated != 1 {
			t.Errorf("expected 1 rule evaluated, got %d", resp.Metadata.RulesEvaluated)
		}
	})

	t.Run("InvalidExpression", func(t *testing.T) {
		rr := post(`{"id":"bad","name":"Bad","expression":"credit_count +","indicator":"x","penalty":1,"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonBoolExpression", func(t *testing.T) {
		rr := post(`{"id":"num","name":"Num","expression":"credit_count + 1","indicator":"x","penalty":1,"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ZeroPenalty", func(t *testing.T) {
		rr := post(`{"id":"free","name":"Free","expression":"credit_count < 2","indicator":"x","penalty":0,"enabled":true}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		if rr := post(`{"id":"x"}`); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ListAndGet", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/rules", nil), "tenant-001")
		var list struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Count != 1 {
			t.Errorf("expected 1 rule, got %d", list.Count)
		}

		rr = env.do(httptest.NewRequest(http.MethodGet, "/rules/few-credits", nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		rr = env.do(httptest.NewRequest(http.MethodGet, "/rules/nope", nil), "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		env.engine.UnloadRule("few-credits")

		rr := env.do(httptest.NewRequest(http.MethodPost, "/rules/reload", nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if env.engine.RulesCount() != 1 {
			t.Errorf("expected rule restored from database, got %d", env.engine.RulesCount())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodDelete, "/rules/few-credits", nil), "tenant-001")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if env.engine.RulesCount() != 0 {
			t.Errorf("expected rule unloaded, got %d", env.engine.RulesCount())
		}

		rr = env.do(httptest.NewRequest(http.MethodDelete, "/rules/few-credits", nil), "tenant-001")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 on second delete, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t, defaultServerConfig(), nil)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]any
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/ready", nil), "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.analyze(t, "tenant-001", statementPDF())

		rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `kestrel_analyses_total{status="GENUINE"} 1`) {
			t.Error("expected analyses counter in metrics output")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := env.do(req, "")
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
			t.Errorf("expected origin echoed, got %q", got)
		}
	})
}
