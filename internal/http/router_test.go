package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/config"
	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/services"
)

// --- service stubs; nil funcs mean the route under test must not reach them ---

type stubIngress struct {
	submit func(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error)
}

func (s stubIngress) Submit(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error) {
	return s.submit(ctx, req)
}

type stubMessages struct {
	history func(ctx context.Context, requesterID, conversationID, before string, limit int) (*services.HistoryPage, error)
}

func (s stubMessages) History(ctx context.Context, requesterID, conversationID, before string, limit int) (*services.HistoryPage, error) {
	return s.history(ctx, requesterID, conversationID, before, limit)
}
func (stubMessages) Delete(context.Context, string, string) error { return nil }
func (stubMessages) Search(context.Context, string, string, string, int) ([]services.SearchHit, error) {
	return nil, nil
}
func (stubMessages) ConversationStats(context.Context, string) (int64, *time.Time, error) {
	return 0, nil, nil
}
func (stubMessages) Authorize(context.Context, string, string) error { return nil }

type stubReceipts struct{}

func (stubReceipts) Record(context.Context, string, string, string) error { return nil }

func testDeps() Deps {
	return Deps{
		Ingress: stubIngress{submit: func(_ context.Context, req services.SubmitRequest) (*services.SubmitResult, error) {
			return &services.SubmitResult{
				MessageID:     "m-1",
				CorrelationID: "corr-1",
				State:         "pending",
				AcceptedAt:    time.Now().UTC(),
			}, nil
		}},
		Messages: stubMessages{history: func(context.Context, string, string, string, int) (*services.HistoryPage, error) {
			return &services.HistoryPage{Items: []domain.Message{}}, nil
		}},
		Receipts: stubReceipts{},
	}
}

func testCfg() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		InstanceID:  "node-test",
		CORS:        config.CORSConfig{},
		Security:    config.SecurityConfig{EnableHSTS: false},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

type errBody struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestRegisterRoutes_OperationalEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, testDeps(), testCfg())

	// /health with no pingers wired still answers 200.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS allow-all branch forces ACAO *.
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	// RequestID middleware ran.
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	// /metrics is wired.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → protocol 404 envelope.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", w.Code)
	}
	var e errBody
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("bad 404 body: %v", err)
	}
	if e.Error.Code != "NOT_FOUND" {
		t.Fatalf("404 code = %q", e.Error.Code)
	}

	// NoMethod → protocol 405 envelope.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /health = %d", w.Code)
	}
	e = errBody{}
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("bad 405 body: %v", err)
	}
	if e.Error.Code != "METHOD_NOT_ALLOWED" {
		t.Fatalf("405 code = %q", e.Error.Code)
	}
}

func TestRegisterRoutes_CORSAllowlistEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testCfg()
	cfg.CORS.AllowedOrigins = []string{"http://chat.example.com"}
	RegisterRoutes(r, testDeps(), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://chat.example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://chat.example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	// Unlisted origins get no ACAO at all.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected ACAO for unlisted origin: %q", got)
	}
}

func TestRegisterRoutes_APIWiring(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, testDeps(), testCfg())

	// Submission flows through the whole middleware stack to the handler.
	body := bytes.NewBufferString(`{"conversation_id":"c-1","content":"hello","client_message_id":"k-1"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /api/v1/messages = %d body=%s", w.Code, w.Body.String())
	}
	var res services.SubmitResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if res.MessageID != "m-1" || res.State != "pending" {
		t.Fatalf("unexpected ack: %+v", res)
	}

	// Identity is mandatory on the API surface.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c-1/messages", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing identity = %d, want 401", w.Code)
	}

	// With identity the read path reaches the stub.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c-1/messages", nil)
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET history = %d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_GzipOnAPIResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, testDeps(), testCfg())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/c-1/messages", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET history = %d", w.Code)
	}
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	// /metrics is excluded so Prometheus scrapes stay plain.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Content-Encoding"); got == "gzip" {
		t.Fatalf("expected /metrics to skip middleware gzip")
	}
}

func TestRegisterRoutes_SocketRouteOptional(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Without a socket handler the route does not exist.
	r := gin.New()
	RegisterRoutes(r, testDeps(), testCfg())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /ws without handler = %d, want 404", w.Code)
	}

	// With one, requests land in it.
	r = gin.New()
	d := testDeps()
	var hit bool
	d.Socket = func(c *gin.Context) {
		hit = true
		c.Status(http.StatusBadRequest) // no real upgrade in tests
	}
	RegisterRoutes(r, d, testCfg())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !hit || w.Code != http.StatusBadRequest {
		t.Fatalf("socket handler not wired: hit=%v code=%d", hit, w.Code)
	}
}

func TestRegisterRoutes_SwaggerGated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	cfg := testCfg()
	cfg.SwaggerEnabled = true
	RegisterRoutes(r, testDeps(), cfg)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /swagger/index.html = %d", w.Code)
	}

	r = gin.New()
	RegisterRoutes(r, testDeps(), testCfg())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be off by default, got %d", w.Code)
	}
}

func TestRegisterRoutes_HeaderLoggingVariant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testCfg()
	cfg.LogHTTPHeaders = true
	RegisterRoutes(r, testDeps(), cfg)

	// Smoke: the redacting-logger branch serves traffic identically.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func Test_identity_LiftsHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(identity())
	r.GET("/whoami", func(c *gin.Context) {
		uid, _ := c.Get("userID")
		s, _ := uid.(string)
		c.String(http.StatusOK, s)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-User-ID", "  alice  ")
	r.ServeHTTP(w, req)
	if w.Body.String() != "alice" {
		t.Fatalf("userID = %q, want alice", w.Body.String())
	}

	// Absent header leaves the key unset.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if w.Body.String() != "" {
		t.Fatalf("userID = %q, want empty", w.Body.String())
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("tiny"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("small body should pass, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
