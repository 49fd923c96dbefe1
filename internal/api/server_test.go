package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/resident-x/go-fridgetag/internal/config"
	"github.com/resident-x/go-fridgetag/internal/parser"
)

// recordingPublisher captures published payloads.
type recordingPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []interface{}
	err      error
}

func (p *recordingPublisher) Connect(_ context.Context) error { return nil }
func (p *recordingPublisher) Close() error                    { return nil }

func (p *recordingPublisher) Publish(_ context.Context, topic string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, data)
	return p.err
}

func newTestServer(t *testing.T, cfg *config.Config, publisher *recordingPublisher) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p, err := parser.NewParser(cfg)
	require.NoError(t, err)

	var s *Server
	if publisher != nil {
		s, err = NewServer(cfg, p, publisher, "test")
	} else {
		s, err = NewServer(cfg, p, nil, "test")
	}
	require.NoError(t, err)
	return s
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "parser", "testdata", name))
	require.NoError(t, err)
	return data
}

func uploadRequest(t *testing.T, target, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNewServer(t *testing.T) {
	cfg := config.DefaultConfig()
	p, err := parser.NewParser(cfg)
	require.NoError(t, err)

	s, err := NewServer(cfg, p, nil, "test")
	require.NoError(t, err)
	assert.Equal(t, cfg, s.config)
	assert.NotNil(t, s.router)
	assert.NotNil(t, s.cache)
	assert.NotNil(t, s.limiter)
	assert.NotZero(t, s.startTime)

	_, err = NewServer(cfg, nil, nil, "test")
	assert.Error(t, err)
}

func TestNewServer_NoCacheNoLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.CacheSize = 0
	cfg.API.RateLimit = 0

	s := newTestServer(t, cfg, nil)
	assert.Nil(t, s.cache)
	assert.Nil(t, s.limiter)
}

func TestAPIServer_HandleRoot(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	response := decode(t, w)
	assert.Equal(t, "test", response["version"])
	assert.Equal(t, []interface{}{"Fridge-tag 2", "Fridge-tag 2L", "Fridge-tag 2E"}, response["supported_devices"])
}

func TestAPIServer_HandleStatus(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.Equal(t, "ok", response["status"])
	assert.NotEmpty(t, response["uptime"])
	assert.Equal(t, float64(0), response["parses"])
	assert.Equal(t, float64(0), response["cacheEntries"])
	assert.Contains(t, response, "validation")
}

func TestAPIServer_ParseJSON(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "export.txt", fixture(t, "full_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	response := decode(t, w)
	assert.Equal(t, true, response["success"])
	assert.Equal(t, "export.txt", response["filename"])
	assert.NotEmpty(t, response["id"])
	assert.Equal(t, true, response["certificateValid"])
	assert.NotContains(t, response, "raw")

	data := response["data"].(map[string]interface{})
	assert.Equal(t, "160400343951", data["serialNumber"])
	assert.Equal(t, "Fridge-tag 2L", data["deviceModel"])
	assert.Len(t, data["historyRecords"], 3)
}

func TestAPIServer_ParseLegacyRoute(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/parse-fridgetag/", "minimal.TXT", fixture(t, "minimal_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data := decode(t, w)["data"].(map[string]interface{})
	records := data["historyRecords"].([]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "2025-06-11T08:34:22Z", records[0].(map[string]interface{})["timestamp"])
}

func TestAPIServer_ParseDebugIncludesRaw(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse?debug=true", "export.txt", fixture(t, "full_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w), "raw")
}

func TestAPIServer_ParseRejected(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "swapped.txt", fixture(t, "swapped_minmax.txt")))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	response := decode(t, w)
	assert.Equal(t, false, response["success"])
	assert.NotEmpty(t, response["id"])

	perr := response["error"].(map[string]interface{})
	assert.Equal(t, "InconsistentAggregateError", perr["kind"])
	assert.Equal(t, "history", perr["section"])
	assert.Equal(t, float64(0), perr["index"])
}

func TestAPIServer_ParseMissingHeader(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "broken.txt", fixture(t, "missing_header.txt")))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	perr := decode(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "MissingRequiredSectionError", perr["kind"])
	assert.NotContains(t, perr, "index")
}

func TestAPIServer_ParseBadRequests(t *testing.T) {
	content := []byte("Device: Fridge-tag 2\nConf:\n Serial: 1\n")

	tests := []struct {
		name     string
		target   string
		filename string
		content  []byte
		errMsg   string
	}{
		{name: "no file", target: "/api/v1/parse", errMsg: "No file uploaded"},
		{name: "wrong extension", target: "/api/v1/parse", filename: "export.csv", content: content, errMsg: ".txt"},
		{name: "invalid debug flag", target: "/api/v1/parse?debug=maybe", filename: "a.txt", content: content, errMsg: "debug"},
		{name: "invalid permissive flag", target: "/api/v1/parse?permissive=2", filename: "a.txt", content: content, errMsg: "permissive"},
		{name: "unknown format", target: "/api/v1/parse?format=pdf", filename: "a.txt", content: content, errMsg: "format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, nil)

			w := serve(s, uploadRequest(t, tt.target, tt.filename, tt.content))
			assert.Equal(t, http.StatusBadRequest, w.Code)

			response := decode(t, w)
			assert.Equal(t, false, response["success"])
			assert.Contains(t, response["error"], tt.errMsg)
		})
	}
}

func TestAPIServer_ParseNotMultipart(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/parse", strings.NewReader("Device: Fridge-tag 2\n"))
	req.Header.Set("Content-Type", "text/plain")

	w := serve(s, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIServer_ParseOversized(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.MaxUploadBytes = 64
	s := newTestServer(t, cfg, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "export.txt", fixture(t, "full_2l.txt")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIServer_ParseYAML(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse?format=yaml", "export.txt", fixture(t, "minimal_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="export.yaml"`)
	assert.NotEmpty(t, w.Header().Get("X-Parse-Id"))
	assert.Contains(t, w.Body.String(), `serialNumber: "160400343951"`)
}

func TestAPIServer_ParseXLSX(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, uploadRequest(t, "/api/v1/parse?format=xlsx", "export.txt", fixture(t, "full_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	serial, err := f.GetCellValue("Device", "B4")
	require.NoError(t, err)
	assert.Equal(t, "160400343951", serial)

	rows, err := f.GetRows("History")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestAPIServer_ParseCache(t *testing.T) {
	s := newTestServer(t, nil, nil)
	content := fixture(t, "full_2l.txt")

	first := decode(t, serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", content)))
	second := decode(t, serve(s, uploadRequest(t, "/api/v1/parse", "b.txt", content)))

	assert.NotEqual(t, first["id"], second["id"])
	assert.Equal(t, first["data"], second["data"])
	assert.Equal(t, "b.txt", second["filename"])

	assert.Equal(t, int64(2), s.parses.Load())
	assert.Equal(t, int64(1), s.hits.Load())
	assert.Equal(t, int64(1), s.parser.GetValidationStatistics()["validations_performed"])

	// Options are part of the cache key
	serve(s, uploadRequest(t, "/api/v1/parse?permissive=true", "a.txt", content))
	assert.Equal(t, int64(1), s.hits.Load())
	assert.Equal(t, 2, s.cache.Len())
}

func TestAPIServer_ParseFailuresNotCached(t *testing.T) {
	s := newTestServer(t, nil, nil)
	content := fixture(t, "swapped_minmax.txt")

	for i := 0; i < 2; i++ {
		w := serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", content))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	}
	assert.Equal(t, int64(2), s.failures.Load())
	assert.Equal(t, 0, s.cache.Len())
}

func TestAPIServer_RateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimit = 0.001
	cfg.API.RateBurst = 1
	s := newTestServer(t, cfg, nil)
	content := fixture(t, "minimal_2l.txt")

	w := serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", content))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", content))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Read-only endpoints are not limited
	w = serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIServer_PublishesReports(t *testing.T) {
	publisher := &recordingPublisher{}
	s := newTestServer(t, nil, publisher)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", fixture(t, "minimal_2l.txt")))
	require.Equal(t, http.StatusOK, w.Code)

	serve(s, uploadRequest(t, "/api/v1/parse", "b.txt", fixture(t, "swapped_minmax.txt")))

	require.Len(t, publisher.payloads, 1)
	assert.Equal(t, "", publisher.topics[0])
	assert.Contains(t, fmt.Sprintf("%+v", publisher.payloads[0]), "160400343951")
}

func TestAPIServer_PublishErrorDoesNotFailUpload(t *testing.T) {
	publisher := &recordingPublisher{err: assert.AnError}
	s := newTestServer(t, nil, publisher)

	w := serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", fixture(t, "minimal_2l.txt")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, publisher.payloads, 1)
}

func TestAPIServer_Metrics(t *testing.T) {
	s := newTestServer(t, nil, nil)

	serve(s, uploadRequest(t, "/api/v1/parse", "a.txt", fixture(t, "minimal_2l.txt")))
	serve(s, uploadRequest(t, "/api/v1/parse", "b.txt", fixture(t, "swapped_minmax.txt")))

	w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `fridgetag_parses_total{result="ok"} 1`)
	assert.Contains(t, body, `fridgetag_parses_total{result="InconsistentAggregateError"} 1`)
	assert.Contains(t, body, `fridgetag_http_requests_total{route="parse",status="200"} 1`)
	assert.Contains(t, body, `fridgetag_http_requests_total{route="parse",status="422"} 1`)
	assert.Contains(t, body, "fridgetag_cache_misses_total 2")
}

func TestAPIServer_CORS(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody)
	req.Header.Set("Origin", "https://dhis2.example.org")

	w := serve(s, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/parse", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPIServer_NotFoundEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIServer_StartAndStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.Host = "localhost"
	cfg.API.Port = 0 // Use port 0 to let the OS choose an available port

	s := newTestServer(t, cfg, nil)
	ctx := context.Background()

	assert.NoError(t, s.Start(ctx))

	// Give the server a moment to start
	time.Sleep(10 * time.Millisecond)

	assert.NoError(t, s.Stop(ctx))
}

func TestAPIServer_StopWithNilServer(t *testing.T) {
	s := newTestServer(t, nil, nil)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestAPIServer_WriteError(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.writeError(w, "Test error message", http.StatusBadRequest)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	response := decode(t, w)
	assert.Equal(t, "Test error message", response["error"])
	assert.Equal(t, false, response["success"])
}

// Test JSON encoding errors.
type brokenData struct{}

func (b brokenData) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("intentional marshal error")
}

func TestAPIServer_WriteJSONError(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	s.writeJSON(w, brokenData{}, http.StatusOK)

	// Should still set headers and status code
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Body.String())
}
