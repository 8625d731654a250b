package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannes/kiji-detect/config"
	"github.com/hannes/kiji-detect/form"
	piiServices "github.com/hannes/kiji-detect/pii"
	pii "github.com/hannes/kiji-detect/pii/detectors"
)

type mockDetector struct {
	mu       sync.Mutex
	inputs   []string
	findings []pii.Finding
	err      error
}

func (d *mockDetector) GetName() string { return "mock" }
func (d *mockDetector) Close() error    { return nil }
func (d *mockDetector) Detect(_ context.Context, input pii.DetectorInput) (pii.DetectorOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, input.Text)
	if d.err != nil {
		return pii.DetectorOutput{}, d.err
	}
	return pii.DetectorOutput{Text: input.Text, Findings: d.findings}, nil
}

func (d *mockDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

type testEnv struct {
	server   *Server
	router   http.Handler
	detector *mockDetector
	store    *piiServices.InMemorySubmissionStore
}

func newTestEnv(t *testing.T, detector *mockDetector, upstreamURL string) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Detection.APIKey = "server-secret"
	cfg.Logging.LogRequests = false
	if upstreamURL != "" {
		cfg.Detection.BaseURL = upstreamURL
	}

	store := piiServices.NewInMemorySubmissionStore(100)
	uiFS := fstest.MapFS{
		"web/static/style.css": &fstest.MapFile{Data: []byte("body{}")},
	}
	srv, err := NewServerWithEmbedded(cfg, uiFS, Dependencies{Detector: detector, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return &testEnv{server: srv, router: srv.Router(), detector: detector, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func postForm(text string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(url.Values{"text": {text}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", SessionCookieName)
	return nil
}

func TestNewServer_RequiresDetector(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Detection.APIKey = "k"
	_, err := NewServer(cfg, Dependencies{})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestIndex_Idle(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Detect PII")
	assert.NotContains(t, rec.Body.String(), "Detection Results")
	assert.Empty(t, rec.Result().Cookies())
}

func TestSubmit_Success(t *testing.T) {
	detector := &mockDetector{findings: []pii.Finding{
		{Index: 0, Content: "123-45-6789", ContextualPII: true, OtherFields: []string{"SSN"}},
	}}
	env := newTestEnv(t, detector, "")

	rec := env.do(postForm("My SSN is 123-45-6789", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Detection Results")
	assert.Contains(t, body, "<strong>Contextual PII:</strong> Yes")
	assert.Contains(t, body, "<strong>Detected Fields:</strong> SSN")
	assert.Equal(t, []string{"My SSN is 123-45-6789"}, detector.inputs)

	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)

	// The session keeps its results across page loads.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	again := env.do(req)
	assert.Contains(t, again.Body.String(), "123-45-6789")

	recent, err := env.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, piiServices.OutcomeSucceeded, recent[0].Outcome)
	assert.Equal(t, 1, recent[0].FindingsCount)
	assert.Equal(t, []string{"SSN"}, recent[0].Fields)
}

func TestSubmit_ReusesSession(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")

	first := sessionCookie(t, env.do(postForm("one", nil)))
	second := sessionCookie(t, env.do(postForm("two", first)))

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, 1, env.server.sessions.len())
}

func TestSubmit_EmptyInput(t *testing.T) {
	detector := &mockDetector{}
	env := newTestEnv(t, detector, "")

	rec := env.do(postForm("   \n\t", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please enter some text.")
	assert.Equal(t, 0, detector.callCount())
	assert.Empty(t, rec.Result().Cookies(), "blank input should not start a session")
	assert.Equal(t, 0, env.server.sessions.len())

	recent, _ := env.store.Recent(context.Background(), 10)
	require.Len(t, recent, 1)
	assert.Equal(t, piiServices.OutcomeRejected, recent[0].Outcome)
}

func TestSubmit_EmptyInputKeepsExistingSession(t *testing.T) {
	detector := &mockDetector{findings: []pii.Finding{{Content: "x"}}}
	env := newTestEnv(t, detector, "")

	cookie := sessionCookie(t, env.do(postForm("first", nil)))
	rec := env.do(postForm("  ", cookie))

	assert.Contains(t, rec.Body.String(), "Please enter some text.")
	assert.Equal(t, cookie.Value, sessionCookie(t, rec).Value)
	assert.Equal(t, 1, env.server.sessions.len())
	assert.Equal(t, 1, detector.callCount())
}

func TestSubmit_DetectionFailure(t *testing.T) {
	detector := &mockDetector{err: &pii.StatusError{StatusCode: http.StatusInternalServerError}}
	env := newTestEnv(t, detector, "")

	rec := env.do(postForm("hello", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "Error detecting PII.")
	assert.NotContains(t, body, "status 500")
	assert.NotContains(t, body, "Detection Results")
	assert.Contains(t, body, ">Detect PII</button>")

	recent, _ := env.store.Recent(context.Background(), 10)
	require.Len(t, recent, 1)
	assert.Equal(t, piiServices.OutcomeFailed, recent[0].Outcome)
}

func TestSubmissionsEndpoint(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	env.do(postForm("a", nil))
	env.do(postForm("", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/submissions?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Submissions []piiServices.Submission `json:"submissions"`
		Total       int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 2, payload.Total)
	require.Len(t, payload.Submissions, 1)
	assert.Equal(t, piiServices.OutcomeRejected, payload.Submissions[0].Outcome)
	assert.NotContains(t, rec.Body.String(), `"a"`)

	bad := env.do(httptest.NewRequest(http.MethodGet, "/api/submissions?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestDetectPassThrough(t *testing.T) {
	var gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":0,"content":"x","contextual_pii":false,"other_fields":[]}]}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, &mockDetector{}, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/api/detect-pii", strings.NewReader(`{"text":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://app.example")
	rec := env.do(req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "server-secret", gotKey)
	assert.Contains(t, rec.Body.String(), `"results"`)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDetectPassThrough_Preflight(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/detect-pii", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := env.do(req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStaticFiles(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	rec := env.do(httptest.NewRequest(http.MethodGet, "/static/style.css", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
}

func TestSessionStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newSessionStore(time.Minute, 10, func() *form.Form { return form.New(&mockDetector{}, nil) })
	store.now = func() time.Time { return now }

	id, f := store.getOrCreate("")
	require.NotEmpty(t, id)

	got, ok := store.get(id)
	require.True(t, ok)
	assert.Same(t, f, got)

	now = now.Add(2 * time.Minute)
	_, ok = store.get(id)
	assert.False(t, ok)

	newID, newForm := store.getOrCreate(id)
	assert.NotEqual(t, id, newID)
	assert.NotSame(t, f, newForm)
	assert.Equal(t, 1, store.len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, store.evictExpired())
	assert.Equal(t, 0, store.len())
}

func TestRecordSubmission_Superseded(t *testing.T) {
	env := newTestEnv(t, &mockDetector{}, "")
	env.server.recordSubmission(context.Background(), form.Pending(), form.ErrSuperseded, time.Millisecond)
	env.server.recordSubmission(context.Background(), form.Failed(form.MsgDetectionError), errors.New("boom"), time.Millisecond)

	recent, _ := env.store.Recent(context.Background(), 10)
	require.Len(t, recent, 2)
	assert.Equal(t, piiServices.OutcomeFailed, recent[0].Outcome)
	assert.Equal(t, piiServices.OutcomeSuperseded, recent[1].Outcome)
}

func TestSessionStore_EvictsLeastRecentlySeenWhenFull(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newSessionStore(time.Hour, 2, func() *form.Form { return form.New(&mockDetector{}, nil) })
	store.now = func() time.Time { return now }

	first, _ := store.getOrCreate("")
	now = now.Add(time.Second)
	second, _ := store.getOrCreate("")
	now = now.Add(time.Second)

	// Touching the first session makes the second the least recently seen.
	_, ok := store.get(first)
	require.True(t, ok)
	now = now.Add(time.Second)

	third, _ := store.getOrCreate("")

	assert.Equal(t, 2, store.len())
	_, ok = store.get(first)
	assert.True(t, ok)
	_, ok = store.get(second)
	assert.False(t, ok, "least recently seen session should be evicted")
	_, ok = store.get(third)
	assert.True(t, ok)
}

func TestSessionStore_FullStoreDropsExpiredFirst(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newSessionStore(time.Minute, 2, func() *form.Form { return form.New(&mockDetector{}, nil) })
	store.now = func() time.Time { return now }

	stale, _ := store.getOrCreate("")
	now = now.Add(2 * time.Minute)
	fresh, _ := store.getOrCreate("")
	store.getOrCreate("")

	assert.Equal(t, 2, store.len())
	_, ok := store.get(fresh)
	assert.True(t, ok)
	_, ok = store.get(stale)
	assert.False(t, ok)
}

func TestSubmit_SessionCountBounded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Detection.APIKey = "server-secret"
	cfg.Logging.LogRequests = false
	cfg.MaxSessions = 3

	srv, err := NewServer(cfg, Dependencies{Detector: &mockDetector{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	router := srv.Router()

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, postForm("text", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3, srv.sessions.len())
}
