package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/broker"
	"github.com/hivemind-academic/scholar-scraper/internal/task"
)

type published struct {
	queue string
	body  []byte
}

type fakeBroker struct {
	mu    sync.Mutex
	state broker.State
	err   error
	msgs  []published
}

func (b *fakeBroker) Publish(_ context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{queue: queue, body: body})
	return nil
}

func (b *fakeBroker) State() broker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *fakeBroker) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.msgs...)
}

func newTestServer(b *fakeBroker, apiKey string) *Server {
	return NewServer(b, Config{
		APIKey:      apiKey,
		ListQueue:   "scholar_tasks",
		DetailQueue: "profile_tasks",
	}, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeBroker{}, "secret"), http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReflectsBrokerState(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{state: broker.StateConnecting}
	s := newTestServer(b, "")

	rec := do(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connecting")

	b.mu.Lock()
	b.state = broker.StateConnected
	b.mu.Unlock()
	rec = do(t, s, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeBroker{}, "")
	do(t, s, http.MethodGet, "/healthz", "", nil)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_EnqueueList(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestServer(b, "")
	rec := do(t, s, http.MethodPost, "/v1/tasks/list",
		`{"urls":["https://akademik.yok.gov.tr/list?dept=1","https://akademik.yok.gov.tr/list?dept=2"]}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"queue":"scholar_tasks","enqueued":2}`, rec.Body.String())
	msgs := b.published()
	require.Len(t, msgs, 2)
	require.Equal(t, "scholar_tasks", msgs[0].queue)
	m, err := task.Decode(msgs[1].body, task.KindList)
	require.NoError(t, err)
	require.Equal(t, "https://akademik.yok.gov.tr/list?dept=2", m.URL)
}

func TestServer_EnqueueListRejectsBadInput(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestServer(b, "")
	for _, body := range []string{`{invalid`, `{"urls":[]}`, `{"urls":["ftp://host/x"]}`, `{"urls":["not a url"]}`} {
		rec := do(t, s, http.MethodPost, "/v1/tasks/list", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, b.published())
}

func TestServer_EnqueueDetailDerivesExternalID(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestServer(b, "")
	rec := do(t, s, http.MethodPost, "/v1/tasks/detail",
		`{"url":"https://akademik.yok.gov.tr/AkademikArama/Profil?authorId=AB12"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	msgs := b.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "profile_tasks", msgs[0].queue)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].body, &got))
	require.Equal(t, "AB12", got["yokId"])
}

func TestServer_EnqueueDetailRequiresExternalID(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeBroker{}, ""), http.MethodPost, "/v1/tasks/detail",
		`{"url":"https://akademik.yok.gov.tr/AkademikArama/Profil"}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "yokId required")
}

func TestServer_EnqueueFailureMapsStatus(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{err: broker.ErrClosed}
	rec := do(t, newTestServer(b, ""), http.MethodPost, "/v1/tasks/detail",
		`{"url":"https://akademik.yok.gov.tr/p","yokId":"X"}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyGuardsTaskRoutes(t *testing.T) {
	t.Parallel()

	b := &fakeBroker{}
	s := newTestServer(b, "secret")
	body := `{"url":"https://akademik.yok.gov.tr/p","yokId":"X"}`

	rec := do(t, s, http.MethodPost, "/v1/tasks/detail", body, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tasks/detail", body, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/tasks/detail?api_key=secret", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, b.published(), 2)
}

func TestServer_RequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestServer(&fakeBroker{}, ""), http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}
