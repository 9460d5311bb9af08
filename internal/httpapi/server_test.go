package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/chime"
	"github.com/ent0n29/promptsync/internal/config"
	"github.com/ent0n29/promptsync/internal/feed"
	"github.com/ent0n29/promptsync/internal/observability"
	"github.com/ent0n29/promptsync/internal/promptruntime"
	"github.com/ent0n29/promptsync/internal/protocol"
	"github.com/ent0n29/promptsync/internal/resolve"
	"github.com/ent0n29/promptsync/internal/session"
)

var namespaceSeq atomic.Int32

type testServer struct {
	*httptest.Server
	store    *actions.MemoryStore
	sessions *session.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		StoreOpTimeout:           time.Second,
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", namespaceSeq.Add(1)))
	store := actions.NewMemoryStore()
	hub := feed.NewHub(store, nil, metrics, time.Second)
	store.SetChangeHook(hub.Notify)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	resolver := resolve.New(store, resolve.Config{MaxAttempts: 1}, nil)
	runtime := promptruntime.New(promptruntime.Config{ChimeURL: "/v1/assets/prompt-chime.wav"}, store, hub, resolver, sessions, metrics, nil)

	srv := New(cfg, sessions, runtime, store, metrics, Options{
		StoreMode: "memory",
		Chime:     chime.NewShared(chime.DefaultParams()),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, sessions: sessions}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]any
	if res.StatusCode != http.StatusNoContent && strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func TestCreateAndEndSession(t *testing.T) {
	ts := newTestServer(t)

	res, created := ts.do(t, http.MethodPost, "/v1/sessions", map[string]string{"owner_id": "user-1", "device_id": "phone"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sessionID, _ := created["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, float64(120000), created["inactivity_ttl_ms"])

	res, _ = ts.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/end", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := ts.do(t, http.MethodPost, "/v1/sessions/missing/end", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "session_not_found", body["code"])

	res, body = ts.do(t, http.MethodPost, "/v1/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.do(t, http.MethodPut, "/v1/subjects/p1", map[string]string{"name": "Salon Amani"})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, created := ts.do(t, http.MethodPost, "/v1/actions", map[string]string{"owner_id": "u1", "subject_id": "p1"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	record := created["record"].(map[string]any)
	recordID := record["id"].(string)
	assert.Equal(t, "pending", record["status"])
	assert.Equal(t, false, created["deduped"])

	res, deduped := ts.do(t, http.MethodPost, "/v1/actions", map[string]string{"owner_id": "u1", "subject_id": "p1"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, deduped["deduped"])
	assert.Equal(t, recordID, deduped["record"].(map[string]any)["id"])

	res, list := ts.do(t, http.MethodGet, "/v1/actions?owner_id=u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, list["records"], 1)

	res, body := ts.do(t, http.MethodPost, "/v1/actions/"+recordID+"/resolve", map[string]any{"owner_id": "u2", "score": 4})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", body["code"])

	res, body = ts.do(t, http.MethodPost, "/v1/actions/"+recordID+"/resolve", map[string]any{"owner_id": "u1", "score": 9})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = ts.do(t, http.MethodPost, "/v1/actions/"+recordID+"/resolve", map[string]any{"owner_id": "u1", "score": 4, "comment": "Top, appelez 0812345678"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "completed", body["outcome"])
	assert.Equal(t, true, body["comment_redacted"])

	res, body = ts.do(t, http.MethodPost, "/v1/actions/"+recordID+"/resolve", map[string]any{"owner_id": "u1", "score": 4})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_resolved", body["code"])

	res, list = ts.do(t, http.MethodGet, "/v1/actions?owner_id=u1&active=false", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, list["records"], 1)
	res, list = ts.do(t, http.MethodGet, "/v1/actions?owner_id=u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, list["records"], 0)

	res, outcomes := ts.do(t, http.MethodGet, "/v1/subjects/p1/outcomes", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, outcomes["outcomes"], 1)
	first := outcomes["outcomes"].([]any)[0].(map[string]any)
	assert.NotContains(t, first["comment"], "0812345678")

	res, body = ts.do(t, http.MethodGet, "/v1/actions/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "record_not_found", body["code"])

	res, perf := ts.do(t, http.MethodGet, "/v1/perf/resolution", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, perf["outcomes"])
	assert.Contains(t, perf, "prompts")
}

func TestSubjectCRUD(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.do(t, http.MethodPut, "/v1/subjects/p1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body := ts.do(t, http.MethodPut, "/v1/subjects/p1", map[string]string{"name": "Chez Mado", "kind": "partner"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Chez Mado", body["name"])

	res, body = ts.do(t, http.MethodGet, "/v1/subjects/p1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "partner", body["kind"])

	res, _ = ts.do(t, http.MethodDelete, "/v1/subjects/p1", nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = ts.do(t, http.MethodGet, "/v1/subjects/p1", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "subject_not_found", body["code"])
}

func TestHealthAndAssets(t *testing.T) {
	ts := newTestServer(t)

	res, body := ts.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "memory", body["store_mode"])

	res, err := http.Get(ts.URL + "/v1/assets/prompt-chime.wav")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, chime.ContentType, res.Header.Get("Content-Type"))
	head := make([]byte, 4)
	_, err = res.Body.Read(head)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(head))

	metricsRes, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metricsRes.Body.Close()
	assert.Equal(t, http.StatusOK, metricsRes.StatusCode)
}

func readWS[T any](t *testing.T, conn *websocket.Conn, want protocol.MessageType) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type != want {
			continue
		}
		var out T
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
}

func TestSessionWebSocketPromptFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/v1/subjects/p1", map[string]string{"name": "Salon Amani"})
	_, created := ts.do(t, http.MethodPost, "/v1/actions", map[string]string{"owner_id": "u1", "subject_id": "p1"})
	recordID := created["record"].(map[string]any)["id"].(string)
	_, sess := ts.do(t, http.MethodPost, "/v1/sessions", map[string]string{"owner_id": "u1"})
	sessionID := sess["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	show := readWS[protocol.PromptShow](t, conn, protocol.TypePromptShow)
	assert.Equal(t, recordID, show.RecordID)
	assert.Equal(t, "Salon Amani", show.SubjectName)

	require.NoError(t, conn.WriteJSON(protocol.PromptResolve{
		Type:      protocol.TypePromptResolve,
		SessionID: sessionID,
		RecordID:  recordID,
		Score:     5,
	}))
	result := readWS[protocol.ResolveResult](t, conn, protocol.TypeResolveResult)
	assert.Equal(t, "completed", result.Outcome)
	hide := readWS[protocol.PromptHide](t, conn, protocol.TypePromptHide)
	assert.Equal(t, recordID, hide.RecordID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	errEvent := readWS[protocol.ErrorEvent](t, conn, protocol.TypeErrorEvent)
	assert.Equal(t, "invalid_client_message", errEvent.Code)
}

func TestSessionWebSocketRequiresActiveSession(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=nope"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListActionsNewestFirst(t *testing.T) {
	ts := newTestServer(t)

	_, first := ts.do(t, http.MethodPost, "/v1/actions", map[string]string{"owner_id": "u1", "subject_id": "p1"})
	time.Sleep(2 * time.Millisecond)
	_, second := ts.do(t, http.MethodPost, "/v1/actions", map[string]string{"owner_id": "u1", "subject_id": "p2"})
	firstID := first["record"].(map[string]any)["id"]
	secondID := second["record"].(map[string]any)["id"]

	res, list := ts.do(t, http.MethodGet, "/v1/actions?owner_id=u1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	records := list["records"].([]any)
	require.Len(t, records, 2)
	assert.Equal(t, secondID, records[0].(map[string]any)["id"])
	assert.Equal(t, firstID, records[1].(map[string]any)["id"])

	res, _ = ts.do(t, http.MethodGet, "/v1/actions?owner_id=u1&active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
