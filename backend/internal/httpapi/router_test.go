package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"collabEngine/backend/internal/collab"
	"collabEngine/backend/internal/httpapi/handlers"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var secret = []byte("router-secret")

type fakeSignaler struct {
	mock.Mock
}

func (f *fakeSignaler) HandleOffer(peerID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	args := f.Called(peerID, offer)
	answer, _ := args.Get(0).(*webrtc.SessionDescription)
	return answer, args.Error(1)
}

func (f *fakeSignaler) ConnectedPeers() []string { return []string{"peer-a"} }

type api struct {
	t      *testing.T
	router *gin.Engine
	svc    *collab.RealtimeService
	sig    *fakeSignaler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := store.NewMemoryRepository()
	svc := collab.NewRealtimeService(repo, nil, nil, collab.Options{ReplicaID: "r1"})
	sig := &fakeSignaler{}
	r := NewRouter(RouterOptions{
		Auth:      middleware.AuthMiddleware(secret),
		Documents: handlers.NewDocumentHandler(svc, repo),
		RTC:       handlers.NewRTCHandler(sig),
	})
	return &api{t: t, router: r, svc: svc, sig: sig}
}

func (a *api) call(method, path, user string, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := middleware.SignAccessToken(secret, user, user, time.Minute)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestHealthzNeedsNoToken(t *testing.T) {
	a := newAPI(t)
	code, body := a.call(http.MethodGet, "/collab/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["message"])

	code, _ = a.call(http.MethodGet, "/collab/documents/x/content", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestDocumentLifecycle(t *testing.T) {
	a := newAPI(t)

	code, body := a.call(http.MethodPost, "/collab/documents", "alice", map[string]string{"id": "d1", "title": "notes", "text": "hello"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "alice", body["ownerId"])

	code, _ = a.call(http.MethodPost, "/collab/documents", "alice", map[string]string{"id": "d1"})
	assert.Equal(t, http.StatusConflict, code)

	// 未打开的文档
	code, body = a.call(http.MethodGet, "/collab/documents/d1/content", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", body["code"])

	code, body = a.call(http.MethodPost, "/collab/documents/d1/open", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"text": "hello"}, body["data"])

	code, body = a.call(http.MethodPost, "/collab/documents/d1/operations", "alice", map[string]any{"kind": "insert", "position": 5, "value": " world"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["userId"])

	code, body = a.call(http.MethodPost, "/collab/documents/d1/operations", "alice", map[string]any{"kind": "insert", "position": 50, "value": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_OPERATION", body["code"])

	code, _ = a.call(http.MethodPost, "/collab/documents/d1/operations", "alice", map[string]any{"kind": "teleport"})
	assert.Equal(t, http.StatusBadRequest, code)

	txt, err := a.svc.GetText("d1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", txt)

	code, body = a.call(http.MethodGet, "/collab/documents/d1/operations", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["operations"], 1)

	code, _ = a.call(http.MethodPost, "/collab/documents/d1/save", "alice", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = a.call(http.MethodGet, "/collab/documents/d1/stats", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(11), body["length"])

	code, _ = a.call(http.MethodDelete, "/collab/documents/d1", "alice", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = a.call(http.MethodGet, "/collab/documents/d1/content", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestVersionsAndSharing(t *testing.T) {
	a := newAPI(t)
	code, _ := a.call(http.MethodPost, "/collab/documents", "alice", map[string]string{"id": "d1", "text": "v"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = a.call(http.MethodPost, "/collab/documents/d1/open", "alice", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := a.call(http.MethodPost, "/collab/documents/d1/versions", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ACCESS_DENIED", body["code"])

	code, _ = a.call(http.MethodPost, "/collab/documents/d1/shares", "bob", map[string]string{"userId": "bob", "permission": "edit"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = a.call(http.MethodPost, "/collab/documents/d1/shares", "alice", map[string]string{"userId": "bob", "permission": "owner"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.call(http.MethodPost, "/collab/documents/d1/shares", "alice", map[string]string{"userId": "bob", "permission": "edit"})
	require.Equal(t, http.StatusOK, code)

	code, body = a.call(http.MethodPost, "/collab/documents/d1/versions", "bob", nil)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(1), body["versionNumber"])
	code, body = a.call(http.MethodPost, "/collab/documents/d1/versions", "alice", nil)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(2), body["versionNumber"])

	code, body = a.call(http.MethodGet, "/collab/documents/d1/versions", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["versions"], 2)
}

func TestPresenceConflictsAndPriority(t *testing.T) {
	a := newAPI(t)
	code, _ := a.call(http.MethodPost, "/collab/documents", "alice", map[string]string{"id": "d1"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = a.call(http.MethodPost, "/collab/documents/d1/open", "alice", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := a.call(http.MethodPut, "/collab/documents/d1/presence", "alice", map[string]any{"cursor": map[string]int{"line": 0, "column": 0}, "qosTier": 0})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["presences"], 1)

	code, body = a.call(http.MethodPut, "/collab/documents/d1/presence", "alice", map[string]any{"qosTier": 9})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SYNC_ERROR", body["code"])

	code, body = a.call(http.MethodDelete, "/collab/documents/d1/presence", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["removed"])

	code, _ = a.call(http.MethodPut, "/collab/documents/d1/priority", "alice", map[string]any{"userId": "bob", "priority": 5})
	assert.Equal(t, http.StatusNoContent, code)

	code, body = a.call(http.MethodGet, "/collab/documents/d1/conflicts", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conflicts"])

	code, body = a.call(http.MethodPost, "/collab/documents/d1/conflicts/nope/resolve", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "CONFLICT_NOT_FOUND", body["code"])

	code, body = a.call(http.MethodPost, "/collab/sync", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["sent"])
}

func TestRTCOffer(t *testing.T) {
	a := newAPI(t)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	a.sig.On("HandleOffer", "node-b", offer).Return(&webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil).Once()
	a.sig.On("HandleOffer", "node-c", offer).Return(nil, errors.New("ice failed")).Once()

	code, body := a.call(http.MethodPost, "/collab/rtc/offer", "alice", map[string]any{"peerId": "node-b", "offer": offer})
	require.Equal(t, http.StatusOK, code)
	answer := body["answer"].(map[string]any)
	assert.Equal(t, "answer", answer["type"])

	code, _ = a.call(http.MethodPost, "/collab/rtc/offer", "alice", map[string]any{"peerId": "node-c", "offer": offer})
	assert.Equal(t, http.StatusBadGateway, code)

	code, _ = a.call(http.MethodPost, "/collab/rtc/offer", "alice", map[string]any{"peerId": "node-d"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.call(http.MethodGet, "/collab/rtc/peers", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"peer-a"}, body["peers"])
	a.sig.AssertExpectations(t)
}
