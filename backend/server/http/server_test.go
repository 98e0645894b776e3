package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/adwski/exam-liveroom/backend/storage/cache"
	"github.com/adwski/exam-liveroom/backend/storage/memory"
	"github.com/dgrijalva/jwt-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, secret string) (*Server, *memory.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	reg := memory.NewRegistry()
	return NewServer(Config{
		Logger:        &logger,
		LiveDirectory: cache.NewDirectory(time.Hour),
		RoomStats:     reg,
		JWTSecret:     secret,
	}), reg
}

func do(t *testing.T, srv *Server, method, target, body, token string) (int, GenericResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	var resp GenericResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func decodeData(t *testing.T, data any, v any) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestServer_LiveSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")
	openBody := `{"courseId":"c1","subjectId":"s1","chapterId":"ch1"}`

	code, resp := do(t, srv, http.MethodPost, "/api/live", openBody, "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var opened cache.LiveSession
	decodeData(t, resp.Data, &opened)
	assert.Equal(t, "ch1", opened.RoomID)
	assert.NotEmpty(t, opened.ID)

	code, resp = do(t, srv, http.MethodPost, "/api/live", openBody, "")
	require.Equal(t, http.StatusOK, code)
	var reopened cache.LiveSession
	decodeData(t, resp.Data, &reopened)
	assert.Equal(t, opened.ID, reopened.ID, "open must be idempotent")

	code, resp = do(t, srv, http.MethodGet, "/api/live/examinee/c1/s1/ch1", "", "")
	require.Equal(t, http.StatusOK, code)
	var room LiveRoom
	decodeData(t, resp.Data, &room)
	assert.Equal(t, "ch1", room.RoomID)
	assert.Equal(t, RoleExaminee, room.Role)
	assert.Equal(t, "/live/"+opened.ID, room.SocketPath)

	code, _ = do(t, srv, http.MethodDelete, "/api/live/c1/s1/ch1", "", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, srv, http.MethodGet, "/api/live/examiner/c1/s1/ch1", "", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, srv, http.MethodDelete, "/api/live/c1/s1/ch1", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
	}{
		{
			name:     "malformed body",
			method:   http.MethodPost,
			target:   "/api/live",
			body:     `{"courseId":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing chapter",
			method:   http.MethodPost,
			target:   "/api/live",
			body:     `{"courseId":"c1","subjectId":"s1"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown role",
			method:   http.MethodGet,
			target:   "/api/live/parent/c1/s1/ch1",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "not opened",
			method:   http.MethodGet,
			target:   "/api/live/examiner/c1/s1/ch9",
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, "")

			code, resp := do(t, srv, tt.method, tt.target, tt.body, "")

			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestServer_Auth(t *testing.T) {
	auth := NewAuthenticator(testSecret)
	token := func(role string) string {
		tok, err := auth.NewToken("user-"+role, role, time.Minute)
		require.NoError(t, err)
		return tok
	}
	forged, err := NewAuthenticator("other").NewToken("mallory", RoleAdmin, time.Minute)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: RoleAdmin,
		StandardClaims: jwt.StandardClaims{
			Subject:   "late",
			ExpiresAt: time.Now().Add(-time.Minute).Unix(),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	openBody := `{"courseId":"c1","subjectId":"s1","chapterId":"ch1"}`
	tests := []struct {
		name     string
		method   string
		target   string
		token    string
		wantCode int
	}{
		{name: "no token", method: http.MethodPost, target: "/api/live", wantCode: http.StatusUnauthorized},
		{name: "foreign signature", method: http.MethodPost, target: "/api/live", token: forged, wantCode: http.StatusUnauthorized},
		{name: "expired", method: http.MethodPost, target: "/api/live", token: expired, wantCode: http.StatusUnauthorized},
		{name: "examinee cannot open", method: http.MethodPost, target: "/api/live", token: token(RoleExaminee), wantCode: http.StatusForbidden},
		{name: "examiner opens", method: http.MethodPost, target: "/api/live", token: token(RoleExaminer), wantCode: http.StatusOK},
		{name: "parent joins", method: http.MethodGet, target: "/api/live/examinee/c1/s1/ch1", token: token(RoleParent), wantCode: http.StatusOK},
		{name: "examinee cannot close", method: http.MethodDelete, target: "/api/live/c1/s1/ch1", token: token(RoleExaminee), wantCode: http.StatusForbidden},
		{name: "admin closes", method: http.MethodDelete, target: "/api/live/c1/s1/ch1", token: token(RoleAdmin), wantCode: http.StatusOK},
	}

	// cases run in order against one server
	srv, _ := newTestServer(t, testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ""
			if tt.method == http.MethodPost {
				body = openBody
			}
			code, resp := do(t, srv, tt.method, tt.target, body, tt.token)
			assert.Equal(t, tt.wantCode, code, resp.Error)
		})
	}

	t.Run("token in query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/live?jwt="+token(RoleExaminer), strings.NewReader(openBody))
		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("opener is recorded", func(t *testing.T) {
		code, resp := do(t, srv, http.MethodGet, "/api/live/examiner/c1/s1/ch1", "", token(RoleExaminer))
		require.Equal(t, http.StatusOK, code)
		var room LiveRoom
		decodeData(t, resp.Data, &room)
		assert.Equal(t, "user-"+RoleExaminer, room.Session.OpenedBy)
	})
}

func TestServer_Stats(t *testing.T) {
	srv, reg := newTestServer(t, testSecret)
	require.NoError(t, reg.Join("ch1", model.Participant{ConnID: "a", UserID: "ua"}))
	require.NoError(t, reg.Join("ch1", model.Participant{ConnID: "b", UserID: "ub"}))
	code, _ := do(t, srv, http.MethodPost, "/api/live", `{"courseId":"c1","subjectId":"s1","chapterId":"ch1"}`, "")
	require.Equal(t, http.StatusUnauthorized, code)

	auth := NewAuthenticator(testSecret)
	examiner, err := auth.NewToken("teacher", RoleExaminer, time.Minute)
	require.NoError(t, err)
	admin, err := auth.NewToken("root", RoleAdmin, time.Minute)
	require.NoError(t, err)

	code, _ = do(t, srv, http.MethodGet, "/api/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, srv, http.MethodGet, "/api/stats", "", examiner)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := do(t, srv, http.MethodGet, "/api/stats", "", admin)
	require.Equal(t, http.StatusOK, code)

	var stats Stats
	decodeData(t, resp.Data, &stats)
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 2, stats.Participants)
	assert.Zero(t, stats.LiveSessions)
	require.Len(t, stats.Details, 1)
	assert.Equal(t, "ch1", stats.Details[0].ID)
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, testSecret)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/api/live", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
