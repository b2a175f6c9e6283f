// file: internal/transport/http/router/router_test.go
package router

import (
	"LinguaLearn/internal/conf"
	"LinguaLearn/internal/service"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer 组装一个使用临时 SQLite 文件的完整路由器，并创建一个管理员
func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	st, err := service.InitStorage(ctx, conf.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "router.db"),
		MemoryName:      "router-" + strings.ReplaceAll(t.Name(), "/", "-"),
		ConnectTimeout:  5 * time.Second,
		OpTimeout:       5 * time.Second,
		ColumnCacheSize: 64,
		ColumnCacheTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	authCfg := conf.AuthConfig{
		JWTSecret:        "router-test-secret",
		TokenTTL:         time.Hour,
		MaxLoginFailures: 2,
		LockoutDuration:  time.Minute,
	}
	tokens, err := service.NewTokenIssuer(authCfg)
	require.NoError(t, err)

	users := service.NewUserService(st.DB, st.Reconciler)
	created, err := users.SeedAdmin(ctx, conf.AdminConfig{Username: "admin", Email: adminEmail, Password: adminPassword})
	require.NoError(t, err)
	require.True(t, created)

	return New(Dependencies{
		DB:            st.DB,
		Reconciler:    st.Reconciler,
		Tokens:        tokens,
		Users:         users,
		StudyList:     service.NewStudyListService(st.DB, st.Reconciler),
		Quiz:          service.NewQuizService(st.DB, st.Reconciler),
		Progress:      service.NewProgressService(st.DB, st.Reconciler),
		Achievements:  service.NewAchievementService(st.DB, st.Reconciler),
		Chat:          service.NewChatService(st.DB, st.Reconciler),
		Notifications: service.NewNotificationService(st.DB, st.Reconciler),
		Diagnostics:   service.NewDiagnosticsService(st.DB, st.Reconciler, false),
		Auth:          authCfg,
		RateLimit:     conf.RateLimitConfig{PerSecond: 1000, Burst: 1000},
	})
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "响应体应为 JSON: %s", w.Body.String())
	return out
}

// register 注册一个新用户并返回令牌
func register(t *testing.T, h http.Handler, name string) string {
	t.Helper()
	w := call(t, h, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username":        name,
		"email":           name + "@example.com",
		"password":        "password1",
		"security_answer": "blue",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func login(t *testing.T, h http.Handler, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	return call(t, h, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
}

func TestProbes(t *testing.T) {
	h := newTestServer(t)

	w := call(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode(t, w)
	assert.Equal(t, "healthy", rep["status"])
	assert.EqualValues(t, 1, rep["admins"])
	backend, _ := rep["backend"].(map[string]any)
	assert.Equal(t, "local-embedded", backend["kind"])

	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/metrics", "", nil).Code)
}

func TestAuthRoutes(t *testing.T) {
	h := newTestServer(t)

	t.Run("注册后可以登录", func(t *testing.T) {
		register(t, h, "alice")
		w := login(t, h, "alice@example.com", "password1")
		require.Equal(t, http.StatusOK, w.Code)
		user, _ := decode(t, w)["user"].(map[string]any)
		assert.Equal(t, "alice", user["username"])
		assert.NotContains(t, w.Body.String(), "password1")
	})

	t.Run("重复注册返回 409", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"username": "alice", "email": "other@example.com", "password": "password1", "security_answer": "x",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("参数校验失败返回 400", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
			"username": "bob", "email": "not-an-email", "password": "password1", "security_answer": "x",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = call(t, h, http.MethodPost, "/api/v1/auth/login", "", "{")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("连续登录失败后锁定", func(t *testing.T) {
		register(t, h, "carol")
		assert.Equal(t, http.StatusUnauthorized, login(t, h, "carol@example.com", "wrong").Code)
		assert.Equal(t, http.StatusUnauthorized, login(t, h, "carol@example.com", "wrong").Code)
		assert.Equal(t, http.StatusTooManyRequests, login(t, h, "carol@example.com", "password1").Code)
	})

	t.Run("缺少令牌返回 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/api/v1/profile", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, call(t, h, http.MethodGet, "/api/v1/profile", "garbage", nil).Code)
	})
}

func TestLearningRoutes(t *testing.T) {
	h := newTestServer(t)
	token := register(t, h, "dave")

	t.Run("生词本", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/study-list", token, map[string]any{"words": []string{"apple", "pear", "apple"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.EqualValues(t, 2, decode(t, w)["added"])

		w = call(t, h, http.MethodPut, "/api/v1/study-list/note", token, map[string]string{"word": "pear", "note": "梨"})
		require.Equal(t, http.StatusOK, w.Code)

		w = call(t, h, http.MethodGet, "/api/v1/study-list?language=english", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		data, _ := decode(t, w)["data"].([]any)
		assert.Len(t, data, 2)

		assert.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/v1/study-list?word=apple", token, nil).Code)
		assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/api/v1/study-list?word=apple", token, nil).Code)
		assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodDelete, "/api/v1/study-list", token, nil).Code)
	})

	t.Run("测验与进度", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/quiz/results", token, map[string]any{
			"language": "spanish", "difficulty": "beginner", "correct": 4, "total": 5, "time_taken": 30,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decode(t, w)
		result, _ := body["result"].(map[string]any)
		assert.EqualValues(t, 80, result["percentage"])
		assert.Contains(t, body, "progress")

		w = call(t, h, http.MethodGet, "/api/v1/progress", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		p := decode(t, w)
		assert.EqualValues(t, 1, p["words_learned"])
		assert.EqualValues(t, 80, p["accuracy_rate"])

		w = call(t, h, http.MethodPost, "/api/v1/quiz/results", token, map[string]any{
			"language": "spanish", "difficulty": "beginner", "correct": 1, "total": 0,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("通知", func(t *testing.T) {
		w := call(t, h, http.MethodGet, "/api/v1/notifications?unread=true", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		data, _ := decode(t, w)["data"].([]any)
		require.NotEmpty(t, data, "测验结果应生成通知")

		w = call(t, h, http.MethodPut, "/api/v1/notifications/read-all", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualValues(t, len(data), decode(t, w)["updated"])

		assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPut, "/api/v1/notifications/abc/read", token, nil).Code)
		assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPut, "/api/v1/notifications/99999/read", token, nil).Code)
	})

	t.Run("对话", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/chat/sessions", token, map[string]string{"language": "french"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		sid, _ := decode(t, w)["session_id"].(string)
		require.NotEmpty(t, sid)

		w = call(t, h, http.MethodPost, "/api/v1/chat/sessions/"+sid+"/messages", token, map[string]string{"message": "Bonjour", "bot_response": "Salut"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = call(t, h, http.MethodGet, "/api/v1/chat/sessions/"+sid+"/messages", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		data, _ := decode(t, w)["data"].([]any)
		assert.Len(t, data, 1)

		other := register(t, h, "eve")
		assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/v1/chat/sessions/"+sid+"/messages", other, nil).Code, "不能读取他人的会话")

		assert.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/v1/chat/sessions/"+sid, token, nil).Code)
		w = call(t, h, http.MethodGet, "/api/v1/chat/sessions", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		data, _ = decode(t, w)["data"].([]any)
		assert.Empty(t, data)
	})

	t.Run("个人资料", func(t *testing.T) {
		w := call(t, h, http.MethodPut, "/api/v1/profile", token, map[string]any{"bio": "  learner ", "dark_mode": true})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		u := decode(t, w)
		assert.Equal(t, "learner", u["bio"])
		assert.Equal(t, true, u["dark_mode"])

		w = call(t, h, http.MethodGet, "/api/v1/achievements", token, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAdminRoutes(t *testing.T) {
	h := newTestServer(t)
	userToken := register(t, h, "frank")

	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodGet, "/api/v1/admin/database", userToken, nil).Code)

	w := login(t, h, adminEmail, adminPassword)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	adminToken, _ := decode(t, w)["token"].(string)

	t.Run("数据库诊断", func(t *testing.T) {
		w := call(t, h, http.MethodGet, "/api/v1/admin/database", adminToken, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		rep := decode(t, w)
		tables, _ := rep["tables"].([]any)
		assert.Contains(t, tables, "users")
		assert.Contains(t, tables, "study_list")
		admins, _ := rep["admins"].([]any)
		assert.Len(t, admins, 1)
	})

	t.Run("手动结构协调是幂等的", func(t *testing.T) {
		w := call(t, h, http.MethodPost, "/api/v1/admin/schema/reconcile", adminToken, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Empty(t, decode(t, w)["columns_added"])
	})

	t.Run("列存在性查询", func(t *testing.T) {
		w := call(t, h, http.MethodGet, "/api/v1/admin/schema/columns?table=users&column=dark_mode", adminToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["exists"])

		w = call(t, h, http.MethodGet, "/api/v1/admin/schema/columns?table=users&column=nope", adminToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decode(t, w)["exists"])

		assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodGet, "/api/v1/admin/schema/columns?table=users", adminToken, nil).Code)
	})
}
