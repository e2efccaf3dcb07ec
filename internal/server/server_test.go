package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/db"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
	"github.com/zulandar/customgpt/internal/store/sqlstore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testStore creates a sqlite-backed store on an in-memory database.
func testStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(gdb))

	s := sqlstore.New(db.Wrap(gdb, time.Second))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func testRouter(t *testing.T, s store.Store, mutate ...func(*StartOpts)) *gin.Engine {
	t.Helper()
	opts := StartOpts{Store: s}
	opts.Config.Proxy.Timeout = 2 * time.Second
	for _, fn := range mutate {
		fn(&opts)
	}
	router, err := NewRouter(opts)
	require.NoError(t, err)
	return router
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec, out
}

func TestNewRouter_NilStore(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
}

func TestHealth(t *testing.T) {
	rec, out := do(t, testRouter(t, testStore(t)), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.NotEmpty(t, out["time"])
}

func TestProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"choices":[{"text":"hi"}]}`)
		case "/fail":
			http.Error(w, "upstream broke", http.StatusInternalServerError)
		case "/echo":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"method": r.Method, "got": body})
		}
	}))
	defer upstream.Close()
	router := testRouter(t, testStore(t))

	t.Run("json", func(t *testing.T) {
		rec, out := do(t, router, http.MethodPost, "/proxy", fmt.Sprintf(`{"url":%q,"responseType":"json"}`, upstream.URL+"/ok"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, out["ok"])
		assert.EqualValues(t, 200, out["status"])
		assert.Equal(t, "OK", out["statusText"])
		body := out["body"].(map[string]any)
		assert.Equal(t, "hi", body["choices"].([]any)[0].(map[string]any)["text"])
		assert.Equal(t, "application/json", out["headers"].(map[string]any)["content-type"])
	})

	t.Run("upstream error is still 200", func(t *testing.T) {
		rec, out := do(t, router, http.MethodPost, "/proxy", fmt.Sprintf(`{"url":%q}`, upstream.URL+"/fail"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, out["ok"])
		assert.EqualValues(t, 500, out["status"])
		assert.Equal(t, "upstream broke\n", out["body"])
	})

	t.Run("post body", func(t *testing.T) {
		rec, out := do(t, router, http.MethodPost, "/proxy",
			fmt.Sprintf(`{"url":%q,"method":"post","body":{"prompt":"hello"},"responseType":"json"}`, upstream.URL+"/echo"))
		require.Equal(t, http.StatusOK, rec.Code)
		body := out["body"].(map[string]any)
		assert.Equal(t, "POST", body["method"])
		assert.Equal(t, map[string]any{"prompt": "hello"}, body["got"])
	})
}

func TestProxy_InvalidInput(t *testing.T) {
	router := testRouter(t, testStore(t))
	for name, body := range map[string]string{
		"missing url":    `{"method":"GET"}`,
		"url not string": `{"url":42}`,
		"not json":       `nope`,
		"blank url":      `{"url":"  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, router, http.MethodPost, "/proxy", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, CodeInvalidInput, out["error"])
			assert.Equal(t, false, out["ok"])
		})
	}
}

func TestProxy_UnsupportedURL(t *testing.T) {
	router := testRouter(t, testStore(t))
	for name, body := range map[string]string{
		"relative url": `{"url":"/api"}`,
		"bad scheme":   `{"url":"ftp://example.com"}`,
		"unparseable":  `{"url":"http://[::1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, out := do(t, router, http.MethodPost, "/proxy", body)
			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.Contains(t, out["error"], "unsupported url")
		})
	}
}

func TestProxy_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	rec, out := do(t, testRouter(t, testStore(t)), http.MethodPost, "/proxy", fmt.Sprintf(`{"url":%q}`, url))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, out["error"])
}

func TestProxy_BodyTooLarge(t *testing.T) {
	router := testRouter(t, testStore(t), func(o *StartOpts) { o.Config.Server.BodyLimitBytes = 64 })
	body := `{"url":"http://example.com","body":"` + strings.Repeat("x", 200) + `"}`
	rec, out := do(t, router, http.MethodPost, "/proxy", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodePayloadTooLarge, out["error"])
}

func TestDBHealth(t *testing.T) {
	s := testStore(t)
	router := testRouter(t, s)

	rec, out := do(t, router, http.MethodGet, "/api/dbhealth", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "Database is healthy", out["message"])

	require.NoError(t, s.Close(context.Background()))
	rec, out = do(t, router, http.MethodGet, "/api/dbhealth", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, out["ok"])
}

func TestChats_Lifecycle(t *testing.T) {
	router := testRouter(t, testStore(t))

	rec, out := do(t, router, http.MethodPost, "/api/chats", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "New Chat", out["chat_name"])
	assert.Equal(t, "default", out["config_name"])
	assert.NotEmpty(t, out["created_at"])
	id := out["chat_id"].(string)

	rec, out = do(t, router, http.MethodPost, "/api/chats/"+id+"/messages",
		`{"role":"user","interaction_type":"completion","message_content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	userID := out["message_id"].(string)
	assert.NotEmpty(t, userID)
	chat := out["chat"].(map[string]any)
	assert.Len(t, chat["messages"], 2)

	rec, _ = do(t, router, http.MethodPost, "/api/chats/"+id+"/messages",
		fmt.Sprintf(`{"role":"assistant","interaction_type":"completion","message_content":"hi","parent_id":%q,"status":"failure"}`, userID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, out = do(t, router, http.MethodPatch, "/api/chats/"+id, `{"chat_name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed", out["chat"].(map[string]any)["chat_name"])

	rec, out = do(t, router, http.MethodGet, "/api/chats/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	chat = out["chat"].(map[string]any)
	msgs := chat["messages"].([]any)
	require.Len(t, msgs, 3)
	last := msgs[2].(map[string]any)
	assert.Equal(t, userID, last["parent_id"])
	assert.Equal(t, "failure", last["status"])
	assert.NotContains(t, last, "Sequence")

	rec, out = do(t, router, http.MethodGet, "/api/chats?limit=abc&skip=-4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["total"])
	assert.EqualValues(t, 50, out["limit"])
	assert.EqualValues(t, 0, out["skip"])
	summaries := out["chats"].([]any)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Renamed", summaries[0].(map[string]any)["chat_name"])
	assert.NotContains(t, summaries[0], "messages")
}

func TestChats_CreateWithNames(t *testing.T) {
	router := testRouter(t, testStore(t))
	rec, out := do(t, router, http.MethodPost, "/api/chats", `{"chat_name":"Pricing","config_name":"openai"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Pricing", out["chat_name"])
	assert.Equal(t, "openai", out["config_name"])
}

func TestChats_Errors(t *testing.T) {
	router := testRouter(t, testStore(t))
	_, out := do(t, router, http.MethodPost, "/api/chats", "")
	id := out["chat_id"].(string)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"get missing", http.MethodGet, "/api/chats/nope", "", http.StatusNotFound, CodeChatNotFound},
		{"patch missing", http.MethodPatch, "/api/chats/nope", `{"chat_name":"x"}`, http.StatusNotFound, CodeChatNotFound},
		{"append missing chat", http.MethodPost, "/api/chats/nope/messages", `{"role":"user","interaction_type":"chat","message_content":"x"}`, http.StatusNotFound, CodeChatNotFound},
		{"append missing fields", http.MethodPost, "/api/chats/" + id + "/messages", `{"role":"user"}`, http.StatusBadRequest, CodeInvalidInput},
		{"append bad role", http.MethodPost, "/api/chats/" + id + "/messages", `{"role":"robot","interaction_type":"chat","message_content":"x"}`, http.StatusBadRequest, CodeInvalidInput},
		{"append bad json", http.MethodPost, "/api/chats/" + id + "/messages", `{"role":`, http.StatusBadRequest, CodeInvalidInput},
		{"create bad type", http.MethodPost, "/api/chats", `{"chat_name":7}`, http.StatusBadRequest, CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, out["error"])
			assert.Equal(t, false, out["ok"])
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestChats_Unavailable(t *testing.T) {
	s := testStore(t)
	router := testRouter(t, s)
	require.NoError(t, s.Close(context.Background()))

	for _, r := range []struct{ method, path, body string }{
		{http.MethodPost, "/api/chats", ""},
		{http.MethodGet, "/api/chats", ""},
		{http.MethodGet, "/api/chats/x", ""},
		{http.MethodPatch, "/api/chats/x", `{"chat_name":"y"}`},
		{http.MethodPost, "/api/chats/x/messages", `{"role":"user","interaction_type":"chat","message_content":"x"}`},
	} {
		rec, out := do(t, router, r.method, r.path, r.body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", r.method, r.path)
		assert.Equal(t, CodeDBUnavailable, out["error"])
	}
}

func TestCORS(t *testing.T) {
	router := testRouter(t, testStore(t), func(o *StartOpts) { o.Config.Server.CORSOrigins = []string{"*"} })
	req := httptest.NewRequest(http.MethodOptions, "/proxy", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSConfig(t *testing.T) {
	assert.True(t, corsConfig(nil).AllowAllOrigins)
	assert.True(t, corsConfig([]string{"http://a", "*"}).AllowAllOrigins)

	cfg := corsConfig([]string{"http://a"})
	assert.False(t, cfg.AllowAllOrigins)
	assert.Equal(t, []string{"http://a"}, cfg.AllowOrigins)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", store.ErrInvalidInput), 400, CodeInvalidInput},
		{fmt.Errorf("x: %w", proxy.ErrInvalidInput), 400, CodeInvalidInput},
		{store.ErrChatNotFound, 404, CodeChatNotFound},
		{store.Unavailable(errors.New("down")), 503, CodeDBUnavailable},
		{&http.MaxBytesError{Limit: 1}, 413, CodePayloadTooLarge},
		{errors.New("disk full"), 503, ""},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestWriteError_UnclassifiedUsesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	writeError(c, errors.New("disk full"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out))
	assert.Equal(t, "disk full", out["error"])
}

func TestStart_NilStore(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	require.Error(t, err)
}

func TestStart_ServesAndStops(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Store.HealthSchedule = "@every 1h"

	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	var out bytes.Buffer
	go func() { errCh <- Start(ctx, StartOpts{Config: cfg, Store: s, Out: &out}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "server did not stop")
	}
	assert.Contains(t, out.String(), "running at http://127.0.0.1:")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
