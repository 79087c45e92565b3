package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/api/middleware"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/response"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
	"github.com/qs3c/archmind/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockAuth 模拟认证中间件
func mockAuth(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID > 0 {
			c.Set(middleware.UserIDKey, userID)
		}
		c.Next()
	}
}

// mockSession 模拟会话中间件
func mockSession(sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sessionID != "" {
			c.Set(middleware.SessionIDKey, sessionID)
		}
		c.Next()
	}
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*queue.JobMessage
	err  error
}

func (q *fakeQueue) Push(ctx context.Context, msg *queue.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

// testContext 本地测试上下文
type testContext struct {
	DB      *gorm.DB
	Store   *status.MemoryStore
	Queue   *fakeQueue
	Quota   *service.QuotaService
	History *service.HistoryService
}

func setupServices(t *testing.T, anonymousLimit int) (*service.AnalysisService, *testContext) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	logRepo := repository.NewAnalysisLogRepository(db)
	quotaService := service.NewQuotaService(logRepo, &config.QuotaConfig{AnonymousLimit: anonymousLimit})
	store := status.NewMemoryStore()
	q := &fakeQueue{}

	analysisService := service.NewAnalysisService(logRepo, quotaService, store, q, &config.AnalysisConfig{StaleAfterMinutes: 30})
	historyService := service.NewHistoryService(repository.NewHistoryRepository(db), nil, &config.HistoryConfig{Capacity: 5})

	return analysisService, &testContext{
		DB:      db,
		Store:   store,
		Queue:   q,
		Quota:   quotaService,
		History: historyService,
	}
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func dataMap(t *testing.T, resp response.Response) map[string]interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return data
}
